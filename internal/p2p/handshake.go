package p2p

import (
	"bytes"
	"fmt"

	"github.com/WendelHime/swarmget/internal/shared/models"
)

const protocolIdentifier = "BitTorrent protocol"

// HandshakeLen is the size of a handshake carrying the standard protocol identifier.
const HandshakeLen = 49 + len(protocolIdentifier)

// Handshake is the first unit exchanged on a connection:
//   - 1 byte protocol identifier length (19)
//   - the protocol identifier
//   - 8 reserved bytes, all zero here
//   - 20 bytes info hash
//   - 20 bytes peer id
type Handshake struct {
	Pstr     string
	InfoHash models.Hash
	PeerID   models.PeerID
}

func NewHandshake(infoHash models.Hash, peerID models.PeerID) Handshake {
	return Handshake{
		Pstr:     protocolIdentifier,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

// handshake request to bytes
func (h Handshake) Bytes() []byte {
	buf := make([]byte, 0, 49+len(h.Pstr))
	buf = append(buf, byte(len(h.Pstr)))
	buf = append(buf, h.Pstr...)
	buf = append(buf, make([]byte, 8)...) // eight reserved bytes
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// ReadHandshake parses a complete handshake unit as cut by the framer.
func ReadHandshake(unit []byte) (Handshake, error) {
	if len(unit) == 0 || len(unit) != int(unit[0])+49 {
		return Handshake{}, fmt.Errorf("%w: handshake is %d bytes", ErrProtocolViolation, len(unit))
	}
	pstrLen := int(unit[0])
	pstr := unit[1 : 1+pstrLen]
	if !bytes.Equal(pstr, []byte(protocolIdentifier)) {
		return Handshake{}, fmt.Errorf("%w: unknown protocol %q", ErrProtocolViolation, pstr)
	}

	h := Handshake{Pstr: string(pstr)}
	copy(h.InfoHash[:], unit[1+pstrLen+8:1+pstrLen+28])
	copy(h.PeerID[:], unit[1+pstrLen+28:])
	return h, nil
}
