package models

import (
	"encoding/binary"
	"errors"
	"net"
	"strconv"
)

type Addr struct {
	IP   net.IP
	Port uint16
}

func (a Addr) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

var ErrInvalidAddr = errors.New("invalid address")

// compactPeerLen is the size of one peer record: 4-byte IPv4 followed by a 2-byte port.
const compactPeerLen = 6

func (a *Addr) ReadFromBytes(b []byte) error {
	if len(b) != compactPeerLen {
		return ErrInvalidAddr
	}

	a.IP = net.IPv4(b[0], b[1], b[2], b[3])
	a.Port = binary.BigEndian.Uint16(b[4:])

	return nil
}

// ParseCompactPeers splits a compact peer list into addresses. Trailing bytes that do not
// form a whole record are an error.
func ParseCompactPeers(b []byte) ([]Peer, error) {
	if len(b)%compactPeerLen != 0 {
		return nil, ErrInvalidAddr
	}

	peers := make([]Peer, 0, len(b)/compactPeerLen)
	for i := 0; i < len(b); i += compactPeerLen {
		var addr Addr
		if err := addr.ReadFromBytes(b[i : i+compactPeerLen]); err != nil {
			return nil, err
		}
		peers = append(peers, Peer{Addr: addr})
	}

	return peers, nil
}
