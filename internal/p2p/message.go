package p2p

import (
	"encoding/binary"
	"fmt"

	"github.com/WendelHime/swarmget/internal/shared/models"
)

// Message is one of the peer wire messages below. The set is closed: every parsed frame
// becomes exactly one of them, Unknown included.
type Message interface {
	isMessage()
}

type (
	KeepAlive  struct{}
	Choke      struct{}
	Unchoke    struct{}
	Interested struct{}
	Have       struct{ Index int }
	// Bitfield holds one bit per piece, most significant bit first.
	Bitfield struct{ Bits []byte }
	Request  struct{ models.Block }
	Piece    struct{ models.BlockPayload }
	Unknown  struct {
		ID      models.MessageID
		Payload []byte
	}
)

func (KeepAlive) isMessage()  {}
func (Choke) isMessage()      {}
func (Unchoke) isMessage()    {}
func (Interested) isMessage() {}
func (Have) isMessage()       {}
func (Bitfield) isMessage()   {}
func (Request) isMessage()    {}
func (Piece) isMessage()      {}
func (Unknown) isMessage()    {}

// HasPiece reports whether the bit for index is set.
func (bf Bitfield) HasPiece(index int) bool {
	byteIndex := index / 8
	if index < 0 || byteIndex >= len(bf.Bits) {
		return false
	}
	return bf.Bits[byteIndex]>>(7-index%8)&1 != 0
}

// Pieces lists the indexes of every set bit.
func (bf Bitfield) Pieces() []int {
	pieces := make([]int, 0)
	for i := 0; i < len(bf.Bits)*8; i++ {
		if bf.HasPiece(i) {
			pieces = append(pieces, i)
		}
	}
	return pieces
}

// ParseMessage decodes a complete length-prefixed frame.
func ParseMessage(frame []byte) (Message, error) {
	if len(frame) < 4 || int(binary.BigEndian.Uint32(frame)) != len(frame)-4 {
		return nil, fmt.Errorf("%w: truncated frame", ErrProtocolViolation)
	}
	if len(frame) == 4 {
		return KeepAlive{}, nil
	}

	id := models.MessageID(frame[4])
	payload := frame[5:]
	switch id {
	case models.MessageIDChoke:
		return Choke{}, nil
	case models.MessageIDUnchoke:
		return Unchoke{}, nil
	case models.MessageIDInterested:
		return Interested{}, nil
	case models.MessageIDHave:
		if len(payload) != 4 {
			return nil, fmt.Errorf("%w: have payload is %d bytes", ErrProtocolViolation, len(payload))
		}
		return Have{Index: int(binary.BigEndian.Uint32(payload))}, nil
	case models.MessageIDBitfield:
		return Bitfield{Bits: payload}, nil
	case models.MessageIDRequest:
		if len(payload) != 12 {
			return nil, fmt.Errorf("%w: request payload is %d bytes", ErrProtocolViolation, len(payload))
		}
		return Request{Block: models.Block{
			Index:  int(binary.BigEndian.Uint32(payload[0:4])),
			Begin:  int(binary.BigEndian.Uint32(payload[4:8])),
			Length: int(binary.BigEndian.Uint32(payload[8:12])),
		}}, nil
	case models.MessageIDPiece:
		if len(payload) < 8 {
			return nil, fmt.Errorf("%w: piece payload is %d bytes", ErrProtocolViolation, len(payload))
		}
		data := payload[8:]
		return Piece{BlockPayload: models.BlockPayload{
			Block: models.Block{
				Index:  int(binary.BigEndian.Uint32(payload[0:4])),
				Begin:  int(binary.BigEndian.Uint32(payload[4:8])),
				Length: len(data),
			},
			Data: data,
		}}, nil
	default:
		return Unknown{ID: id, Payload: payload}, nil
	}
}

// Serialize encodes m as a length-prefixed frame.
func Serialize(m Message) []byte {
	switch m := m.(type) {
	case KeepAlive:
		return make([]byte, 4)
	case Choke:
		return frame(models.MessageIDChoke, nil)
	case Unchoke:
		return frame(models.MessageIDUnchoke, nil)
	case Interested:
		return frame(models.MessageIDInterested, nil)
	case Have:
		payload := make([]byte, 4)
		binary.BigEndian.PutUint32(payload, uint32(m.Index))
		return frame(models.MessageIDHave, payload)
	case Bitfield:
		return frame(models.MessageIDBitfield, m.Bits)
	case Request:
		payload := make([]byte, 12)
		binary.BigEndian.PutUint32(payload[0:4], uint32(m.Index))
		binary.BigEndian.PutUint32(payload[4:8], uint32(m.Begin))
		binary.BigEndian.PutUint32(payload[8:12], uint32(m.Length))
		return frame(models.MessageIDRequest, payload)
	case Piece:
		payload := make([]byte, 8, 8+len(m.Data))
		binary.BigEndian.PutUint32(payload[0:4], uint32(m.Index))
		binary.BigEndian.PutUint32(payload[4:8], uint32(m.Begin))
		return frame(models.MessageIDPiece, append(payload, m.Data...))
	case Unknown:
		return frame(m.ID, m.Payload)
	}
	return nil
}

func frame(id models.MessageID, payload []byte) []byte {
	buf := make([]byte, 5, 5+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)+1))
	buf[4] = byte(id)
	return append(buf, payload...)
}
