package p2p

import (
	"encoding/binary"
	"fmt"
)

// maxFrameLen bounds the length prefix: a full block plus the piece header, or a bitfield
// of up to 8 Mi pieces.
const maxFrameLen = 1<<20 + 13

// framer cuts a byte stream into protocol units. The first unit is the handshake
// (buffer[0] + 49 bytes); every later unit is a 4-byte big-endian length prefix
// followed by that many bytes.
type framer struct {
	buf              []byte
	handshakePending bool
}

func newFramer() *framer {
	return &framer{handshakePending: true}
}

func (f *framer) Feed(p []byte) {
	f.buf = append(f.buf, p...)
}

// Next returns the next complete unit, or nil when more bytes are needed.
func (f *framer) Next() ([]byte, error) {
	var n int
	if f.handshakePending {
		if len(f.buf) < 1 {
			return nil, nil
		}
		n = int(f.buf[0]) + 49
	} else {
		if len(f.buf) < 4 {
			return nil, nil
		}
		length := binary.BigEndian.Uint32(f.buf)
		if length > maxFrameLen {
			return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrProtocolViolation, length, maxFrameLen)
		}
		n = int(length) + 4
	}
	if len(f.buf) < n {
		return nil, nil
	}

	unit := append([]byte(nil), f.buf[:n]...)
	f.buf = append(f.buf[:0], f.buf[n:]...)
	f.handshakePending = false
	return unit, nil
}

// Buffered is the number of bytes waiting for the rest of their unit.
func (f *framer) Buffered() int {
	return len(f.buf)
}
