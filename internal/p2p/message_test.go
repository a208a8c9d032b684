package p2p

import (
	"testing"

	"github.com/WendelHime/swarmget/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	var tests = []struct {
		name    string
		frame   []byte
		expect  Message
		wantErr error
	}{
		{name: "keep-alive", frame: []byte{0, 0, 0, 0}, expect: KeepAlive{}},
		{name: "choke", frame: []byte{0, 0, 0, 1, 0}, expect: Choke{}},
		{name: "unchoke", frame: []byte{0, 0, 0, 1, 1}, expect: Unchoke{}},
		{name: "have", frame: []byte{0, 0, 0, 5, 4, 0, 0, 1, 2}, expect: Have{Index: 258}},
		{name: "bitfield", frame: []byte{0, 0, 0, 3, 5, 0xA0, 0x01}, expect: Bitfield{Bits: []byte{0xA0, 0x01}}},
		{
			name:   "piece",
			frame:  []byte{0, 0, 0, 12, 7, 0, 0, 0, 3, 0, 0, 0x40, 0, 'a', 'b', 'c'},
			expect: Piece{BlockPayload: models.BlockPayload{Block: models.Block{Index: 3, Begin: 16384, Length: 3}, Data: []byte("abc")}},
		},
		{
			name:   "request",
			frame:  []byte{0, 0, 0, 13, 6, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0x40, 0},
			expect: Request{Block: models.Block{Index: 1, Begin: 0, Length: 16384}},
		},
		{name: "not interested is unknown", frame: []byte{0, 0, 0, 1, 3}, expect: Unknown{ID: models.MessageIDNotInterested, Payload: []byte{}}},
		{name: "extension id is unknown", frame: []byte{0, 0, 0, 2, 20, 9}, expect: Unknown{ID: 20, Payload: []byte{9}}},
		{name: "short have", frame: []byte{0, 0, 0, 3, 4, 0, 1}, wantErr: ErrProtocolViolation},
		{name: "short piece", frame: []byte{0, 0, 0, 5, 7, 0, 0, 0, 1}, wantErr: ErrProtocolViolation},
		{name: "length disagrees with frame", frame: []byte{0, 0, 0, 9, 1}, wantErr: ErrProtocolViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage(tt.frame)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expect, msg)
		})
	}
}

func TestSerialize(t *testing.T) {
	assert.Equal(t, []byte{0, 0, 0, 1, 2}, Serialize(Interested{}))
	assert.Equal(t,
		[]byte{0, 0, 0, 13, 6, 0, 0, 0, 2, 0, 0, 0x40, 0, 0, 0, 0x10, 0},
		Serialize(Request{Block: models.Block{Index: 2, Begin: 16384, Length: 4096}}),
	)
	assert.Equal(t, []byte{0, 0, 0, 0}, Serialize(KeepAlive{}))
}

func TestBitfieldPieces(t *testing.T) {
	bf := Bitfield{Bits: []byte{0b10100000, 0b00000001}}
	assert.Equal(t, []int{0, 2, 15}, bf.Pieces())
	assert.True(t, bf.HasPiece(2))
	assert.False(t, bf.HasPiece(1))
	assert.False(t, bf.HasPiece(16))
	assert.False(t, bf.HasPiece(-1))
}

func TestHandshake(t *testing.T) {
	h := NewHandshake(models.Hash{0xAA}, models.PeerID{0xBB})
	raw := h.Bytes()
	require.Len(t, raw, 68)
	assert.Equal(t, byte(19), raw[0])
	assert.Equal(t, "BitTorrent protocol", string(raw[1:20]))
	assert.Equal(t, make([]byte, 8), raw[20:28])
	assert.Equal(t, byte(0xAA), raw[28])
	assert.Equal(t, byte(0xBB), raw[48])

	parsed, err := ReadHandshake(raw)
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	raw[1] = 'X'
	_, err = ReadHandshake(raw)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}
