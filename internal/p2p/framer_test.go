package p2p

import (
	"testing"

	"github.com/WendelHime/swarmget/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, f *framer) [][]byte {
	units := make([][]byte, 0)
	for {
		unit, err := f.Next()
		require.NoError(t, err)
		if unit == nil {
			return units
		}
		units = append(units, unit)
	}
}

func TestFramerHandshakeSplitAnywhere(t *testing.T) {
	hs := NewHandshake(models.Hash{1, 2, 3}, models.PeerID{4, 5, 6}).Bytes()
	require.Len(t, hs, HandshakeLen)

	for i := 0; i <= len(hs); i++ {
		for j := i; j <= len(hs); j++ {
			f := newFramer()
			units := make([][]byte, 0)
			for _, part := range [][]byte{hs[:i], hs[i:j], hs[j:]} {
				f.Feed(part)
				units = append(units, collect(t, f)...)
			}
			require.Len(t, units, 1, "split at %d and %d", i, j)
			assert.Equal(t, hs, units[0])
			assert.Zero(t, f.Buffered())
		}
	}
}

func TestFramer(t *testing.T) {
	hs := NewHandshake(models.Hash{9}, models.PeerID{8}).Bytes()
	unchoke := Serialize(Unchoke{})
	have := Serialize(Have{Index: 7})
	keepAlive := Serialize(KeepAlive{})

	var tests = []struct {
		name   string
		feeds  [][]byte
		expect [][]byte
	}{
		{
			name:   "handshake and messages coalesced in one read",
			feeds:  [][]byte{concat(hs, unchoke, have)},
			expect: [][]byte{hs, unchoke, have},
		},
		{
			name:   "length prefix split across reads",
			feeds:  [][]byte{concat(hs, have[:2]), have[2:3], have[3:]},
			expect: [][]byte{hs, have},
		},
		{
			name:   "keep-alive is a unit of its own",
			feeds:  [][]byte{hs, concat(keepAlive, unchoke)},
			expect: [][]byte{hs, keepAlive, unchoke},
		},
		{
			name:   "incomplete tail stays buffered",
			feeds:  [][]byte{concat(hs, unchoke, have[:6])},
			expect: [][]byte{hs, unchoke},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFramer()
			units := make([][]byte, 0)
			for _, feed := range tt.feeds {
				f.Feed(feed)
				units = append(units, collect(t, f)...)
			}
			assert.Equal(t, tt.expect, units)
		})
	}
}

func TestFramerByteByByte(t *testing.T) {
	stream := concat(
		NewHandshake(models.Hash{}, models.PeerID{}).Bytes(),
		Serialize(Bitfield{Bits: []byte{0xC0}}),
		Serialize(Piece{BlockPayload: models.BlockPayload{Block: models.Block{Index: 1, Begin: 0}, Data: []byte("abc")}}),
	)

	f := newFramer()
	units := make([][]byte, 0)
	for i := range stream {
		f.Feed(stream[i : i+1])
		units = append(units, collect(t, f)...)
	}
	require.Len(t, units, 3)
	assert.Equal(t, stream, concat(units...))
}

func TestFramerRejectsOversizedFrame(t *testing.T) {
	f := newFramer()
	f.Feed(NewHandshake(models.Hash{}, models.PeerID{}).Bytes())
	_, err := f.Next()
	require.NoError(t, err)

	f.Feed([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	_, err = f.Next()
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func concat(parts ...[]byte) []byte {
	out := make([]byte, 0)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
