package peertest

import (
	"crypto/sha1"
	"math/rand/v2"

	"github.com/WendelHime/swarmget/internal/shared/models"
	"github.com/zeebo/bencode"
)

// Metafile describes data as a single-file torrent. The info hash is derived from name.
func Metafile(name string, data []byte, pieceLength int64) models.Metafile {
	info := models.Info{
		Name:        name,
		Length:      int64(len(data)),
		PieceLength: pieceLength,
	}
	var pieces []byte
	for off := int64(0); off < int64(len(data)); off += pieceLength {
		end := min(off+pieceLength, int64(len(data)))
		h := models.Hash(sha1.Sum(data[off:end]))
		info.PiecesHashes = append(info.PiecesHashes, h)
		pieces = append(pieces, h[:]...)
	}
	info.Pieces = string(pieces)

	return models.Metafile{
		Announce: "udp://127.0.0.1:1/announce",
		Info:     info,
		InfoHash: sha1.Sum([]byte(name)),
	}
}

// Data returns n deterministic pseudo-random bytes.
func Data(n int) []byte {
	r := rand.New(rand.NewPCG(uint64(n), 42))
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(r.Uint32())
	}
	return data
}

// Torrent bencodes a single-file metafile for data announced at announce.
func Torrent(announce, name string, data []byte, pieceLength int64) []byte {
	meta := Metafile(name, data, pieceLength)
	raw, err := bencode.EncodeBytes(map[string]any{
		"announce": announce,
		"info": map[string]any{
			"name":         name,
			"length":       meta.Info.Length,
			"piece length": pieceLength,
			"pieces":       meta.Info.Pieces,
		},
	})
	if err != nil {
		panic(err)
	}
	return raw
}
