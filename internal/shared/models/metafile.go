package models

import "encoding/hex"

// Metafile is a decoded single-file torrent descriptor.
type Metafile struct {
	Announce string
	Info     Info
	InfoHash Hash
	// RawInfo is the exact byte range of the info dictionary the InfoHash was computed from.
	RawInfo []byte
}

type Info struct {
	Name         string
	Length       int64
	PieceLength  int64
	Pieces       string
	PiecesHashes []Hash
}

type Hash [20]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) Bytes() []byte {
	return h[:]
}
