package models

import (
	"crypto/rand"
	"math/big"
)

type Peer struct {
	Addr Addr
}

type PeerID [20]byte

const peerIDPrefix = "-SG0100-"

// NewPeerID returns a random peer id carrying the client prefix.
func NewPeerID() PeerID {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	var id PeerID
	copy(id[:], peerIDPrefix)
	max := big.NewInt(int64(len(charset)))
	for i := len(peerIDPrefix); i < len(id); i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			id[i] = charset[i%len(charset)]
			continue
		}
		id[i] = charset[n.Int64()]
	}
	return id
}

func (p PeerID) String() string {
	return string(p[:])
}
