package models

// Block is the unit requested from and delivered by a peer. (Index, Begin) identifies it.
type Block struct {
	Index  int
	Begin  int
	Length int
}

// BlockPayload is a received block together with its data.
type BlockPayload struct {
	Block
	Data []byte
}
