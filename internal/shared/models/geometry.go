package models

// BlockSize is the maximum length of a single block request.
const BlockSize = 16 * 1024

func (i Info) TotalPieces() int {
	if i.PieceLength <= 0 {
		return 0
	}
	return int((i.Length + i.PieceLength - 1) / i.PieceLength)
}

// PieceSize returns the byte size of piece index; only the last piece may be shorter.
func (i Info) PieceSize(index int) int {
	total := i.TotalPieces()
	if index < 0 || index >= total {
		return 0
	}
	if index == total-1 {
		return int(i.Length - i.PieceLength*int64(total-1))
	}
	return int(i.PieceLength)
}

func (i Info) BlocksPerPiece(index int) int {
	return (i.PieceSize(index) + BlockSize - 1) / BlockSize
}

// BlockLength returns the length of block blockIndex of piece pieceIndex.
func (i Info) BlockLength(pieceIndex, blockIndex int) int {
	pieceSize := i.PieceSize(pieceIndex)
	begin := blockIndex * BlockSize
	if blockIndex < 0 || begin >= pieceSize {
		return 0
	}
	return min(BlockSize, pieceSize-begin)
}

func (i Info) TotalBlocks() int {
	total := 0
	for index := 0; index < i.TotalPieces(); index++ {
		total += i.BlocksPerPiece(index)
	}
	return total
}

// Offset is the absolute position of a block inside the output file.
func (i Info) Offset(b Block) int64 {
	return int64(b.Index)*i.PieceLength + int64(b.Begin)
}

// IsBlock reports whether b describes exactly one block of the geometry.
func (i Info) IsBlock(b Block) bool {
	if b.Index < 0 || b.Index >= i.TotalPieces() || b.Begin < 0 || b.Begin%BlockSize != 0 {
		return false
	}
	length := i.BlockLength(b.Index, b.Begin/BlockSize)
	return length > 0 && length == b.Length
}
