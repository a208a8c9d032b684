// Package pieces records, for a whole download, which blocks have been requested and
// received across every peer connection.
package pieces

import (
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/WendelHime/swarmget/internal/shared/models"
)

// Tracker is safe for concurrent use by many connections.
type Tracker struct {
	info           models.Info
	blocksPerPiece int
	totalBlocks    int

	mu        sync.Mutex
	requested *roaring.Bitmap
	received  *roaring.Bitmap
}

func NewTracker(info models.Info) *Tracker {
	return &Tracker{
		info:           info,
		blocksPerPiece: (int(info.PieceLength) + models.BlockSize - 1) / models.BlockSize,
		totalBlocks:    info.TotalBlocks(),
		requested:      roaring.New(),
		received:       roaring.New(),
	}
}

// key maps a block to its position among all blocks of the download.
func (t *Tracker) key(b models.Block) uint32 {
	return uint32(b.Index*t.blocksPerPiece + b.Begin/models.BlockSize)
}

// Needed reports whether b is neither received nor requested.
func (t *Tracker) Needed(b models.Block) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.needed(t.key(b))
}

func (t *Tracker) needed(k uint32) bool {
	return !t.received.Contains(k) && !t.requested.Contains(k)
}

func (t *Tracker) AddRequested(b models.Block) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requested.Add(t.key(b))
}

// TryRequest marks b requested if it is still needed. Exactly one concurrent caller
// gets true for a given block.
func (t *Tracker) TryRequest(b models.Block) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := t.key(b)
	if !t.needed(k) {
		return false
	}
	t.requested.Add(k)
	return true
}

// Release forgets an outstanding request that will never be answered.
func (t *Tracker) Release(b models.Block) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := t.key(b)
	if !t.received.Contains(k) {
		t.requested.Remove(k)
	}
}

// AddReceived records b as received and reports whether it was new.
func (t *Tracker) AddReceived(b models.Block) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := t.key(b)
	t.requested.Remove(k)
	return t.received.CheckedAdd(k)
}

func (t *Tracker) IsReceived(b models.Block) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.received.Contains(t.key(b))
}

// PieceComplete reports whether every block of the piece has been received.
func (t *Tracker) PieceComplete(index int) bool {
	n := t.info.BlocksPerPiece(index)
	if n == 0 {
		return false
	}
	first := uint32(index * t.blocksPerPiece)

	t.mu.Lock()
	defer t.mu.Unlock()
	for k := first; k < first+uint32(n); k++ {
		if !t.received.Contains(k) {
			return false
		}
	}
	return true
}

// ResetPiece drops every block of the piece so it is fetched again.
func (t *Tracker) ResetPiece(index int) {
	n := t.info.BlocksPerPiece(index)
	first := uint64(index * t.blocksPerPiece)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.received.RemoveRange(first, first+uint64(n))
	t.requested.RemoveRange(first, first+uint64(n))
}

func (t *Tracker) IsDone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.received.GetCardinality() == uint64(t.totalBlocks)
}

// PercentDone is the share of received blocks, between 0 and 100.
func (t *Tracker) PercentDone() float64 {
	if t.totalBlocks == 0 {
		return 100
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return float64(t.received.GetCardinality()) / float64(t.totalBlocks) * 100
}

func (t *Tracker) TotalBlocks() int {
	return t.totalBlocks
}
