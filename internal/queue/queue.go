// Package queue holds the blocks one peer connection still has to request.
package queue

import (
	"log/slog"

	"github.com/WendelHime/swarmget/internal/shared/models"
	"github.com/emirpasic/gods/queues/linkedlistqueue"
)

// Queue is owned by a single connection and is not safe for concurrent use.
type Queue struct {
	info   models.Info
	blocks *linkedlistqueue.Queue
	choked bool
	log    *slog.Logger
}

// New returns an empty queue in the choked state.
func New(info models.Info, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		info:   info,
		blocks: linkedlistqueue.New(),
		choked: true,
		log:    logger,
	}
}

// EnqueuePiece appends every block of the piece in ascending begin order.
// Out of range indexes are ignored.
func (q *Queue) EnqueuePiece(index int) {
	if index < 0 || index >= q.info.TotalPieces() {
		q.log.Warn("ignoring invalid piece index", slog.Int("piece", index), slog.Int("total_pieces", q.info.TotalPieces()))
		return
	}

	n := q.info.BlocksPerPiece(index)
	for i := 0; i < n; i++ {
		q.blocks.Enqueue(models.Block{
			Index:  index,
			Begin:  i * models.BlockSize,
			Length: q.info.BlockLength(index, i),
		})
	}
	q.log.Debug("queued piece", slog.Int("piece", index), slog.Int("blocks", n))
}

// Enqueue appends a single block.
func (q *Queue) Enqueue(b models.Block) {
	q.blocks.Enqueue(b)
}

// Dequeue removes the oldest block. ok is false when the queue is empty.
func (q *Queue) Dequeue() (models.Block, bool) {
	v, ok := q.blocks.Dequeue()
	if !ok {
		return models.Block{}, false
	}
	return v.(models.Block), true
}

func (q *Queue) Peek() (models.Block, bool) {
	v, ok := q.blocks.Peek()
	if !ok {
		return models.Block{}, false
	}
	return v.(models.Block), true
}

func (q *Queue) Len() int {
	return q.blocks.Size()
}

func (q *Queue) Choked() bool {
	return q.choked
}

func (q *Queue) SetChoked(choked bool) {
	q.choked = choked
}
