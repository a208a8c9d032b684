package pieces

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/WendelHime/swarmget/internal/shared/models"
	"github.com/stretchr/testify/assert"
)

// two full pieces of three blocks and a last piece of one short block
var info = models.Info{Length: 2*40000 + 100, PieceLength: 40000}

func allBlocks(info models.Info) []models.Block {
	blocks := make([]models.Block, 0)
	for index := 0; index < info.TotalPieces(); index++ {
		for b := 0; b < info.BlocksPerPiece(index); b++ {
			blocks = append(blocks, models.Block{Index: index, Begin: b * models.BlockSize, Length: info.BlockLength(index, b)})
		}
	}
	return blocks
}

func TestTracker(t *testing.T) {
	first := models.Block{Index: 0, Begin: 0, Length: models.BlockSize}
	last := models.Block{Index: 2, Begin: 0, Length: 100}

	var tests = []struct {
		name   string
		assert func(t *testing.T, tracker *Tracker)
	}{
		{
			name: "new tracker needs every block",
			assert: func(t *testing.T, tracker *Tracker) {
				assert.Equal(t, 7, tracker.TotalBlocks())
				for _, b := range allBlocks(info) {
					assert.True(t, tracker.Needed(b))
				}
				assert.False(t, tracker.IsDone())
				assert.Equal(t, float64(0), tracker.PercentDone())
			},
		},
		{
			name: "requested and received blocks are not needed",
			assert: func(t *testing.T, tracker *Tracker) {
				tracker.AddRequested(first)
				assert.False(t, tracker.Needed(first))
				assert.True(t, tracker.AddReceived(first))
				assert.False(t, tracker.Needed(first))
				assert.True(t, tracker.IsReceived(first))
				assert.False(t, tracker.AddReceived(first))
				assert.True(t, tracker.Needed(last))
			},
		},
		{
			name: "try request grants a block once",
			assert: func(t *testing.T, tracker *Tracker) {
				assert.True(t, tracker.TryRequest(last))
				assert.False(t, tracker.TryRequest(last))
			},
		},
		{
			name: "released block is needed again unless received",
			assert: func(t *testing.T, tracker *Tracker) {
				assert.True(t, tracker.TryRequest(first))
				tracker.Release(first)
				assert.True(t, tracker.Needed(first))

				tracker.AddReceived(last)
				tracker.Release(last)
				assert.False(t, tracker.Needed(last))
			},
		},
		{
			name: "progress is monotonic and reaches done",
			assert: func(t *testing.T, tracker *Tracker) {
				previous := tracker.PercentDone()
				for _, b := range allBlocks(info) {
					assert.False(t, tracker.IsDone())
					tracker.AddReceived(b)
					assert.GreaterOrEqual(t, tracker.PercentDone(), previous)
					previous = tracker.PercentDone()
				}
				assert.True(t, tracker.IsDone())
				assert.Equal(t, float64(100), tracker.PercentDone())
			},
		},
		{
			name: "piece completion and reset",
			assert: func(t *testing.T, tracker *Tracker) {
				for _, b := range allBlocks(info) {
					if b.Index == 1 {
						assert.False(t, tracker.PieceComplete(1))
						tracker.AddReceived(b)
					}
				}
				assert.True(t, tracker.PieceComplete(1))
				assert.False(t, tracker.PieceComplete(0))

				tracker.ResetPiece(1)
				assert.False(t, tracker.PieceComplete(1))
				assert.True(t, tracker.Needed(models.Block{Index: 1, Begin: models.BlockSize, Length: models.BlockSize}))
				assert.Equal(t, float64(0), tracker.PercentDone())
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tt.assert(t, NewTracker(info))
		})
	}
}

func TestTrackerGrantsEachBlockOnceUnderConcurrency(t *testing.T) {
	tracker := NewTracker(info)
	blocks := allBlocks(info)
	grants := make([]int32, len(blocks))

	var wg sync.WaitGroup
	for worker := 0; worker < 16; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i, b := range blocks {
				if tracker.TryRequest(b) {
					atomic.AddInt32(&grants[i], 1)
				}
			}
		}()
	}
	wg.Wait()

	for i := range blocks {
		assert.Equal(t, int32(1), grants[i], "block %d", i)
	}
}

func TestEmptyDownloadIsDone(t *testing.T) {
	tracker := NewTracker(models.Info{Length: 0, PieceLength: 16384})
	assert.True(t, tracker.IsDone())
	assert.Equal(t, float64(100), tracker.PercentDone())
}
