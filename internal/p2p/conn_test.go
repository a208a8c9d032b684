package p2p

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WendelHime/swarmget/internal/p2p/peertest"
	"github.com/WendelHime/swarmget/internal/pieces"
	"github.com/WendelHime/swarmget/internal/shared/models"
	"github.com/WendelHime/swarmget/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	meta      models.Metafile
	data      []byte
	tracker   *pieces.Tracker
	sink      *storage.File
	completed atomic.Int32
	blocks    atomic.Int32
}

func newFixture(t *testing.T, size int, pieceLength int64) *fixture {
	data := peertest.Data(size)
	meta := peertest.Metafile("fixture.bin", data, pieceLength)
	sink, err := storage.Create(filepath.Join(t.TempDir(), meta.Info.Name))
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close() })
	return &fixture{
		meta:    meta,
		data:    data,
		tracker: pieces.NewTracker(meta.Info),
		sink:    sink,
	}
}

func (f *fixture) config() Config {
	return Config{
		Metafile:    f.meta,
		PeerID:      models.NewPeerID(),
		Tracker:     f.tracker,
		Sink:        f.sink,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		DialTimeout: time.Second,
		OnBlock:     func(models.Block) { f.blocks.Add(1) },
		OnComplete:  func() { f.completed.Add(1) },
	}
}

func (f *fixture) assertFileComplete(t *testing.T) {
	require.NoError(t, f.sink.Close())
	got, err := os.ReadFile(f.sink.Path())
	require.NoError(t, err)
	assert.Equal(t, f.data, got)
}

func runConn(t *testing.T, peer models.Peer, cfg Config) (*Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := NewConn(peer, cfg)
	err := conn.Run(ctx)
	return conn, err
}

func TestConnDownloadsFromSingleSeeder(t *testing.T) {
	var tests = []struct {
		name        string
		size        int
		pieceLength int64
		opts        peertest.Options
		depth       int
		requests    int
	}{
		{
			name:        "two full pieces announced by bitfield",
			size:        32768,
			pieceLength: 16384,
			requests:    2,
		},
		{
			name:        "short last piece announced with have",
			size:        40000,
			pieceLength: 32768,
			opts:        peertest.Options{AnnounceWithHave: true},
			requests:    3,
		},
		{
			name:        "stream arrives in tiny fragments",
			size:        20000,
			pieceLength: 16384,
			opts:        peertest.Options{Fragment: 3},
			requests:    2,
		},
		{
			name:        "pipelined requests",
			size:        100000,
			pieceLength: 65536,
			depth:       4,
			requests:    7,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.size, tt.pieceLength)
			seeder, err := peertest.NewSeeder(f.meta, f.data, tt.opts)
			require.NoError(t, err)
			defer seeder.Close()

			cfg := f.config()
			cfg.PipelineDepth = tt.depth
			conn, err := runConn(t, seeder.Peer(), cfg)
			require.NoError(t, err)

			assert.Equal(t, StateClosed, conn.State())
			assert.True(t, f.tracker.IsDone())
			assert.Equal(t, float64(100), f.tracker.PercentDone())
			assert.Equal(t, int32(1), f.completed.Load())
			assert.Equal(t, int32(tt.requests), f.blocks.Load())
			assert.Len(t, seeder.Requests(), tt.requests)
			f.assertFileComplete(t)
		})
	}
}

func TestConnRequestsBlocksInOrder(t *testing.T) {
	f := newFixture(t, 32768, 16384)
	seeder, err := peertest.NewSeeder(f.meta, f.data, peertest.Options{})
	require.NoError(t, err)
	defer seeder.Close()

	_, err = runConn(t, seeder.Peer(), f.config())
	require.NoError(t, err)
	assert.Equal(t, []models.Block{
		{Index: 0, Begin: 0, Length: 16384},
		{Index: 1, Begin: 0, Length: 16384},
	}, seeder.Requests())
}

func TestConnChokeReleasesOutstandingRequests(t *testing.T) {
	f := newFixture(t, 4*16384, 16384)
	seeder, err := peertest.NewSeeder(f.meta, f.data, peertest.Options{ChokeAfter: 1})
	require.NoError(t, err)
	defer seeder.Close()

	conn, err := runConn(t, seeder.Peer(), f.config())
	assert.ErrorIs(t, err, ErrChoked)
	assert.Equal(t, StateClosed, conn.State())

	assert.True(t, f.tracker.IsReceived(models.Block{Index: 0, Begin: 0, Length: 16384}))
	second := models.Block{Index: 1, Begin: 0, Length: 16384}
	assert.False(t, f.tracker.IsReceived(second))
	assert.True(t, f.tracker.Needed(second), "the unanswered request must be claimable again")
	assert.False(t, f.tracker.IsDone())
	assert.Zero(t, f.completed.Load())
}

func TestConnRejectsWrongInfoHash(t *testing.T) {
	f := newFixture(t, 16384, 16384)
	other := models.Hash{0xDE, 0xAD}
	seeder, err := peertest.NewSeeder(f.meta, f.data, peertest.Options{InfoHash: &other})
	require.NoError(t, err)
	defer seeder.Close()

	conn, err := runConn(t, seeder.Peer(), f.config())
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, StateClosed, conn.State())
	assert.Empty(t, seeder.Requests())
}

func TestConnVerifyPiecesRefetchesCorruptPiece(t *testing.T) {
	f := newFixture(t, 32768, 16384)
	seeder, err := peertest.NewSeeder(f.meta, f.data, peertest.Options{CorruptFirst: true})
	require.NoError(t, err)
	defer seeder.Close()

	cfg := f.config()
	cfg.VerifyPieces = true
	_, err = runConn(t, seeder.Peer(), cfg)
	require.NoError(t, err)

	assert.Len(t, seeder.Requests(), 3)
	assert.Equal(t, int32(1), f.completed.Load())
	f.assertFileComplete(t)
}

func TestConnDialFailure(t *testing.T) {
	f := newFixture(t, 16384, 16384)
	seeder, err := peertest.NewSeeder(f.meta, f.data, peertest.Options{})
	require.NoError(t, err)
	peer := seeder.Peer()
	require.NoError(t, seeder.Close())

	conn, err := runConn(t, peer, f.config())
	assert.ErrorIs(t, err, ErrPeerTransport)
	assert.Equal(t, StateClosed, conn.State())
}

func TestConnCancelledContextIsNotAnError(t *testing.T) {
	f := newFixture(t, 4*16384, 16384)
	// an empty bitfield leaves nothing to request, so the connection idles until cancelled
	seeder, err := peertest.NewSeeder(f.meta, f.data, peertest.Options{Pieces: []int{}})
	require.NoError(t, err)
	defer seeder.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)
	conn := NewConn(seeder.Peer(), f.config())
	assert.NoError(t, conn.Run(ctx))
	assert.Equal(t, StateClosed, conn.State())
}

// failingSink fails its first writes, as many as failures, and passes the rest through.
type failingSink struct {
	*storage.File
	failures atomic.Int32
}

func (s *failingSink) WriteAt(p []byte, off int64) (int, error) {
	if s.failures.Add(-1) >= 0 {
		return 0, errors.New("disk full")
	}
	return s.File.WriteAt(p, off)
}

func TestConnRefetchesBlockAfterWriteError(t *testing.T) {
	f := newFixture(t, 32768, 16384)
	seeder, err := peertest.NewSeeder(f.meta, f.data, peertest.Options{})
	require.NoError(t, err)
	defer seeder.Close()

	sink := &failingSink{File: f.sink}
	sink.failures.Store(1)
	cfg := f.config()
	cfg.Sink = sink

	_, err = runConn(t, seeder.Peer(), cfg)
	require.NoError(t, err)

	assert.Equal(t, []models.Block{
		{Index: 0, Begin: 0, Length: 16384},
		{Index: 1, Begin: 0, Length: 16384},
		{Index: 0, Begin: 0, Length: 16384},
	}, seeder.Requests())
	assert.True(t, f.tracker.IsDone())
	assert.Equal(t, int32(1), f.completed.Load())
	f.assertFileComplete(t)
}

func TestConnWriteAfterFinalizeIsGraceful(t *testing.T) {
	f := newFixture(t, 32768, 16384)
	seeder, err := peertest.NewSeeder(f.meta, f.data, peertest.Options{})
	require.NoError(t, err)
	defer seeder.Close()

	// another connection finished the download and finalized the file
	require.NoError(t, f.sink.Close())

	conn, err := runConn(t, seeder.Peer(), f.config())
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, conn.State())

	first := models.Block{Index: 0, Begin: 0, Length: 16384}
	assert.False(t, f.tracker.IsReceived(first))
	assert.True(t, f.tracker.Needed(first))
	assert.Zero(t, f.blocks.Load())
	assert.Zero(t, f.completed.Load())
	assert.NotEmpty(t, seeder.Requests())
}
