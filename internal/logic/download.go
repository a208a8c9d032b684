// Package logic wires the tracker, the peer connections, the assembly tracker and the
// output file into a download.
package logic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/WendelHime/swarmget/internal/config"
	"github.com/WendelHime/swarmget/internal/decoder"
	"github.com/WendelHime/swarmget/internal/p2p"
	"github.com/WendelHime/swarmget/internal/pieces"
	"github.com/WendelHime/swarmget/internal/shared/models"
	"github.com/WendelHime/swarmget/internal/storage"
	"github.com/WendelHime/swarmget/internal/tracker"
)

// ErrIncomplete is returned by Wait when every connection ended before the last block arrived.
var ErrIncomplete = errors.New("download incomplete")

type Downloader interface {
	// Download decodes the metafile and blocks until the file is written to outputDir.
	Download(metafile io.Reader, outputDir string) error
	// StartDownload begins fetching meta into outputPath and returns without waiting.
	// Only opening the output file can fail synchronously.
	StartDownload(ctx context.Context, meta models.Metafile, outputPath string) (*Download, error)
}

// ProgressFunc observes each newly received block: its size in bytes and the overall
// percentage done afterwards. It may be called from several goroutines at once.
type ProgressFunc func(bytes int, percent float64)

type Option func(*downloader)

func WithProgress(fn ProgressFunc) Option {
	return func(d *downloader) { d.progress = fn }
}

func WithPeerID(id models.PeerID) Option {
	return func(d *downloader) { d.peerID = id }
}

type downloader struct {
	peerID   models.PeerID
	d        decoder.MetafileDecoder
	log      *slog.Logger
	cfg      config.Config
	progress ProgressFunc
}

func NewDownloader(d decoder.MetafileDecoder, logger *slog.Logger, cfg config.Config, opts ...Option) Downloader {
	if logger == nil {
		logger = slog.Default()
	}
	dl := &downloader{d: d, log: logger, cfg: cfg, peerID: models.NewPeerID()}
	for _, opt := range opts {
		opt(dl)
	}
	return dl
}

func (d *downloader) Download(metafile io.Reader, outputDir string) error {
	d.log.Info("decoding metafile")
	meta, err := d.d.Decode(metafile)
	if err != nil {
		return err
	}

	outputPath := filepath.Join(outputDir, OutputName(meta.Info.Name))
	dl, err := d.StartDownload(context.Background(), meta, outputPath)
	if err != nil {
		return err
	}
	return dl.Wait()
}

func (d *downloader) StartDownload(ctx context.Context, meta models.Metafile, outputPath string) (*Download, error) {
	log := d.log.With(slog.String("info_hash", meta.InfoHash.String()))
	sink, err := storage.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}
	log.Info("starting download",
		slog.String("name", meta.Info.Name),
		slog.String("size", humanize.IBytes(uint64(meta.Info.Length))),
		slog.Int("pieces", meta.Info.TotalPieces()),
		slog.String("output", outputPath),
	)

	ctx, cancel := context.WithCancel(ctx)
	dl := &Download{
		meta:    meta,
		path:    outputPath,
		tracker: pieces.NewTracker(meta.Info),
		sink:    sink,
		cancel:  cancel,
		done:    make(chan struct{}),
		log:     log,
	}
	go d.run(ctx, dl)
	return dl, nil
}

func (d *downloader) run(ctx context.Context, dl *Download) {
	defer dl.cancel()
	if dl.tracker.IsDone() {
		dl.complete()
		dl.finish(nil)
		return
	}

	t := tracker.NewTracker(dl.meta.Announce, d.peerID, tracker.Options{
		Timeout: d.cfg.TrackerTimeout,
		Retries: d.cfg.TrackerRetries,
		Port:    d.cfg.ListenPort,
		Logger:  dl.log,
	})
	peers := UniquePeers(t.DiscoverPeers(ctx, dl.meta))
	dl.peers.Store(int32(len(peers)))
	dl.log.Info("connecting to peers", slog.Int("peers", len(peers)), slog.Int("max_conns", d.cfg.MaxConns))

	connCfg := p2p.Config{
		Metafile:      dl.meta,
		PeerID:        d.peerID,
		Tracker:       dl.tracker,
		Sink:          dl.sink,
		Logger:        dl.log,
		DialTimeout:   d.cfg.DialTimeout,
		PipelineDepth: d.cfg.PipelineDepth,
		VerifyPieces:  d.cfg.VerifyPieces,
		Limiter:       d.cfg.Limiter(),
		OnBlock: func(b models.Block) {
			if d.progress != nil {
				d.progress(b.Length, dl.tracker.PercentDone())
			}
		},
		OnComplete: dl.complete,
	}

	var g errgroup.Group
	if d.cfg.MaxConns > 0 {
		g.SetLimit(d.cfg.MaxConns)
	}
	for _, peer := range peers {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			err := p2p.NewConn(peer, connCfg).Run(ctx)
			logConnEnd(dl.log, peer, err)
			return nil
		})
	}
	g.Wait()

	if dl.tracker.IsDone() {
		dl.finish(nil)
		return
	}
	dl.sink.Close()
	err := fmt.Errorf("%w: %.2f%% received from %d peers", ErrIncomplete, dl.tracker.PercentDone(), len(peers))
	if ctx.Err() != nil {
		err = fmt.Errorf("%w: %v", ErrIncomplete, ctx.Err())
	}
	dl.log.Warn("download ended before completion", slog.Any("error", err))
	dl.finish(err)
}

func logConnEnd(log *slog.Logger, peer models.Peer, err error) {
	addr := slog.String("peer", peer.Addr.String())
	switch {
	case err == nil:
		log.Debug("connection finished", addr)
	case errors.Is(err, p2p.ErrChoked):
		log.Info("peer choked us, connection closed", addr)
	case errors.Is(err, p2p.ErrProtocolViolation):
		log.Warn("peer violated the protocol", addr, slog.Any("error", err))
	default:
		log.Warn("connection failed", addr, slog.Any("error", err))
	}
}

// UniquePeers drops duplicates and peers with an unspecified address or port.
func UniquePeers(peers []models.Peer) []models.Peer {
	seen := make(map[string]struct{}, len(peers))
	unique := make([]models.Peer, 0, len(peers))
	for _, peer := range peers {
		if peer.Addr.IP == nil || peer.Addr.IP.IsUnspecified() || peer.Addr.Port == 0 {
			continue
		}
		addr := peer.Addr.String()
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		unique = append(unique, peer)
	}
	return unique
}

// OutputName turns a metafile name into a single path element.
func OutputName(name string) string {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == string(filepath.Separator) {
		return "download"
	}
	return base
}

// Download is a running download.
type Download struct {
	meta    models.Metafile
	path    string
	tracker *pieces.Tracker
	sink    *storage.File
	cancel  context.CancelFunc
	log     *slog.Logger
	peers   atomic.Int32

	completeOnce sync.Once
	finishOnce   sync.Once
	done         chan struct{}
	err          error
}

// complete finalizes the output file and stops the remaining connections. Only the first
// call has any effect.
func (dl *Download) complete() {
	dl.completeOnce.Do(func() {
		if err := dl.sink.Close(); err != nil {
			dl.log.Error("failed to close output file", slog.Any("error", err))
		}
		dl.cancel()
		dl.log.Info("download finished", slog.String("output", dl.path))
	})
}

func (dl *Download) finish(err error) {
	dl.finishOnce.Do(func() {
		dl.err = err
		close(dl.done)
	})
}

// Done is closed once every connection has ended.
func (dl *Download) Done() <-chan struct{} {
	return dl.done
}

// Wait blocks until the download ends and reports ErrIncomplete if it did not finish.
func (dl *Download) Wait() error {
	<-dl.done
	return dl.err
}

func (dl *Download) PercentDone() float64 {
	return dl.tracker.PercentDone()
}

// Cancel stops every connection. Wait then returns ErrIncomplete unless the download had
// already finished.
func (dl *Download) Cancel() {
	dl.cancel()
}

func (dl *Download) Path() string {
	return dl.path
}

func (dl *Download) Metafile() models.Metafile {
	return dl.meta
}

// Peers is the number of distinct peers the tracker returned.
func (dl *Download) Peers() int {
	return int(dl.peers.Load())
}
