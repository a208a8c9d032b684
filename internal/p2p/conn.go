// Package p2p speaks the peer wire protocol: it runs one connection per peer, feeding
// received blocks into the shared assembly tracker and the output file.
package p2p

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"time"

	"golang.org/x/time/rate"

	"github.com/WendelHime/swarmget/internal/queue"
	"github.com/WendelHime/swarmget/internal/shared/models"
	"github.com/WendelHime/swarmget/internal/storage"
)

var (
	ErrPeerTransport     = errors.New("peer transport error")
	ErrProtocolViolation = errors.New("peer protocol violation")
	ErrChoked            = errors.New("choked by peer")
)

const (
	DefaultDialTimeout = 10 * time.Second
	readBufferSize     = 32 * 1024
	// deferredRetryInterval is how often an otherwise idle connection looks again at
	// blocks another connection had claimed.
	deferredRetryInterval = 250 * time.Millisecond
)

type State int

const (
	StateConnecting State = iota
	StateHandshakeSent
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshakeSent:
		return "handshake sent"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// AssemblyTracker is the download-wide record of requested and received blocks shared by
// every connection.
type AssemblyTracker interface {
	TryRequest(b models.Block) bool
	Release(b models.Block)
	AddReceived(b models.Block) bool
	IsReceived(b models.Block) bool
	PieceComplete(index int) bool
	ResetPiece(index int)
	IsDone() bool
	PercentDone() float64
}

// Sink is where block payloads land, at their absolute file offset.
type Sink interface {
	io.WriterAt
	io.ReaderAt
}

type Config struct {
	Metafile models.Metafile
	PeerID   models.PeerID
	Tracker  AssemblyTracker
	Sink     Sink
	Logger   *slog.Logger

	DialTimeout time.Duration
	// PipelineDepth is how many requests may be outstanding at once. Values below 1 mean 1.
	PipelineDepth int
	// VerifyPieces reads each completed piece back and checks it against its SHA-1.
	VerifyPieces bool
	// Limiter throttles bytes read from the peer. Nil means unlimited.
	Limiter *rate.Limiter

	// OnBlock runs after a new block was written and recorded.
	OnBlock func(models.Block)
	// OnComplete runs on the connection that records the last missing block.
	OnComplete func()
}

// Conn is a single peer connection. It is driven by one goroutine; only the tracker and
// the sink are shared with other connections.
type Conn struct {
	cfg    Config
	peer   models.Peer
	log    *slog.Logger
	queue  *queue.Queue
	framer *framer

	conn     net.Conn
	state    State
	inflight []models.Block
	// deferred blocks were claimed by another connection when this one wanted them.
	deferred []models.Block
}

func NewConn(peer models.Peer, cfg Config) *Conn {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.PipelineDepth < 1 {
		cfg.PipelineDepth = 1
	}
	log := cfg.Logger.With(slog.String("peer", peer.Addr.String()))
	return &Conn{
		cfg:    cfg,
		peer:   peer,
		log:    log,
		queue:  queue.New(cfg.Metafile.Info, log),
		framer: newFramer(),
		state:  StateConnecting,
	}
}

func (c *Conn) State() State {
	return c.state
}

// Run dials the peer and serves the connection until it ends. It returns nil when the
// download completed or ctx was cancelled.
func (c *Conn) Run(ctx context.Context) error {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.peer.Addr.String())
	if err != nil {
		c.state = StateClosed
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: dial %s: %v", ErrPeerTransport, c.peer.Addr, err)
	}
	return c.Serve(ctx, conn)
}

// Serve runs the protocol over an established connection and closes it on return.
func (c *Conn) Serve(ctx context.Context, conn net.Conn) error {
	c.conn = conn
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		conn.Close()
		c.releaseInflight()
		c.state = StateClosed
		c.log.Debug("connection closed")
	}()

	err := c.serve(ctx)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Conn) serve(ctx context.Context) error {
	if err := c.write(NewHandshake(c.cfg.Metafile.InfoHash, c.cfg.PeerID).Bytes()); err != nil {
		return err
	}
	c.state = StateHandshakeSent
	c.log.Debug("handshake sent")

	buf := make([]byte, readBufferSize)
	for {
		if len(c.deferred) > 0 {
			c.conn.SetReadDeadline(time.Now().Add(deferredRetryInterval))
		} else {
			c.conn.SetReadDeadline(time.Time{})
		}
		n, readErr := c.conn.Read(buf)
		if n > 0 {
			if err := c.throttle(ctx, n); err != nil {
				return err
			}
			c.framer.Feed(buf[:n])
			for {
				unit, err := c.framer.Next()
				if err != nil {
					return err
				}
				if unit == nil {
					break
				}
				done, err := c.handle(unit)
				if err != nil || done {
					return err
				}
			}
		}
		if errors.Is(readErr, os.ErrDeadlineExceeded) {
			if err := c.retryDeferred(); err != nil {
				return err
			}
			continue
		}
		if readErr != nil {
			return fmt.Errorf("%w: read: %v", ErrPeerTransport, readErr)
		}
	}
}

// throttle waits for n bytes worth of tokens, in chunks no larger than the burst.
func (c *Conn) throttle(ctx context.Context, n int) error {
	lim := c.cfg.Limiter
	if lim == nil || lim.Limit() == rate.Inf || lim.Burst() <= 0 {
		return nil
	}
	for n > 0 {
		chunk := min(n, lim.Burst())
		if err := lim.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// handle processes one unit. done is true when the connection should end without error.
func (c *Conn) handle(unit []byte) (done bool, err error) {
	if c.state == StateHandshakeSent {
		return false, c.handleHandshake(unit)
	}

	msg, err := ParseMessage(unit)
	if err != nil {
		return false, err
	}

	switch m := msg.(type) {
	case KeepAlive:
		c.log.Debug("keep-alive")
	case Choke:
		c.queue.SetChoked(true)
		return false, ErrChoked
	case Unchoke:
		c.log.Debug("unchoked")
		c.queue.SetChoked(false)
		return false, c.requestNext()
	case Have:
		c.queue.EnqueuePiece(m.Index)
		return false, c.requestNext()
	case Bitfield:
		pieces := m.Pieces()
		for _, index := range pieces {
			if index < c.cfg.Metafile.Info.TotalPieces() {
				c.queue.EnqueuePiece(index)
			}
		}
		c.log.Debug("received bitfield", slog.Int("pieces", len(pieces)))
		return false, c.requestNext()
	case Piece:
		return c.handlePiece(m)
	case Interested, Request:
		c.log.Debug("ignoring upload related message", slog.String("type", fmt.Sprintf("%T", m)))
	case Unknown:
		c.log.Debug("ignoring message", slog.String("id", m.ID.String()), slog.Int("id_value", int(m.ID)))
	}
	return false, nil
}

func (c *Conn) handleHandshake(unit []byte) error {
	h, err := ReadHandshake(unit)
	if err != nil {
		return err
	}
	if h.InfoHash != c.cfg.Metafile.InfoHash {
		return fmt.Errorf("%w: peer offers info hash %s", ErrProtocolViolation, h.InfoHash)
	}
	c.state = StateActive
	c.log.Debug("handshake received", slog.String("peer_id", h.PeerID.String()))
	return c.write(Serialize(Interested{}))
}

func (c *Conn) handlePiece(m Piece) (bool, error) {
	info := c.cfg.Metafile.Info
	b := m.Block
	if !info.IsBlock(b) {
		return false, fmt.Errorf("%w: unexpected block piece=%d begin=%d length=%d", ErrProtocolViolation, b.Index, b.Begin, b.Length)
	}
	c.removeInflight(b)

	if c.cfg.Tracker.IsReceived(b) {
		c.log.Debug("dropping duplicate block", slog.Int("piece", b.Index), slog.Int("begin", b.Begin))
		return false, c.requestNext()
	}

	if _, err := c.cfg.Sink.WriteAt(m.Data, info.Offset(b)); err != nil {
		c.cfg.Tracker.Release(b)
		if errors.Is(err, storage.ErrClosed) {
			return true, nil
		}
		c.log.Error("failed to write block", slog.Int("piece", b.Index), slog.Int("begin", b.Begin), slog.Any("error", err))
		c.queue.Enqueue(b)
		return false, c.requestNext()
	}

	if !c.cfg.Tracker.AddReceived(b) {
		return false, c.requestNext()
	}
	if c.cfg.OnBlock != nil {
		c.cfg.OnBlock(b)
	}
	c.log.Debug("block received",
		slog.Int("piece", b.Index),
		slog.Int("begin", b.Begin),
		slog.String("progress", fmt.Sprintf("%.2f%%", c.cfg.Tracker.PercentDone())),
	)

	if c.cfg.VerifyPieces && c.cfg.Tracker.PieceComplete(b.Index) {
		c.verifyPiece(b.Index)
	}

	if c.cfg.Tracker.IsDone() {
		c.log.Info("download complete")
		if c.cfg.OnComplete != nil {
			c.cfg.OnComplete()
		}
		return true, nil
	}
	return false, c.requestNext()
}

// verifyPiece checks a completed piece against its hash and schedules it again on mismatch.
func (c *Conn) verifyPiece(index int) {
	info := c.cfg.Metafile.Info
	if index >= len(info.PiecesHashes) {
		return
	}
	data := make([]byte, info.PieceSize(index))
	if _, err := c.cfg.Sink.ReadAt(data, int64(index)*info.PieceLength); err != nil {
		c.log.Warn("could not read piece back", slog.Int("piece", index), slog.Any("error", err))
		return
	}
	if sha1.Sum(data) == info.PiecesHashes[index] {
		return
	}
	c.log.Warn("piece failed hash check", slog.Int("piece", index))
	c.cfg.Tracker.ResetPiece(index)
	c.queue.EnqueuePiece(index)
}

// requestNext fills the pipeline with blocks nobody else has claimed.
func (c *Conn) requestNext() error {
	for !c.queue.Choked() && len(c.inflight) < c.cfg.PipelineDepth {
		b, ok := c.queue.Dequeue()
		if !ok {
			return nil
		}
		if !c.cfg.Tracker.TryRequest(b) {
			if !c.cfg.Tracker.IsReceived(b) {
				c.deferred = append(c.deferred, b)
			}
			continue
		}
		if err := c.write(Serialize(Request{Block: b})); err != nil {
			c.cfg.Tracker.Release(b)
			return err
		}
		c.inflight = append(c.inflight, b)
		c.log.Debug("requested block", slog.Int("piece", b.Index), slog.Int("begin", b.Begin), slog.Int("length", b.Length))
	}
	return nil
}

// retryDeferred queues again the deferred blocks nobody has received yet, in case the
// connection that claimed them went away.
func (c *Conn) retryDeferred() error {
	deferred := c.deferred
	c.deferred = nil
	for _, b := range deferred {
		if !c.cfg.Tracker.IsReceived(b) {
			c.queue.Enqueue(b)
		}
	}
	return c.requestNext()
}

func (c *Conn) removeInflight(b models.Block) {
	c.inflight = slices.DeleteFunc(c.inflight, func(x models.Block) bool {
		return x.Index == b.Index && x.Begin == b.Begin
	})
}

// releaseInflight hands unanswered requests back so other connections can claim them.
func (c *Conn) releaseInflight() {
	for _, b := range c.inflight {
		c.cfg.Tracker.Release(b)
	}
	c.inflight = nil
}

func (c *Conn) write(p []byte) error {
	if _, err := c.conn.Write(p); err != nil {
		return fmt.Errorf("%w: write: %v", ErrPeerTransport, err)
	}
	return nil
}
