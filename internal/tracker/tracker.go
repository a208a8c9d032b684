package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/WendelHime/swarmget/internal/shared/models"
	"github.com/jpillora/backoff"
)

var (
	ErrTrackerTimeout      = errors.New("tracker timeout")
	ErrTrackerTransport    = errors.New("tracker transport error")
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
)

const (
	DefaultTimeout = 5 * time.Second
	DefaultPort    = 6881
)

type Tracker interface {
	// GetPeers performs one announce exchange.
	GetPeers(ctx context.Context, metafile models.Metafile) ([]models.Peer, error)
	// DiscoverPeers never fails: errors are logged and yield an empty list.
	DiscoverPeers(ctx context.Context, metafile models.Metafile) []models.Peer
	WithHTTPClient(client *http.Client) Tracker
}

type PeersGetter interface {
	GetPeers(ctx context.Context, announce string, metafile models.Metafile) ([]models.Peer, error)
}

type Options struct {
	// Timeout bounds a single announce exchange.
	Timeout time.Duration
	// Retries is the number of extra attempts after a failed exchange.
	Retries       int
	RetryInterval time.Duration
	// Port is the listening port announced to the tracker.
	Port   uint16
	Logger *slog.Logger
}

type tracker struct {
	AnnounceURL string
	PeerID      models.PeerID
	HTTPClient  PeersGetter
	UDPClient   PeersGetter

	opts Options
	log  *slog.Logger
}

func NewTracker(announceURL string, peerID models.PeerID, opts Options) Tracker {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With(slog.String("announce", announceURL))
	return &tracker{
		AnnounceURL: announceURL,
		PeerID:      peerID,
		HTTPClient:  NewHTTPGetter(&http.Client{Timeout: opts.Timeout}, peerID, opts.Port),
		UDPClient:   NewUDPGetter(peerID, opts.Port, opts.Timeout, logger),
		opts:        opts,
		log:         logger,
	}
}

func (t *tracker) WithHTTPClient(client *http.Client) Tracker {
	t.HTTPClient = NewHTTPGetter(client, t.PeerID, t.opts.Port)
	return t
}

type peersResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int    `bencode:"interval"`
	Peers         string `bencode:"peers"`
}

func (t *tracker) GetPeers(ctx context.Context, metafile models.Metafile) ([]models.Peer, error) {
	if t.AnnounceURL == "" {
		return nil, fmt.Errorf("%w: announce url is empty", ErrUnsupportedProtocol)
	}

	ctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	switch {
	case strings.HasPrefix(t.AnnounceURL, "http"):
		return t.HTTPClient.GetPeers(ctx, t.AnnounceURL, metafile)
	case strings.HasPrefix(t.AnnounceURL, "udp"):
		return t.UDPClient.GetPeers(ctx, t.AnnounceURL, metafile)
	default:
		t.log.Error("unsupported protocol")
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, t.AnnounceURL)
	}
}

func (t *tracker) DiscoverPeers(ctx context.Context, metafile models.Metafile) []models.Peer {
	b := backoff.Backoff{Min: t.opts.RetryInterval, Max: 30 * time.Second}
	for attempt := 1; ; attempt++ {
		peers, err := t.GetPeers(ctx, metafile)
		if err == nil {
			t.log.Info("retrieved peers", slog.Int("peers", len(peers)), slog.Int("attempt", attempt))
			return peers
		}
		t.log.Warn("failed to get peers", slog.Int("attempt", attempt), slog.Any("error", err))
		if errors.Is(err, ErrUnsupportedProtocol) || attempt > t.opts.Retries {
			return []models.Peer{}
		}

		select {
		case <-ctx.Done():
			return []models.Peer{}
		case <-time.After(b.Duration()):
		}
	}
}
