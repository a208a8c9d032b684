package tracker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/WendelHime/swarmget/internal/shared/models"
)

const (
	protocolID uint64 = 0x41727101980

	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
	actionError    uint32 = 3

	connectRequestLen   = 16
	connectResponseLen  = 16
	announceRequestLen  = 98
	announceResponseLen = 20

	maxDatagram = 65535
)

type UDPGetter struct {
	peerID  models.PeerID
	port    uint16
	timeout time.Duration
	log     *slog.Logger
}

func NewUDPGetter(peerID models.PeerID, port uint16, timeout time.Duration, logger *slog.Logger) PeersGetter {
	return UDPGetter{peerID: peerID, port: port, timeout: timeout, log: logger}
}

type connectResponse struct {
	Action        uint32
	TransactionID uint32
	ConnectionID  uint64
}

type announceRequest struct {
	ConnectionID  uint64
	TransactionID uint32
	InfoHash      models.Hash
	PeerID        models.PeerID
	Left          int64
	Key           uint32
	Port          uint16
}

type announceResponse struct {
	Action        uint32
	TransactionID uint32
	Interval      uint32
	Leechers      uint32
	Seeders       uint32
	Peers         []models.Peer
}

func buildConnectRequest(transactionID uint32) []byte {
	buf := make([]byte, connectRequestLen)
	binary.BigEndian.PutUint64(buf[0:8], protocolID)     // connection_id
	binary.BigEndian.PutUint32(buf[8:12], actionConnect) // action
	binary.BigEndian.PutUint32(buf[12:16], transactionID)
	return buf
}

func parseConnectResponse(b []byte) (connectResponse, error) {
	if len(b) < connectResponseLen {
		return connectResponse{}, fmt.Errorf("connect response is %d bytes", len(b))
	}
	return connectResponse{
		Action:        binary.BigEndian.Uint32(b[0:4]),
		TransactionID: binary.BigEndian.Uint32(b[4:8]),
		ConnectionID:  binary.BigEndian.Uint64(b[8:16]),
	}, nil
}

func (r announceRequest) Bytes() []byte {
	buf := make([]byte, announceRequestLen)
	binary.BigEndian.PutUint64(buf[0:8], r.ConnectionID)    // connection id acquired from the connect step
	binary.BigEndian.PutUint32(buf[8:12], actionAnnounce)   // action
	binary.BigEndian.PutUint32(buf[12:16], r.TransactionID) // transaction id
	copy(buf[16:36], r.InfoHash[:])                         // info hash
	copy(buf[36:56], r.PeerID[:])                           // peer id
	binary.BigEndian.PutUint64(buf[56:64], 0)               // downloaded
	binary.BigEndian.PutUint64(buf[64:72], uint64(r.Left))  // left
	binary.BigEndian.PutUint64(buf[72:80], 0)               // uploaded
	binary.BigEndian.PutUint32(buf[80:84], 0)               // event: none
	binary.BigEndian.PutUint32(buf[84:88], 0)               // ip: let the tracker use the sender address
	binary.BigEndian.PutUint32(buf[88:92], r.Key)           // key
	binary.BigEndian.PutUint32(buf[92:96], 0xFFFFFFFF)      // num_want: -1, as many as possible
	binary.BigEndian.PutUint16(buf[96:98], r.Port)          // port
	return buf
}

func parseAnnounceResponse(b []byte) (announceResponse, error) {
	if len(b) < announceResponseLen {
		return announceResponse{}, fmt.Errorf("announce response is %d bytes", len(b))
	}
	resp := announceResponse{
		Action:        binary.BigEndian.Uint32(b[0:4]),
		TransactionID: binary.BigEndian.Uint32(b[4:8]),
		Interval:      binary.BigEndian.Uint32(b[8:12]),
		Leechers:      binary.BigEndian.Uint32(b[12:16]),
		Seeders:       binary.BigEndian.Uint32(b[16:20]),
	}

	peerData := b[announceResponseLen:]
	peerData = peerData[:len(peerData)-len(peerData)%6]
	peers, err := models.ParseCompactPeers(peerData)
	if err != nil {
		return announceResponse{}, err
	}
	resp.Peers = peers
	return resp, nil
}

// resolveUDP4 looks the tracker host up under ctx and picks its first IPv4 address.
func resolveUDP4(ctx context.Context, tracker *url.URL) (*net.UDPAddr, error) {
	port, err := strconv.ParseUint(tracker.Port(), 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q", tracker.Port())
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", tracker.Hostname())
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IPv4 address for %s", tracker.Hostname())
	}
	return &net.UDPAddr{IP: ips[0], Port: int(port)}, nil
}

func (u UDPGetter) GetPeers(ctx context.Context, announce string, metafile models.Metafile) ([]models.Peer, error) {
	tracker, err := url.Parse(announce)
	if err != nil {
		return nil, err
	}
	if tracker.Port() == "" {
		return nil, fmt.Errorf("%w: %s has no port", ErrTrackerTransport, announce)
	}

	deadline := time.Now().Add(u.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	raddr, err := resolveUDP4(ctx, tracker)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: resolving %s: %v", ErrTrackerTimeout, tracker.Hostname(), err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTrackerTransport, err)
	}

	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTrackerTransport, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTrackerTransport, err)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	connectTransactionID := rand.Uint32()
	if _, err = conn.Write(buildConnectRequest(connectTransactionID)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTrackerTransport, err)
	}

	var announceTransactionID uint32
	buf := make([]byte, maxDatagram)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, fmt.Errorf("%w: no answer within %s", ErrTrackerTimeout, u.timeout)
			}
			return nil, fmt.Errorf("%w: %v", ErrTrackerTransport, err)
		}
		resp := buf[:n]
		if len(resp) < 8 {
			u.log.Warn("ignoring short datagram", slog.Int("bytes", n))
			continue
		}

		switch action := binary.BigEndian.Uint32(resp[:4]); action {
		case actionConnect:
			c, err := parseConnectResponse(resp)
			if err != nil {
				u.log.Warn("invalid connect response", slog.Any("error", err))
				continue
			}
			if c.TransactionID != connectTransactionID {
				u.log.Warn("connect transaction id mismatch", slog.Any("expected", connectTransactionID), slog.Any("received", c.TransactionID))
			}

			announceTransactionID = rand.Uint32()
			req := announceRequest{
				ConnectionID:  c.ConnectionID,
				TransactionID: announceTransactionID,
				InfoHash:      metafile.InfoHash,
				PeerID:        u.peerID,
				Left:          metafile.Info.Length,
				Key:           rand.Uint32(),
				Port:          u.port,
			}
			if _, err = conn.Write(req.Bytes()); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrTrackerTransport, err)
			}
		case actionAnnounce:
			a, err := parseAnnounceResponse(resp)
			if err != nil {
				u.log.Warn("invalid announce response", slog.Any("error", err))
				continue
			}
			if a.TransactionID != announceTransactionID {
				u.log.Warn("announce transaction id mismatch", slog.Any("expected", announceTransactionID), slog.Any("received", a.TransactionID))
			}
			u.log.Info("announced",
				slog.Any("interval", a.Interval),
				slog.Any("leechers", a.Leechers),
				slog.Any("seeders", a.Seeders),
				slog.Int("peers", len(a.Peers)))
			return a.Peers, nil
		case actionError:
			return nil, fmt.Errorf("%w: tracker error: %s", ErrTrackerTransport, string(resp[8:]))
		default:
			u.log.Warn("unexpected tracker action", slog.Any("action", action))
		}
	}
}
