// Package peertest runs an in-process seeding peer for tests.
package peertest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/WendelHime/swarmget/internal/shared/models"
)

type Options struct {
	// Pieces are announced in the bitfield. Nil announces every piece.
	Pieces []int
	// AnnounceWithHave sends one have message per piece instead of a bitfield.
	AnnounceWithHave bool
	// ChokeAfter chokes the downloader once this many blocks were served. Zero never chokes.
	ChokeAfter int
	// Fragment splits every write into chunks of this many bytes.
	Fragment int
	// CorruptFirst flips the bytes of the first block served.
	CorruptFirst bool
	// InfoHash overrides the info hash sent back in the handshake.
	InfoHash *models.Hash
}

// Seeder serves data for a single metafile to every connection it accepts.
type Seeder struct {
	ln   net.Listener
	meta models.Metafile
	data []byte
	opts Options

	mu        sync.Mutex
	requests  []models.Block
	served    int
	corrupted bool
	conns     []net.Conn
	wg        sync.WaitGroup
}

func NewSeeder(meta models.Metafile, data []byte, opts Options) (*Seeder, error) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Seeder{ln: ln, meta: meta, data: data, opts: opts}
	s.wg.Add(1)
	go s.accept()
	return s, nil
}

func (s *Seeder) Peer() models.Peer {
	addr := s.ln.Addr().(*net.TCPAddr)
	return models.Peer{Addr: models.Addr{IP: addr.IP.To4(), Port: uint16(addr.Port)}}
}

// Requests lists every block requested so far, in arrival order.
func (s *Seeder) Requests() []models.Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Block(nil), s.requests...)
}

func (s *Seeder) Close() error {
	err := s.ln.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Seeder) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			_ = s.serve(conn)
		}()
	}
}

func (s *Seeder) serve(conn net.Conn) error {
	hs := make([]byte, 68)
	if _, err := io.ReadFull(conn, hs); err != nil {
		return err
	}
	if !bytes.Equal(hs[28:48], s.meta.InfoHash[:]) {
		return errors.New("info hash mismatch")
	}

	infoHash := s.meta.InfoHash
	if s.opts.InfoHash != nil {
		infoHash = *s.opts.InfoHash
	}
	reply := append([]byte{19}, "BitTorrent protocol"...)
	reply = append(reply, make([]byte, 8)...)
	reply = append(reply, infoHash[:]...)
	reply = append(reply, "-PT0001-seederseeder"...)
	if err := s.write(conn, reply); err != nil {
		return err
	}
	if err := s.announce(conn); err != nil {
		return err
	}

	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return err
		}
		length := binary.BigEndian.Uint32(header)
		if length == 0 {
			continue
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(conn, body); err != nil {
			return err
		}

		switch models.MessageID(body[0]) {
		case models.MessageIDInterested:
			if err := s.write(conn, message(models.MessageIDUnchoke, nil)); err != nil {
				return err
			}
		case models.MessageIDRequest:
			if len(body) != 13 {
				return errors.New("malformed request")
			}
			b := models.Block{
				Index:  int(binary.BigEndian.Uint32(body[1:5])),
				Begin:  int(binary.BigEndian.Uint32(body[5:9])),
				Length: int(binary.BigEndian.Uint32(body[9:13])),
			}
			payload, choke := s.serveBlock(b)
			if choke {
				return s.write(conn, message(models.MessageIDChoke, nil))
			}
			if err := s.write(conn, message(models.MessageIDPiece, payload)); err != nil {
				return err
			}
		}
	}
}

func (s *Seeder) announce(conn net.Conn) error {
	pieces := s.opts.Pieces
	if pieces == nil {
		for i := 0; i < s.meta.Info.TotalPieces(); i++ {
			pieces = append(pieces, i)
		}
	}

	if s.opts.AnnounceWithHave {
		for _, p := range pieces {
			payload := binary.BigEndian.AppendUint32(nil, uint32(p))
			if err := s.write(conn, message(models.MessageIDHave, payload)); err != nil {
				return err
			}
		}
		return nil
	}

	bits := make([]byte, (s.meta.Info.TotalPieces()+7)/8)
	for _, p := range pieces {
		bits[p/8] |= 1 << (7 - p%8)
	}
	return s.write(conn, message(models.MessageIDBitfield, bits))
}

// serveBlock records the request and returns the piece payload, or choke when the
// seeder has served its quota.
func (s *Seeder) serveBlock(b models.Block) (payload []byte, choke bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, b)
	if s.opts.ChokeAfter > 0 && s.served >= s.opts.ChokeAfter {
		return nil, true
	}
	s.served++

	off := int(s.meta.Info.Offset(b))
	data := append([]byte(nil), s.data[off:off+b.Length]...)
	if s.opts.CorruptFirst && !s.corrupted {
		s.corrupted = true
		for i := range data {
			data[i] ^= 0xFF
		}
	}

	payload = binary.BigEndian.AppendUint32(nil, uint32(b.Index))
	payload = binary.BigEndian.AppendUint32(payload, uint32(b.Begin))
	return append(payload, data...), false
}

func (s *Seeder) write(conn net.Conn, p []byte) error {
	if s.opts.Fragment <= 0 {
		_, err := conn.Write(p)
		return err
	}
	for len(p) > 0 {
		n := min(s.opts.Fragment, len(p))
		if _, err := conn.Write(p[:n]); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func message(id models.MessageID, payload []byte) []byte {
	buf := binary.BigEndian.AppendUint32(nil, uint32(len(payload)+1))
	buf = append(buf, byte(id))
	return append(buf, payload...)
}
