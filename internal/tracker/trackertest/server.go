// Package trackertest provides an in-process UDP tracker for tests.
package trackertest

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/WendelHime/swarmget/internal/shared/models"
)

const connectionID uint64 = 0x1122334455667788

// Announce is an announce request as seen by the server.
type Announce struct {
	ConnectionID uint64
	InfoHash     models.Hash
	PeerID       models.PeerID
	Left         uint64
	NumWant      int32
	Port         uint16
	Length       int
}

type Server struct {
	conn  *net.UDPConn
	peers []models.Peer

	mu           sync.Mutex
	dropConnects int
	silent       bool
	announces    []Announce
}

// NewServer listens on a random localhost port and answers every announce with peers.
func NewServer(peers []models.Peer) (*Server, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, err
	}
	s := &Server{conn: conn, peers: peers}
	go s.serve()
	return s, nil
}

func (s *Server) URL() string {
	return "udp://" + s.conn.LocalAddr().String() + "/announce"
}

// DropConnects ignores the next n connect requests.
func (s *Server) DropConnects(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropConnects = n
}

// Silence stops the server from answering anything.
func (s *Server) Silence() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = true
}

func (s *Server) Announces() []Announce {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Announce(nil), s.announces...)
}

func (s *Server) Close() error {
	return s.conn.Close()
}

func (s *Server) serve() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if resp := s.handle(buf[:n]); resp != nil {
			s.conn.WriteToUDP(resp, addr)
		}
	}
}

func (s *Server) handle(req []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.silent || len(req) < 16 {
		return nil
	}

	transactionID := req[12:16]
	switch binary.BigEndian.Uint32(req[8:12]) {
	case 0:
		if s.dropConnects > 0 {
			s.dropConnects--
			return nil
		}
		resp := make([]byte, 16)
		copy(resp[4:8], transactionID)
		binary.BigEndian.PutUint64(resp[8:], connectionID)
		return resp
	case 1:
		if len(req) < 98 {
			return nil
		}
		a := Announce{
			ConnectionID: binary.BigEndian.Uint64(req[0:8]),
			Left:         binary.BigEndian.Uint64(req[64:72]),
			NumWant:      int32(binary.BigEndian.Uint32(req[92:96])),
			Port:         binary.BigEndian.Uint16(req[96:98]),
			Length:       len(req),
		}
		copy(a.InfoHash[:], req[16:36])
		copy(a.PeerID[:], req[36:56])
		s.announces = append(s.announces, a)

		resp := make([]byte, 20, 20+6*len(s.peers))
		binary.BigEndian.PutUint32(resp[0:4], 1)
		copy(resp[4:8], transactionID)
		binary.BigEndian.PutUint32(resp[8:12], 1800)
		binary.BigEndian.PutUint32(resp[12:16], 0)
		binary.BigEndian.PutUint32(resp[16:20], uint32(len(s.peers)))
		for _, p := range s.peers {
			record := make([]byte, 6)
			copy(record, p.Addr.IP.To4())
			binary.BigEndian.PutUint16(record[4:], p.Addr.Port)
			resp = append(resp, record...)
		}
		return resp
	}
	return nil
}
