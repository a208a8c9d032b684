// Package storage writes downloaded blocks into the output file.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrClosed is returned by writes that arrive after the download was finalized.
var ErrClosed = errors.New("output file closed")

// File is an output file addressed by absolute offset. Writes to disjoint ranges may run
// concurrently; Close waits for in-flight writes.
type File struct {
	path string

	mu     sync.RWMutex
	f      *os.File
	closed bool
}

// Create truncates or creates the file at path, creating its parent directory.
func Create(path string) (*File, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return &File{path: path, f: f}, nil
}

func (s *File) Path() string {
	return s.path
}

func (s *File) WriteAt(p []byte, off int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	n, err := s.f.WriteAt(p, off)
	if err != nil {
		return n, fmt.Errorf("write %d bytes at %d: %w", len(p), off, err)
	}
	return n, nil
}

func (s *File) ReadAt(p []byte, off int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.f.ReadAt(p, off)
}

// Close flushes and closes the file. Calling it more than once is a no-op.
func (s *File) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}
