package call

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Spool is the session-scoped temporary area for received utterance files.
// Each session creates its own directory and sweeps it on Close, so every
// file created during a call is gone by the time the session is closed, no
// matter which path ended it.
type Spool struct {
	dir string

	mu      sync.Mutex
	created int
	removed int
	closed  bool
}

// NewSpool creates a fresh spool directory under parent. An empty parent
// uses the OS temp directory.
func NewSpool(parent string) (*Spool, error) {
	if parent != "" {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return nil, fmt.Errorf("call: create spool parent: %w", err)
		}
	}
	dir, err := os.MkdirTemp(parent, "carecall-*")
	if err != nil {
		return nil, fmt.Errorf("call: create spool dir: %w", err)
	}
	return &Spool{dir: dir}, nil
}

// Dir returns the spool directory path.
func (s *Spool) Dir() string { return s.dir }

// Put writes one utterance payload to a new file and returns its path. The
// write goes to a temp name first and is renamed into place, so a reader
// never sees a partial file.
func (s *Spool) Put(payload []byte) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", fmt.Errorf("call: spool closed")
	}
	s.mu.Unlock()

	name := fmt.Sprintf("utterance-%s.mp3", uuid.NewString())
	final := filepath.Join(s.dir, name)
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return "", fmt.Errorf("call: write utterance: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("call: finalise utterance: %w", err)
	}

	s.mu.Lock()
	s.created++
	s.mu.Unlock()
	return final, nil
}

// Remove deletes one utterance file. Missing files count as removed, since
// the goal is only that nothing survives the session.
func (s *Spool) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("call: remove utterance: %w", err)
	}
	s.mu.Lock()
	s.removed++
	s.mu.Unlock()
	return nil
}

// Created returns how many files this spool has written.
func (s *Spool) Created() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created
}

// Removed returns how many files have been deleted, including the final
// sweep.
func (s *Spool) Removed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removed
}

// Close sweeps the spool directory. Any file not individually removed is
// deleted here, so Created() == Removed() holds afterwards. Idempotent.
func (s *Spool) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.removed += s.created - s.removed
	s.mu.Unlock()

	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("call: sweep spool dir: %w", err)
	}
	return nil
}
