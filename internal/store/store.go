// Package store owns the in-memory state document and its flush-to-disk
// contract: after every mutation the whole document is rewritten atomically
// (write to a temp file in the same directory, then rename).
package store

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/velora-chat/velora-backend/internal/models"
)

type Store struct {
	mu    sync.Mutex
	path  string
	state *models.State
}

// Open loads the document at path. A missing file starts empty; a corrupt
// file is logged and also starts empty so the server always comes up.
func Open(path string) (*Store, error) {
	st := models.NewState()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if jsonErr := json.Unmarshal(data, st); jsonErr != nil {
			log.Printf("store: %s is not a valid state document, starting empty: %v", path, jsonErr)
			st = models.NewState()
		}
	case errors.Is(err, os.ErrNotExist):
		// first run
	default:
		return nil, err
	}

	st.Normalize()
	return &Store{path: path, state: st}, nil
}

// Update runs fn under the store lock and flushes to disk when fn succeeds.
// A flush failure is logged and the in-memory mutation is kept; the next
// successful flush snapshots the latest state.
func (s *Store) Update(fn func(st *models.State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := fn(s.state); err != nil {
		return err
	}
	if err := s.flushLocked(); err != nil {
		log.Printf("store: flush to %s failed: %v", s.path, err)
	}
	return nil
}

// View runs fn under the store lock without flushing.
func (s *Store) View(fn func(st *models.State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}

// Flush forces a write of the current state, used at shutdown.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
