// Package store provides durable storage for the PBFT engine state.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	pbft "github.com/splintercommunity/sawtooth-pbft"
)

// FileStore keeps the durable state in a single JSON file. Save writes a
// temporary file, syncs it and renames it over the previous one, so a crash
// leaves either the old or the new state.
type FileStore struct {
	path   string
	logger *zap.Logger

	mu sync.Mutex
}

var _ pbft.Storage = (*FileStore)(nil)

// NewFileStore creates a store at path. The parent directory is created if
// needed.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("store path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &FileStore{path: path, logger: logger}, nil
}

// Path returns the state file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the saved state. A missing file means a fresh node.
func (s *FileStore) Load() (*pbft.DurableState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	var ds pbft.DurableState
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", s.path, err)
	}
	s.logger.Debug("loaded consensus state",
		zap.String("path", s.path),
		zap.Uint64("view", ds.View),
		zap.Uint64("last_confirmed", ds.LastConfirmed))
	return &ds, nil
}

// Save atomically replaces the saved state.
func (s *FileStore) Save(ds *pbft.DurableState) error {
	data, err := json.Marshal(ds)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}

	// Persist the rename itself.
	if dir, err := os.Open(filepath.Dir(s.path)); err == nil {
		if err := dir.Sync(); err != nil {
			s.logger.Warn("sync state directory", zap.Error(err))
		}
		_ = dir.Close()
	}
	return nil
}
