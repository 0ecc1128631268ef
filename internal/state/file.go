package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/studyatlas/portal-crawler/internal/crawler"
)

// FileStore persists GlobalState as a single JSON document, overwritten
// atomically (write temp file, rename) on every flush.
type FileStore struct {
	path   string
	logger *zap.Logger

	mu    sync.RWMutex
	state *crawler.GlobalState
}

// NewFileStore returns a store rooted at path. The parent directory is
// created on the first flush.
func NewFileStore(path string, logger *zap.Logger) *FileStore {
	return &FileStore{path: path, logger: logger}
}

// Load reads the state file. A missing file yields fresh state; a corrupt
// file is logged and also yields fresh state, never a process failure.
func (s *FileStore) Load(_ context.Context) (*crawler.GlobalState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.state = crawler.NewGlobalState()
		return s.state, nil
	case err != nil:
		s.logger.Warn("state file unreadable, starting fresh",
			zap.String("path", s.path), zap.Error(err))
		s.state = crawler.NewGlobalState()
		return s.state, nil
	}

	loaded := crawler.NewGlobalState()
	if err := json.Unmarshal(data, loaded); err != nil {
		s.logger.Warn("state file corrupt, starting fresh",
			zap.String("path", s.path), zap.Error(err))
		s.state = crawler.NewGlobalState()
		return s.state, nil
	}
	loaded.Reindex()
	s.state = loaded
	return s.state, nil
}

// State returns the in-memory state. The returned pointer belongs to the
// single orchestrating goroutine; concurrent readers use Summary.
func (s *FileStore) State() *crawler.GlobalState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Unit returns (and lazily creates) the unit for (target, category).
func (s *FileStore) Unit(target, category string) *crawler.CrawlUnit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Unit(target, category)
}

// Mutate applies fn and flushes synchronously.
func (s *FileStore) Mutate(_ context.Context, target, category string, fn func(*crawler.CrawlUnit)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state.Unit(target, category))
	return s.flush()
}

// MarkItemDone removes url from pending and adds it to completed.
func (s *FileStore) MarkItemDone(ctx context.Context, target, category, url string) error {
	return s.Mutate(ctx, target, category, func(u *crawler.CrawlUnit) {
		u.MarkItemDone(url)
	})
}

// SetPhase records the current category phase.
func (s *FileStore) SetPhase(_ context.Context, phase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.CurrentPhase = phase
	return s.flush()
}

// Summary returns a read-only copy of progress.
func (s *FileStore) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return summarize(s.state)
}

// IsDone reports whether the unit completed in an earlier run.
func (s *FileStore) IsDone(target, category string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.state.Units {
		if u.Target == target && u.Category == category {
			return u.Status == crawler.UnitCompleted
		}
	}
	return false
}

// Reset discards all progress and flushes the empty state.
func (s *FileStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = crawler.NewGlobalState()
	return s.flush()
}

// Close is a no-op for the file backend.
func (s *FileStore) Close() error { return nil }

// flush writes the state atomically. A failed write is retried once; a
// second failure is returned and must abort the process, since continuing
// with unproven state silently breaks resume.
func (s *FileStore) flush() error {
	if err := s.writeAtomic(); err != nil {
		s.logger.Warn("state flush failed, retrying once", zap.Error(err))
		if err := s.writeAtomic(); err != nil {
			return fmt.Errorf("flush state to %s: %w", s.path, err)
		}
	}
	return nil
}

func (s *FileStore) writeAtomic() error {
	payload, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename temp state: %w", err)
	}
	return nil
}
