package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/studyatlas/portal-crawler/internal/crawler"
)

const createStateTable = `
CREATE TABLE IF NOT EXISTS crawl_state (
	name TEXT PRIMARY KEY,
	payload JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

const upsertState = `
INSERT INTO crawl_state (name, payload, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE
SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`

const selectState = `SELECT payload FROM crawl_state WHERE name = $1`

const deleteState = `DELETE FROM crawl_state WHERE name = $1`

type pgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore keeps the same single GlobalState record as the file backend
// but stores it as a jsonb row, so several operators can share one resumable
// crawl database.
type PostgresStore struct {
	pool   pgxIface
	name   string
	logger *zap.Logger

	mu    sync.RWMutex
	state *crawler.GlobalState
}

// NewPostgresStore connects a pool from dsn. name distinguishes independent
// crawls sharing one database.
func NewPostgresStore(ctx context.Context, dsn, name string, logger *zap.Logger) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("state.dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewPostgresStoreWithPool(pool, name, logger)
}

// NewPostgresStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewPostgresStoreWithPool(pool pgxIface, name string, logger *zap.Logger) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if name == "" {
		name = "default"
	}
	return &PostgresStore{pool: pool, name: name, logger: logger}, nil
}

// EnsureSchema creates the state table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createStateTable); err != nil {
		return fmt.Errorf("create crawl_state table: %w", err)
	}
	return nil
}

// Load reads the persisted record. A missing or corrupt row yields fresh
// state, matching the file backend contract.
func (s *PostgresStore) Load(ctx context.Context) (*crawler.GlobalState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payload []byte
	err := s.pool.QueryRow(ctx, selectState, s.name).Scan(&payload)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		s.state = crawler.NewGlobalState()
		return s.state, nil
	case err != nil:
		return nil, fmt.Errorf("load state row: %w", err)
	}

	loaded := crawler.NewGlobalState()
	if err := json.Unmarshal(payload, loaded); err != nil {
		s.logger.Warn("state row corrupt, starting fresh",
			zap.String("name", s.name), zap.Error(err))
		s.state = crawler.NewGlobalState()
		return s.state, nil
	}
	loaded.Reindex()
	s.state = loaded
	return s.state, nil
}

// State returns the in-memory state. The returned pointer belongs to the
// single orchestrating goroutine; concurrent readers use Summary.
func (s *PostgresStore) State() *crawler.GlobalState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Unit returns (and lazily creates) the unit for (target, category).
func (s *PostgresStore) Unit(target, category string) *crawler.CrawlUnit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Unit(target, category)
}

// Mutate applies fn and flushes the whole record synchronously.
func (s *PostgresStore) Mutate(ctx context.Context, target, category string, fn func(*crawler.CrawlUnit)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state.Unit(target, category))
	return s.flush(ctx)
}

// MarkItemDone moves url from pending to completed, idempotently.
func (s *PostgresStore) MarkItemDone(ctx context.Context, target, category, url string) error {
	return s.Mutate(ctx, target, category, func(u *crawler.CrawlUnit) {
		u.MarkItemDone(url)
	})
}

// SetPhase records the current category phase.
func (s *PostgresStore) SetPhase(ctx context.Context, phase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.CurrentPhase = phase
	return s.flush(ctx)
}

// Summary returns a read-only copy of progress.
func (s *PostgresStore) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return summarize(s.state)
}

// IsDone reports whether the unit completed in an earlier run.
func (s *PostgresStore) IsDone(target, category string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.state.Units {
		if u.Target == target && u.Category == category {
			return u.Status == crawler.UnitCompleted
		}
	}
	return false
}

// Reset deletes the persisted record and clears the in-memory state.
func (s *PostgresStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = crawler.NewGlobalState()
	if _, err := s.pool.Exec(ctx, deleteState, s.name); err != nil {
		return fmt.Errorf("delete state row: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) flush(ctx context.Context) error {
	if err := s.upsert(ctx); err != nil {
		s.logger.Warn("state flush failed, retrying once", zap.Error(err))
		if err := s.upsert(ctx); err != nil {
			return fmt.Errorf("flush state row %s: %w", s.name, err)
		}
	}
	return nil
}

func (s *PostgresStore) upsert(ctx context.Context) error {
	payload, err := json.Marshal(s.state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if _, err := s.pool.Exec(ctx, upsertState, s.name, payload, time.Now().UTC()); err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	return nil
}
