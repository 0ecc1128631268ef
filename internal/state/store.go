// Package state implements the durable progress store: the global crawl state
// loaded once at startup and flushed synchronously after every mutation.
package state

import (
	"context"

	"github.com/studyatlas/portal-crawler/internal/crawler"
)

// Store persists crawl progress. Every observable transition goes through
// Mutate (or the helpers built on it) and is durable before the caller
// continues; a flush failure after one retry is returned as an error and is
// fatal to the process.
type Store interface {
	// Load reads persisted state or returns a fresh one. It never fails the
	// process over a corrupt record: that is logged and treated as fresh.
	Load(ctx context.Context) (*crawler.GlobalState, error)

	// State returns the loaded in-memory state. Load must have been called.
	State() *crawler.GlobalState

	// Unit returns the unit for (target, category), creating it lazily.
	// Lazy creation alone does not flush.
	Unit(target, category string) *crawler.CrawlUnit

	// Mutate applies fn to the unit and flushes synchronously.
	Mutate(ctx context.Context, target, category string, fn func(*crawler.CrawlUnit)) error

	// MarkItemDone moves url from pending to completed, idempotently.
	MarkItemDone(ctx context.Context, target, category, url string) error

	// SetPhase records the category phase currently being processed.
	SetPhase(ctx context.Context, phase string) error

	// IsDone reports whether the unit has status completed.
	IsDone(target, category string) bool

	// Summary returns a read-only copy of progress, safe to call from the
	// status server while the orchestrator is running.
	Summary() Summary

	// Reset discards all persisted progress.
	Reset(ctx context.Context) error

	Close() error
}
