package browser

import (
	"context"
	"errors"

	"github.com/studyatlas/portal-crawler/internal/crawler"
)

// Noop implements crawler.Browser but fails every navigation, for builds
// where no browser binary is available.
type Noop struct{}

// NewNoop creates a Noop browser.
func NewNoop() *Noop {
	return &Noop{}
}

// Navigate returns an error since this is a stub implementation.
func (Noop) Navigate(_ context.Context, _ string, _ crawler.NavigateOptions) (crawler.PageSnapshot, error) {
	return crawler.PageSnapshot{}, errors.New("browser not configured")
}

// ExtractLinks parses the snapshot body directly; it works without a live browser.
func (Noop) ExtractLinks(snap crawler.PageSnapshot, pattern string) ([]string, error) {
	return ExtractLinks(snap, pattern)
}

// Evaluate returns an error since this is a stub implementation.
func (Noop) Evaluate(_ context.Context, _ crawler.PageSnapshot, _ string) (any, error) {
	return nil, errors.New("browser not configured")
}

// Screenshot returns an error since this is a stub implementation.
func (Noop) Screenshot(_ context.Context, _ crawler.PageSnapshot) ([]byte, error) {
	return nil, errors.New("browser not configured")
}

// Close is a no-op.
func (Noop) Close() error { return nil }
