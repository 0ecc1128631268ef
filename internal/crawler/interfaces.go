package crawler

import (
	"context"
	"time"
)

// NavigateOptions selects the strategy for a single navigation.
type NavigateOptions struct {
	Engine     Engine
	Visibility Visibility
	Timeout    time.Duration
}

// Browser is the controllable-browser capability consumed by the escalator
// and the site adapters. Evaluate and Screenshot act on the live tab behind
// the given snapshot; navigating again invalidates earlier snapshots.
type Browser interface {
	Navigate(ctx context.Context, url string, opts NavigateOptions) (PageSnapshot, error)
	ExtractLinks(snap PageSnapshot, pattern string) ([]string, error)
	Evaluate(ctx context.Context, snap PageSnapshot, script string) (any, error)
	Screenshot(ctx context.Context, snap PageSnapshot) ([]byte, error)
	Close() error
}

// Solver submits an automated challenge to an external solving service and
// polls for a token. Best-effort: callers must tolerate errors and timeouts.
type Solver interface {
	Solve(ctx context.Context, siteKey, pageURL string, timeout time.Duration) (string, error)
}

// SiteAdapter holds the site-coupled knowledge for one target: where listing
// pages live, which links are items, and how to map a detail page to columns.
type SiteAdapter interface {
	ListingURL(category string, page int) string
	DiscoverItems(snap PageSnapshot) (items []string, hasNext bool, err error)
	ExtractItem(snap PageSnapshot) (ItemRecord, error)
}

// Sink receives one tabular record per successfully fetched item. Duplicate
// appends for the same URL are acceptable to the sink.
type Sink interface {
	Append(ctx context.Context, record ItemRecord) error
	Close() error
}

// Publisher pushes per-item completion events to an external topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw artifacts (challenge screenshots) and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Classifier inspects a snapshot and decides whether the fetch was clear,
// challenged, or hard-blocked.
type Classifier interface {
	Classify(snap PageSnapshot) ChallengeOutcome
}

// Governor paces requests: it blocks for a base delay plus bounded jitter.
type Governor interface {
	Wait(ctx context.Context) error
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock with time.Now.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
