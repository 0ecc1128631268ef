package orchestrate_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/studyatlas/portal-crawler/internal/crawler"
	"github.com/studyatlas/portal-crawler/internal/escalate"
	"github.com/studyatlas/portal-crawler/internal/orchestrate"
	memorypublisher "github.com/studyatlas/portal-crawler/internal/publisher/memory"
	"github.com/studyatlas/portal-crawler/internal/state"
)

// listingPage scripts one listing fetch for the fake adapter.
type listingPage struct {
	items   []string
	hasNext bool
}

// fakeAdapter serves scripted listing pages keyed by page number and extracts
// a fixed field from detail pages.
type fakeAdapter struct {
	base     string
	listings map[int]listingPage
}

func (a *fakeAdapter) ListingURL(category string, page int) string {
	return fmt.Sprintf("%s/%s/page/%d", a.base, category, page)
}

func (a *fakeAdapter) DiscoverItems(snap crawler.PageSnapshot) ([]string, bool, error) {
	var page int
	if _, err := fmt.Sscanf(filepath.Base(snap.URL), "%d", &page); err != nil {
		return nil, false, fmt.Errorf("unexpected listing url %s", snap.URL)
	}
	listing, ok := a.listings[page]
	if !ok {
		return nil, false, nil
	}
	return listing.items, listing.hasNext, nil
}

func (a *fakeAdapter) ExtractItem(snap crawler.PageSnapshot) (crawler.ItemRecord, error) {
	return crawler.ItemRecord{
		URL:    snap.URL,
		Fields: map[string]string{"title": "item at " + snap.URL},
	}, nil
}

// fakeFetcher records fetch order and fails URLs on request.
type fakeFetcher struct {
	fetched []string
	fail    map[string]error
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (crawler.PageSnapshot, error) {
	f.fetched = append(f.fetched, url)
	if err, ok := f.fail[url]; ok {
		return crawler.PageSnapshot{}, err
	}
	return crawler.PageSnapshot{ID: "snap", URL: url}, nil
}

type recordingSink struct {
	records []crawler.ItemRecord
	err     error
}

func (s *recordingSink) Append(_ context.Context, record crawler.ItemRecord) error {
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, record)
	return nil
}

func (s *recordingSink) Close() error { return nil }

type noopGovernor struct{}

func (noopGovernor) Wait(context.Context) error { return nil }

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newStore(t *testing.T) state.Store {
	t.Helper()
	store := state.NewFileStore(filepath.Join(t.TempDir(), "state.json"), zap.NewNop())
	_, err := store.Load(context.Background())
	require.NoError(t, err)
	return store
}

func newOrchestrator(
	store state.Store,
	fetcher orchestrate.Fetcher,
	adapters map[string]crawler.SiteAdapter,
	sink crawler.Sink,
	publisher crawler.Publisher,
	cfg orchestrate.Config,
) *orchestrate.Orchestrator {
	return orchestrate.New(
		store, fetcher, adapters, sink, publisher, noopGovernor{},
		fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		cfg, "run-test", zap.NewNop(),
	)
}

func TestRunDrainsBeforeAdvancingCursor(t *testing.T) {
	store := newStore(t)
	adapter := &fakeAdapter{base: "https://portal.example", listings: map[int]listingPage{
		1: {items: []string{"https://portal.example/item/a", "https://portal.example/item/b"}, hasNext: true},
		2: {items: []string{"https://portal.example/item/c"}},
	}}
	fetcher := &fakeFetcher{}
	sink := &recordingSink{}

	orch := newOrchestrator(store, fetcher, map[string]crawler.SiteAdapter{"portal": adapter}, sink, nil,
		orchestrate.Config{Targets: []string{"portal"}, Categories: []string{"physics"}})

	require.NoError(t, orch.Run(context.Background()))

	// Items from page one are drained before the second listing page loads.
	assert.Equal(t, []string{
		"https://portal.example/physics/page/1",
		"https://portal.example/item/a",
		"https://portal.example/item/b",
		"https://portal.example/physics/page/2",
		"https://portal.example/item/c",
	}, fetcher.fetched)

	u := store.Unit("portal", "physics")
	assert.Equal(t, crawler.UnitCompleted, u.Status)
	assert.Equal(t, 3, u.ItemsProcessed)
	assert.Empty(t, u.Pending)
	assert.Len(t, u.Completed, 3)
	assert.Equal(t, 3, u.Cursor)
	assert.NotNil(t, u.CompletedAt)
	assert.Len(t, sink.records, 3)
	assert.Equal(t, "portal", sink.records[0].Target)
	assert.Equal(t, "physics", sink.records[0].Category)
}

func TestRunExhaustedItemStillMakesProgress(t *testing.T) {
	store := newStore(t)
	adapter := &fakeAdapter{base: "https://portal.example", listings: map[int]listingPage{
		1: {items: []string{"https://portal.example/item/a", "https://portal.example/item/b"}},
	}}
	fetcher := &fakeFetcher{fail: map[string]error{
		"https://portal.example/item/b": &escalate.ExhaustedError{
			URL: "https://portal.example/item/b", Attempts: 10, LastSeen: "widget:cf-challenge",
		},
	}}
	sink := &recordingSink{}

	orch := newOrchestrator(store, fetcher, map[string]crawler.SiteAdapter{"portal": adapter}, sink, nil,
		orchestrate.Config{Targets: []string{"portal"}, Categories: []string{"physics"}})

	require.NoError(t, orch.Run(context.Background()))

	u := store.Unit("portal", "physics")
	assert.Equal(t, crawler.UnitCompleted, u.Status)
	assert.Empty(t, u.Pending, "an exhausted URL must not stall the queue")
	assert.True(t, u.IsItemDone("https://portal.example/item/b"))
	assert.Equal(t, 1, u.ItemsProcessed, "only the successful item counts")
	assert.Contains(t, u.LastError, "item/b")
	assert.Len(t, sink.records, 1)
}

func TestRunBlockedUnitLeftInProgress(t *testing.T) {
	store := newStore(t)
	adapterA := &fakeAdapter{base: "https://a.example", listings: map[int]listingPage{
		1: {items: []string{"https://a.example/item/x"}},
	}}
	adapterB := &fakeAdapter{base: "https://b.example", listings: map[int]listingPage{
		1: {items: []string{"https://b.example/item/y"}},
	}}
	fetcher := &fakeFetcher{fail: map[string]error{
		"https://a.example/item/x": &escalate.BlockedError{URL: "https://a.example/item/x", Indicator: "access denied"},
	}}
	sink := &recordingSink{}

	orch := newOrchestrator(store, fetcher,
		map[string]crawler.SiteAdapter{"a": adapterA, "b": adapterB}, sink, nil,
		orchestrate.Config{Targets: []string{"a", "b"}, Categories: []string{"physics"}})

	require.NoError(t, orch.Run(context.Background()), "a blocked unit does not abort the run")

	blocked := store.Unit("a", "physics")
	assert.Equal(t, crawler.UnitInProgress, blocked.Status, "blocked units stay resumable")
	assert.Contains(t, blocked.LastError, "blocked")
	assert.Equal(t, []string{"https://a.example/item/x"}, blocked.Pending)

	// The next target still ran.
	assert.Equal(t, crawler.UnitCompleted, store.Unit("b", "physics").Status)
	assert.Len(t, sink.records, 1)
}

func TestRunSkipsCompletedUnits(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Mutate(context.Background(), "portal", "physics", func(u *crawler.CrawlUnit) {
		u.Status = crawler.UnitCompleted
	}))

	fetcher := &fakeFetcher{}
	adapter := &fakeAdapter{base: "https://portal.example", listings: map[int]listingPage{}}

	orch := newOrchestrator(store, fetcher, map[string]crawler.SiteAdapter{"portal": adapter}, &recordingSink{}, nil,
		orchestrate.Config{Targets: []string{"portal"}, Categories: []string{"physics"}})

	require.NoError(t, orch.Run(context.Background()))
	assert.Empty(t, fetcher.fetched, "completed units must not be refetched")
}

func TestRunResumesPendingBeforeListing(t *testing.T) {
	store := newStore(t)
	// A previous run discovered two items and processed neither.
	require.NoError(t, store.Mutate(context.Background(), "portal", "physics", func(u *crawler.CrawlUnit) {
		u.Status = crawler.UnitInProgress
		u.Cursor = 2
		u.EnqueueItem("https://portal.example/item/a")
		u.EnqueueItem("https://portal.example/item/b")
	}))

	adapter := &fakeAdapter{base: "https://portal.example", listings: map[int]listingPage{
		2: {items: []string{"https://portal.example/item/c"}},
	}}
	fetcher := &fakeFetcher{}
	sink := &recordingSink{}

	orch := newOrchestrator(store, fetcher, map[string]crawler.SiteAdapter{"portal": adapter}, sink, nil,
		orchestrate.Config{Targets: []string{"portal"}, Categories: []string{"physics"}})

	require.NoError(t, orch.Run(context.Background()))

	// Leftover pending items drain before the cursor's listing page loads.
	assert.Equal(t, []string{
		"https://portal.example/item/a",
		"https://portal.example/item/b",
		"https://portal.example/physics/page/2",
		"https://portal.example/item/c",
	}, fetcher.fetched)
	assert.Equal(t, crawler.UnitCompleted, store.Unit("portal", "physics").Status)
}

func TestRunCategoriesArePhases(t *testing.T) {
	store := newStore(t)
	adapter := &fakeAdapter{base: "https://portal.example", listings: map[int]listingPage{}}
	fetcher := &fakeFetcher{}

	orch := newOrchestrator(store, fetcher,
		map[string]crawler.SiteAdapter{"a": adapter, "b": adapter}, &recordingSink{}, nil,
		orchestrate.Config{Targets: []string{"a", "b"}, Categories: []string{"physics", "chemistry"}})

	require.NoError(t, orch.Run(context.Background()))

	// Every target finishes one category before the next category begins.
	assert.Equal(t, []string{
		"https://portal.example/physics/page/1",
		"https://portal.example/physics/page/1",
		"https://portal.example/chemistry/page/1",
		"https://portal.example/chemistry/page/1",
	}, fetcher.fetched)
	assert.Equal(t, "chemistry", store.State().CurrentPhase)
}

func TestRunListingFailureMarksUnitError(t *testing.T) {
	store := newStore(t)
	adapter := &fakeAdapter{base: "https://portal.example", listings: map[int]listingPage{}}
	fetcher := &fakeFetcher{fail: map[string]error{
		"https://portal.example/physics/page/1": &escalate.ExhaustedError{
			URL: "https://portal.example/physics/page/1", Attempts: 10, LastSeen: "widget:cf-challenge",
		},
	}}

	orch := newOrchestrator(store, fetcher, map[string]crawler.SiteAdapter{"portal": adapter}, &recordingSink{}, nil,
		orchestrate.Config{Targets: []string{"portal"}, Categories: []string{"physics"}})

	require.NoError(t, orch.Run(context.Background()), "a failed listing page does not abort the run")

	u := store.Unit("portal", "physics")
	assert.Equal(t, crawler.UnitError, u.Status)
	assert.Contains(t, u.LastError, "physics/page/1")
}

func TestRunSinkFailureAborts(t *testing.T) {
	store := newStore(t)
	adapter := &fakeAdapter{base: "https://portal.example", listings: map[int]listingPage{
		1: {items: []string{"https://portal.example/item/a"}},
	}}
	sink := &recordingSink{err: errors.New("disk full")}

	orch := newOrchestrator(store, &fakeFetcher{}, map[string]crawler.SiteAdapter{"portal": adapter}, sink, nil,
		orchestrate.Config{Targets: []string{"portal"}, Categories: []string{"physics"}})

	err := orch.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	// The item stays pending for the next run.
	assert.Equal(t, []string{"https://portal.example/item/a"}, store.Unit("portal", "physics").Pending)
}

func TestRunPublishesItemEvents(t *testing.T) {
	store := newStore(t)
	adapter := &fakeAdapter{base: "https://portal.example", listings: map[int]listingPage{
		1: {items: []string{"https://portal.example/item/a"}},
	}}
	publisher := memorypublisher.New()

	orch := newOrchestrator(store, &fakeFetcher{}, map[string]crawler.SiteAdapter{"portal": adapter}, &recordingSink{}, publisher,
		orchestrate.Config{Targets: []string{"portal"}, Categories: []string{"physics"}, Topic: "items-done"})

	require.NoError(t, orch.Run(context.Background()))

	messages := publisher.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "items-done", messages[0].Topic)
	assert.Contains(t, string(messages[0].Data), "https://portal.example/item/a")
}

func TestRunMissingAdapterFails(t *testing.T) {
	store := newStore(t)
	orch := newOrchestrator(store, &fakeFetcher{}, map[string]crawler.SiteAdapter{}, &recordingSink{}, nil,
		orchestrate.Config{Targets: []string{"portal"}, Categories: []string{"physics"}})

	err := orch.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no site adapter")
}

func TestRunHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := newStore(t)
	fetcher := &fakeFetcher{}
	orch := newOrchestrator(store, fetcher, map[string]crawler.SiteAdapter{}, &recordingSink{}, nil,
		orchestrate.Config{Targets: []string{"portal"}, Categories: []string{"physics"}})

	err := orch.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, fetcher.fetched)
}
