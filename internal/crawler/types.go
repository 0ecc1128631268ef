// Package crawler defines the core types shared across the crawl subsystems:
// crawl units, the persisted global state, page snapshots and challenge
// verdicts.
package crawler

import (
	"time"
)

// UnitStatus represents the lifecycle state of a crawl unit.
type UnitStatus string

// Unit status values persisted in the progress store.
const (
	UnitNotStarted UnitStatus = "not_started"
	UnitInProgress UnitStatus = "in_progress"
	UnitCompleted  UnitStatus = "completed"
	UnitError      UnitStatus = "error"
)

// CrawlUnit tracks progress for one (target, category) pair. Pending and
// Completed are disjoint at all times; EnqueueItem and MarkItemDone are the
// only mutators and both preserve that.
type CrawlUnit struct {
	Target         string     `json:"target"`
	Category       string     `json:"category"`
	Status         UnitStatus `json:"status"`
	Cursor         int        `json:"cursor"`
	Pending        []string   `json:"pending"`
	Completed      []string   `json:"completed"`
	ItemsProcessed int        `json:"items_processed"`
	LastError      string     `json:"last_error,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`

	completedIdx map[string]struct{}
	pendingIdx   map[string]struct{}
}

// NewCrawlUnit returns a fresh unit in not_started state.
func NewCrawlUnit(target, category string) *CrawlUnit {
	u := &CrawlUnit{
		Target:   target,
		Category: category,
		Status:   UnitNotStarted,
	}
	u.Reindex()
	return u
}

// Reindex rebuilds the internal lookup sets from the persisted slices.
// Must be called after unmarshalling a unit from storage.
func (u *CrawlUnit) Reindex() {
	u.completedIdx = make(map[string]struct{}, len(u.Completed))
	for _, url := range u.Completed {
		u.completedIdx[url] = struct{}{}
	}
	u.pendingIdx = make(map[string]struct{}, len(u.Pending))
	for _, url := range u.Pending {
		u.pendingIdx[url] = struct{}{}
	}
}

// EnqueueItem appends url to the pending queue unless it is already pending
// or already completed. Returns true if the URL was added.
func (u *CrawlUnit) EnqueueItem(url string) bool {
	if url == "" {
		return false
	}
	if _, done := u.completedIdx[url]; done {
		return false
	}
	if _, queued := u.pendingIdx[url]; queued {
		return false
	}
	u.Pending = append(u.Pending, url)
	u.pendingIdx[url] = struct{}{}
	return true
}

// MarkItemDone removes url from pending and adds it to completed. Adding an
// already-completed URL is a no-op, not an error.
func (u *CrawlUnit) MarkItemDone(url string) {
	if _, queued := u.pendingIdx[url]; queued {
		delete(u.pendingIdx, url)
		for i, pending := range u.Pending {
			if pending == url {
				u.Pending = append(u.Pending[:i], u.Pending[i+1:]...)
				break
			}
		}
	}
	if _, done := u.completedIdx[url]; done {
		return
	}
	u.Completed = append(u.Completed, url)
	u.completedIdx[url] = struct{}{}
}

// IsItemDone reports whether url has already been processed.
func (u *CrawlUnit) IsItemDone(url string) bool {
	_, done := u.completedIdx[url]
	return done
}

// NextPending returns the head of the pending queue, or "" when empty.
func (u *CrawlUnit) NextPending() string {
	if len(u.Pending) == 0 {
		return ""
	}
	return u.Pending[0]
}

// GlobalState is the single persisted record: every crawl unit in declaration
// order plus the category phase currently being processed across all targets.
type GlobalState struct {
	CurrentPhase string       `json:"current_phase"`
	Units        []*CrawlUnit `json:"units"`
}

// NewGlobalState returns an empty state.
func NewGlobalState() *GlobalState {
	return &GlobalState{}
}

// Reindex rebuilds the lookup sets of every unit after unmarshalling.
func (s *GlobalState) Reindex() {
	for _, u := range s.Units {
		u.Reindex()
	}
}

// Unit returns the unit for (target, category), creating it lazily on first
// access. Lazy creation is not considered a mutation.
func (s *GlobalState) Unit(target, category string) *CrawlUnit {
	for _, u := range s.Units {
		if u.Target == target && u.Category == category {
			return u
		}
	}
	u := NewCrawlUnit(target, category)
	s.Units = append(s.Units, u)
	return u
}

// Verdict classifies a fetched page.
type Verdict string

// Verdict values, ordered by severity.
const (
	VerdictClear     Verdict = "clear"
	VerdictChallenge Verdict = "challenge"
	VerdictBlocked   Verdict = "blocked"
)

// ChallengeOutcome is the transient result of classifying one snapshot.
// It is never persisted.
type ChallengeOutcome struct {
	Verdict   Verdict
	Indicator string
	SiteKey   string
}

// Engine identifies which browser implementation performs a fetch.
type Engine string

// Known engines. The alternate engine is a second browser binary with its own
// allocator profile.
const (
	EngineChromium Engine = "chromium"
	EngineEdge     Engine = "edge"
)

// Visibility selects headless or visible rendering.
type Visibility string

// Rendering modes.
const (
	VisibilityHeadless Visibility = "headless"
	VisibilityHeadful  Visibility = "headful"
)

// PageSnapshot is the observable result of one navigation: enough of the page
// to classify and extract from. Body holds a bounded prefix of the rendered
// DOM. ID ties the snapshot to the live browser tab for Evaluate/Screenshot.
type PageSnapshot struct {
	ID          string
	URL         string
	FinalURL    string
	Title       string
	StatusCode  int
	Body        []byte
	CookieNames []string
	Engine      Engine
	Visibility  Visibility
	FetchedAt   time.Time
}

// ItemRecord is one extracted detail page, appended to the output sink.
type ItemRecord struct {
	URL       string
	Target    string
	Category  string
	Fields    map[string]string
	UpdatedAt time.Time
}
