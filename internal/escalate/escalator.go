// Package escalate implements the fetch strategy ladder: each challenged
// attempt moves to a costlier strategy until the page comes back clear, the
// site hard-blocks, or the retry budget runs out.
package escalate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/studyatlas/portal-crawler/internal/crawler"
	"github.com/studyatlas/portal-crawler/internal/metrics"
)

// Strategy is one rung of the escalation ladder.
type Strategy struct {
	Engine     crawler.Engine
	Visibility crawler.Visibility
	Solve      bool
	Timeout    time.Duration
}

func (s Strategy) String() string {
	label := fmt.Sprintf("%s/%s", s.Engine, s.Visibility)
	if s.Solve {
		label += "+solver"
	}
	return label
}

// Config controls ladder construction and the retry budget.
type Config struct {
	PrimaryEngine   crawler.Engine
	AlternateEngine crawler.Engine
	StepTimeout     time.Duration
	SolveTimeout    time.Duration
	// MaxRounds bounds full ladder passes per URL so a poison URL cannot
	// cycle forever.
	MaxRounds int
}

func (c *Config) applyDefaults() {
	if c.PrimaryEngine == "" {
		c.PrimaryEngine = crawler.EngineChromium
	}
	if c.AlternateEngine == "" {
		c.AlternateEngine = crawler.EngineEdge
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 45 * time.Second
	}
	if c.SolveTimeout <= 0 {
		c.SolveTimeout = 2 * time.Minute
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = 2
	}
}

// BlockedError reports a hard block: the remaining ladder was skipped because
// no engine swap will clear an IP or fingerprint block.
type BlockedError struct {
	URL       string
	Indicator string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked fetching %s (%s)", e.URL, e.Indicator)
}

// ExhaustedError reports that every ladder step in every allowed round
// failed to produce a clear page.
type ExhaustedError struct {
	URL      string
	Attempts int
	LastSeen string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("escalation exhausted for %s after %d attempts (last: %s)",
		e.URL, e.Attempts, e.LastSeen)
}

// Escalator walks the ladder for one URL at a time.
type Escalator struct {
	browser    crawler.Browser
	classifier crawler.Classifier
	solver     crawler.Solver
	artifacts  crawler.BlobStore
	cfg        Config
	logger     *zap.Logger
}

// New constructs an Escalator. solver and artifacts may be nil; the solving
// rungs then degrade to plain retries and no screenshots are kept.
func New(
	browser crawler.Browser,
	classifier crawler.Classifier,
	solver crawler.Solver,
	artifacts crawler.BlobStore,
	cfg Config,
	logger *zap.Logger,
) *Escalator {
	cfg.applyDefaults()
	return &Escalator{
		browser:    browser,
		classifier: classifier,
		solver:     solver,
		artifacts:  artifacts,
		cfg:        cfg,
		logger:     logger,
	}
}

// Ladder returns the ordered strategies for one pass: primary headless,
// primary headless with the solver, primary headful, then the alternate
// engine headless without and with the solver.
func (e *Escalator) Ladder() []Strategy {
	return []Strategy{
		{Engine: e.cfg.PrimaryEngine, Visibility: crawler.VisibilityHeadless, Timeout: e.cfg.StepTimeout},
		{Engine: e.cfg.PrimaryEngine, Visibility: crawler.VisibilityHeadless, Solve: true, Timeout: e.cfg.StepTimeout},
		{Engine: e.cfg.PrimaryEngine, Visibility: crawler.VisibilityHeadful, Timeout: e.cfg.StepTimeout},
		{Engine: e.cfg.AlternateEngine, Visibility: crawler.VisibilityHeadless, Timeout: e.cfg.StepTimeout},
		{Engine: e.cfg.AlternateEngine, Visibility: crawler.VisibilityHeadless, Solve: true, Timeout: e.cfg.StepTimeout},
	}
}

// Fetch runs the ladder for url. It returns the first clear snapshot, a
// *BlockedError when any step classifies as blocked, or an *ExhaustedError
// once the retry budget is spent.
func (e *Escalator) Fetch(ctx context.Context, url string) (crawler.PageSnapshot, error) {
	ladder := e.Ladder()
	attempts := 0
	lastSeen := "no attempt completed"

	for round := 0; round < e.cfg.MaxRounds; round++ {
		for _, step := range ladder {
			if err := ctx.Err(); err != nil {
				return crawler.PageSnapshot{}, fmt.Errorf("fetch canceled: %w", err)
			}
			attempts++

			snap, outcome, err := e.attempt(ctx, url, step)
			if err != nil {
				lastSeen = err.Error()
				e.logger.Warn("fetch attempt failed",
					zap.String("url", url),
					zap.Stringer("strategy", step),
					zap.Error(err))
				metrics.ObserveFetchAttempt(string(step.Engine), string(step.Visibility), "error")
				continue
			}
			metrics.ObserveFetchAttempt(string(step.Engine), string(step.Visibility), string(outcome.Verdict))

			switch outcome.Verdict {
			case crawler.VerdictClear:
				return snap, nil
			case crawler.VerdictBlocked:
				e.keepArtifact(ctx, snap, "blocked")
				return crawler.PageSnapshot{}, &BlockedError{URL: url, Indicator: outcome.Indicator}
			case crawler.VerdictChallenge:
				lastSeen = outcome.Indicator
				metrics.ObserveChallenge(outcome.Indicator)
				e.logger.Info("challenge encountered",
					zap.String("url", url),
					zap.Stringer("strategy", step),
					zap.String("indicator", outcome.Indicator))
			}
		}
	}

	return crawler.PageSnapshot{}, &ExhaustedError{URL: url, Attempts: attempts, LastSeen: lastSeen}
}

// attempt performs one navigation with the step's strategy. When the step
// carries the solver and the challenge exposes a site key, the token is
// submitted in-page and the page re-read before classifying again.
func (e *Escalator) attempt(ctx context.Context, url string, step Strategy) (crawler.PageSnapshot, crawler.ChallengeOutcome, error) {
	snap, err := e.browser.Navigate(ctx, url, crawler.NavigateOptions{
		Engine:     step.Engine,
		Visibility: step.Visibility,
		Timeout:    step.Timeout,
	})
	if err != nil {
		return crawler.PageSnapshot{}, crawler.ChallengeOutcome{}, fmt.Errorf("navigate: %w", err)
	}

	outcome := e.classifier.Classify(snap)
	if outcome.Verdict != crawler.VerdictChallenge || !step.Solve {
		return snap, outcome, nil
	}

	solved, solvedSnap := e.trySolve(ctx, url, step, snap, outcome)
	if !solved {
		return snap, outcome, nil
	}
	return solvedSnap, e.classifier.Classify(solvedSnap), nil
}

func (e *Escalator) trySolve(
	ctx context.Context,
	url string,
	step Strategy,
	snap crawler.PageSnapshot,
	outcome crawler.ChallengeOutcome,
) (bool, crawler.PageSnapshot) {
	if e.solver == nil || outcome.SiteKey == "" {
		return false, crawler.PageSnapshot{}
	}

	token, err := e.solver.Solve(ctx, outcome.SiteKey, url, e.cfg.SolveTimeout)
	if err != nil {
		metrics.ObserveSolveAttempt("error")
		e.logger.Warn("solver failed", zap.String("url", url), zap.Error(err))
		return false, crawler.PageSnapshot{}
	}

	if _, err := e.browser.Evaluate(ctx, snap, submitTokenScript(token)); err != nil {
		metrics.ObserveSolveAttempt("submit_error")
		e.logger.Warn("token submission failed", zap.String("url", url), zap.Error(err))
		return false, crawler.PageSnapshot{}
	}

	// The widget reloads the page after accepting the token; re-read it
	// with the same strategy to observe the result.
	solvedSnap, err := e.browser.Navigate(ctx, url, crawler.NavigateOptions{
		Engine:     step.Engine,
		Visibility: step.Visibility,
		Timeout:    step.Timeout,
	})
	if err != nil {
		metrics.ObserveSolveAttempt("reload_error")
		return false, crawler.PageSnapshot{}
	}
	metrics.ObserveSolveAttempt("ok")
	return true, solvedSnap
}

func (e *Escalator) keepArtifact(ctx context.Context, snap crawler.PageSnapshot, kind string) {
	if e.artifacts == nil {
		return
	}
	img, err := e.browser.Screenshot(ctx, snap)
	if err != nil {
		e.logger.Debug("screenshot failed", zap.String("url", snap.URL), zap.Error(err))
		return
	}
	path := fmt.Sprintf("%s/%s-%s.png", kind, time.Now().UTC().Format("20060102T150405"), uuid.NewString()[:8])
	uri, err := e.artifacts.PutObject(ctx, path, "image/png", img)
	if err != nil {
		e.logger.Warn("artifact store failed", zap.String("url", snap.URL), zap.Error(err))
		return
	}
	e.logger.Info("kept challenge artifact",
		zap.String("url", snap.URL), zap.String("artifact", uri))
}

// submitTokenScript injects the solver token into whichever known widget
// response field the page carries and resubmits the enclosing form.
func submitTokenScript(token string) string {
	return fmt.Sprintf(`(() => {
	const fields = document.querySelectorAll(
		'[name="cf-turnstile-response"],[name="g-recaptcha-response"],[name="h-captcha-response"]');
	if (fields.length === 0) { return false; }
	for (const field of fields) { field.value = %q; }
	const form = fields[0].closest('form');
	if (form) { form.submit(); }
	return true;
})()`, token)
}
