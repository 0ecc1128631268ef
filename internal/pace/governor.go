// Package pace spreads fetches out over time. Pacing is policy, not
// correctness: it is kept apart from retry and escalation logic.
package pace

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/time/rate"

	"github.com/studyatlas/portal-crawler/internal/metrics"
)

// Governor blocks between fetches for a base delay plus bounded random
// jitter. A token bucket caps sustained request rate on top of the delay so
// bursts after long item fetches stay polite.
type Governor struct {
	baseDelay time.Duration
	maxJitter time.Duration
	limiter   *rate.Limiter
}

// New builds a Governor. maxJitter <= 0 disables jitter.
func New(baseDelay, maxJitter time.Duration) *Governor {
	limit := rate.Inf
	if baseDelay > 0 {
		limit = rate.Every(baseDelay)
	}
	return &Governor{
		baseDelay: baseDelay,
		maxJitter: maxJitter,
		limiter:   rate.NewLimiter(limit, 1),
	}
}

// Wait blocks for the governed interval or until ctx is canceled.
func (g *Governor) Wait(ctx context.Context) error {
	start := time.Now()
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pace wait: %w", err)
	}
	if jitter := randomJitter(g.maxJitter); jitter > 0 {
		timer := time.NewTimer(jitter)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return fmt.Errorf("pace wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
	metrics.ObservePaceDelay(time.Since(start))
	return nil
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
