// Package metrics exposes Prometheus collectors for the crawl run.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchAttemptsTotal  *prometheus.CounterVec
	challengesTotal     *prometheus.CounterVec
	blocksTotal         *prometheus.CounterVec
	itemsScrapedTotal   *prometheus.CounterVec
	urlsExhaustedTotal  *prometheus.CounterVec
	solveAttemptsTotal  *prometheus.CounterVec
	paceDelaySeconds    prometheus.Histogram
	unitsInProgress     prometheus.Gauge

	once sync.Once
)

// Init registers the collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_fetch_attempts_total",
				Help: "Fetch attempts, labeled by strategy step and verdict.",
			},
			[]string{"engine", "visibility", "verdict"},
		)
		challengesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_challenges_total",
				Help: "Challenge interstitials encountered, labeled by indicator.",
			},
			[]string{"indicator"},
		)
		blocksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_blocks_total",
				Help: "Hard blocks encountered, labeled by target.",
			},
			[]string{"target"},
		)
		itemsScrapedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_items_scraped_total",
				Help: "Items appended to the sink, labeled by target and category.",
			},
			[]string{"target", "category"},
		)
		urlsExhaustedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_urls_exhausted_total",
				Help: "URLs that exhausted the escalation ladder, labeled by target.",
			},
			[]string{"target"},
		)
		solveAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_solve_attempts_total",
				Help: "Puzzle solver invocations, labeled by result.",
			},
			[]string{"result"},
		)
		paceDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawl_pace_delay_seconds",
				Help:    "Inter-request pacing waits.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
			},
		)
		unitsInProgress = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawl_units_in_progress",
				Help: "Crawl units currently being worked.",
			},
		)
	})
}

// ObserveFetchAttempt counts one ladder attempt.
func ObserveFetchAttempt(engine, visibility, verdict string) {
	if fetchAttemptsTotal == nil {
		return
	}
	fetchAttemptsTotal.WithLabelValues(engine, visibility, verdict).Inc()
}

// ObserveChallenge counts one challenge interstitial.
func ObserveChallenge(indicator string) {
	if challengesTotal == nil {
		return
	}
	challengesTotal.WithLabelValues(indicator).Inc()
}

// ObserveBlock counts one hard block.
func ObserveBlock(target string) {
	if blocksTotal == nil {
		return
	}
	blocksTotal.WithLabelValues(target).Inc()
}

// ObserveItemScraped counts one record appended to the sink.
func ObserveItemScraped(target, category string) {
	if itemsScrapedTotal == nil {
		return
	}
	itemsScrapedTotal.WithLabelValues(target, category).Inc()
}

// ObserveURLExhausted counts one URL that ran out of escalation budget.
func ObserveURLExhausted(target string) {
	if urlsExhaustedTotal == nil {
		return
	}
	urlsExhaustedTotal.WithLabelValues(target).Inc()
}

// ObserveSolveAttempt counts one solver invocation by result.
func ObserveSolveAttempt(result string) {
	if solveAttemptsTotal == nil {
		return
	}
	solveAttemptsTotal.WithLabelValues(result).Inc()
}

// ObservePaceDelay records one pacing wait.
func ObservePaceDelay(d time.Duration) {
	if paceDelaySeconds == nil {
		return
	}
	paceDelaySeconds.Observe(d.Seconds())
}

// SetUnitsInProgress publishes how many units are mid-flight.
func SetUnitsInProgress(n int) {
	if unitsInProgress == nil {
		return
	}
	unitsInProgress.Set(float64(n))
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
