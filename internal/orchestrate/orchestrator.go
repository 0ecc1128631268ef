// Package orchestrate drives the two-phase crawl loop: discover listing
// pages, drain the discovered items, one unit at a time, with every
// transition persisted before the next fetch begins.
package orchestrate

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/studyatlas/portal-crawler/internal/crawler"
	"github.com/studyatlas/portal-crawler/internal/escalate"
	"github.com/studyatlas/portal-crawler/internal/metrics"
	"github.com/studyatlas/portal-crawler/internal/state"
)

// Fetcher performs one escalated fetch. Satisfied by *escalate.Escalator.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (crawler.PageSnapshot, error)
}

// Config declares the work: targets and category phases in processing order.
type Config struct {
	Targets    []string
	Categories []string
	// Topic receives per-item completion events when a publisher is set.
	Topic string
}

// Orchestrator walks every (target, category) unit. Categories are processed
// as barrier-synchronized phases: all targets finish one category before the
// next begins.
type Orchestrator struct {
	store     state.Store
	fetcher   Fetcher
	adapters  map[string]crawler.SiteAdapter
	sink      crawler.Sink
	publisher crawler.Publisher
	governor  crawler.Governor
	clock     crawler.Clock
	cfg       Config
	runID     string
	logger    *zap.Logger
}

// New constructs an Orchestrator. publisher may be nil.
func New(
	store state.Store,
	fetcher Fetcher,
	adapters map[string]crawler.SiteAdapter,
	sink crawler.Sink,
	publisher crawler.Publisher,
	governor crawler.Governor,
	clock crawler.Clock,
	cfg Config,
	runID string,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:     store,
		fetcher:   fetcher,
		adapters:  adapters,
		sink:      sink,
		publisher: publisher,
		governor:  governor,
		clock:     clock,
		cfg:       cfg,
		runID:     runID,
		logger:    logger,
	}
}

// Run processes every unit in declared order. Completed units are skipped,
// blocked units are left in_progress for a later run, and persistence
// failures abort the run. Cancellation is honored between fetches only.
func (o *Orchestrator) Run(ctx context.Context) error {
	for _, category := range o.cfg.Categories {
		if err := o.store.SetPhase(ctx, category); err != nil {
			return err
		}
		for _, target := range o.cfg.Targets {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("run canceled: %w", err)
			}
			if o.store.IsDone(target, category) {
				o.logger.Debug("unit already completed, skipping",
					zap.String("target", target), zap.String("category", category))
				continue
			}
			if err := o.runUnit(ctx, target, category); err != nil {
				var blocked *escalate.BlockedError
				if errors.As(err, &blocked) {
					// Leave the unit in_progress; a later run, possibly
					// from another network context, resumes it.
					o.logger.Warn("unit blocked, moving on",
						zap.String("target", target),
						zap.String("category", category),
						zap.String("indicator", blocked.Indicator))
					metrics.ObserveBlock(target)
					continue
				}
				return err
			}
		}
	}
	o.updateProgressGauge()
	return nil
}

func (o *Orchestrator) runUnit(ctx context.Context, target, category string) error {
	adapter, ok := o.adapters[target]
	if !ok {
		return fmt.Errorf("no site adapter registered for target %q", target)
	}

	err := o.store.Mutate(ctx, target, category, func(u *crawler.CrawlUnit) {
		u.Status = crawler.UnitInProgress
		if u.StartedAt == nil {
			now := o.clock.Now()
			u.StartedAt = &now
		}
		if u.Cursor == 0 {
			u.Cursor = 1
		}
	})
	if err != nil {
		return err
	}
	o.updateProgressGauge()
	o.logger.Info("unit started",
		zap.String("run_id", o.runID),
		zap.String("target", target),
		zap.String("category", category),
		zap.Int("cursor", o.store.Unit(target, category).Cursor),
		zap.Int("pending", len(o.store.Unit(target, category).Pending)))

	// Resume: drain whatever the previous run left pending before touching
	// the next listing page.
	if err := o.drain(ctx, target, category, adapter); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("unit canceled: %w", err)
		}

		unit := o.store.Unit(target, category)
		listingURL := adapter.ListingURL(category, unit.Cursor)

		if err := o.governor.Wait(ctx); err != nil {
			return err
		}
		snap, err := o.fetcher.Fetch(ctx, listingURL)
		if err != nil {
			return o.recordListingFailure(ctx, target, category, listingURL, err)
		}

		items, hasNext, err := adapter.DiscoverItems(snap)
		if err != nil {
			return o.recordListingFailure(ctx, target, category, listingURL,
				fmt.Errorf("discover items: %w", err))
		}

		// Enqueue what is new and advance the cursor in one durable step;
		// at most one listing page of discovered work is ever at risk.
		added := 0
		err = o.store.Mutate(ctx, target, category, func(u *crawler.CrawlUnit) {
			for _, item := range items {
				if u.EnqueueItem(item) {
					added++
				}
			}
			u.Cursor++
		})
		if err != nil {
			return err
		}
		o.logger.Info("listing page processed",
			zap.String("target", target),
			zap.String("category", category),
			zap.String("url", listingURL),
			zap.Int("discovered", len(items)),
			zap.Int("enqueued", added),
			zap.Bool("has_next", hasNext))

		if err := o.drain(ctx, target, category, adapter); err != nil {
			return err
		}

		if !hasNext {
			break
		}
	}

	err = o.store.Mutate(ctx, target, category, func(u *crawler.CrawlUnit) {
		if len(u.Pending) == 0 {
			u.Status = crawler.UnitCompleted
			now := o.clock.Now()
			u.CompletedAt = &now
		}
	})
	if err != nil {
		return err
	}
	o.updateProgressGauge()
	o.logger.Info("unit completed",
		zap.String("target", target),
		zap.String("category", category),
		zap.Int("items_processed", o.store.Unit(target, category).ItemsProcessed))
	return nil
}

// drain fetches every currently pending item URL, marking each one done as it
// finishes. A URL that exhausts the escalation ladder is still marked done so
// a poison URL cannot stall the crawl; only a hard block stops the unit.
func (o *Orchestrator) drain(ctx context.Context, target, category string, adapter crawler.SiteAdapter) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("drain canceled: %w", err)
		}

		url := o.store.Unit(target, category).NextPending()
		if url == "" {
			return nil
		}

		if err := o.governor.Wait(ctx); err != nil {
			return err
		}
		snap, err := o.fetcher.Fetch(ctx, url)
		if err != nil {
			var blocked *escalate.BlockedError
			if errors.As(err, &blocked) {
				if merr := o.store.Mutate(ctx, target, category, func(u *crawler.CrawlUnit) {
					u.LastError = blocked.Error()
				}); merr != nil {
					return merr
				}
				return blocked
			}

			var exhausted *escalate.ExhaustedError
			if errors.As(err, &exhausted) {
				o.logger.Warn("item exhausted escalation budget, skipping",
					zap.String("target", target), zap.String("url", url))
				metrics.ObserveURLExhausted(target)
				if merr := o.store.Mutate(ctx, target, category, func(u *crawler.CrawlUnit) {
					u.MarkItemDone(url)
					u.LastError = exhausted.Error()
				}); merr != nil {
					return merr
				}
				continue
			}

			return err
		}

		record, err := adapter.ExtractItem(snap)
		if err != nil {
			o.logger.Warn("item extraction failed, skipping",
				zap.String("target", target), zap.String("url", url), zap.Error(err))
			if merr := o.store.Mutate(ctx, target, category, func(u *crawler.CrawlUnit) {
				u.MarkItemDone(url)
				u.LastError = fmt.Sprintf("extract %s: %v", url, err)
			}); merr != nil {
				return merr
			}
			continue
		}

		record.Target = target
		record.Category = category
		record.UpdatedAt = o.clock.Now()
		if err := o.sink.Append(ctx, record); err != nil {
			// The sink is the whole point of the run; a failing sink is not
			// something to crawl past.
			return fmt.Errorf("append item %s: %w", url, err)
		}
		o.publishItem(ctx, record)

		if err := o.store.Mutate(ctx, target, category, func(u *crawler.CrawlUnit) {
			u.MarkItemDone(url)
			u.ItemsProcessed++
		}); err != nil {
			return err
		}
		metrics.ObserveItemScraped(target, category)
	}
}

func (o *Orchestrator) recordListingFailure(ctx context.Context, target, category, url string, cause error) error {
	var blocked *escalate.BlockedError
	if errors.As(cause, &blocked) {
		if err := o.store.Mutate(ctx, target, category, func(u *crawler.CrawlUnit) {
			u.LastError = blocked.Error()
		}); err != nil {
			return err
		}
		return blocked
	}
	if ctx.Err() != nil {
		return cause
	}

	// Discovery cannot continue past a listing page that will not load, but
	// the rest of the run can; mark the unit errored and move on.
	o.logger.Error("listing page failed",
		zap.String("target", target),
		zap.String("category", category),
		zap.String("url", url),
		zap.Error(cause))
	return o.store.Mutate(ctx, target, category, func(u *crawler.CrawlUnit) {
		u.Status = crawler.UnitError
		u.LastError = cause.Error()
	})
}

func (o *Orchestrator) publishItem(ctx context.Context, record crawler.ItemRecord) {
	if o.publisher == nil || o.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"run_id":    o.runID,
		"url":       record.URL,
		"target":    record.Target,
		"category":  record.Category,
		"timestamp": record.UpdatedAt,
	}
	if _, err := o.publisher.Publish(ctx, o.cfg.Topic, payload); err != nil {
		o.logger.Warn("item event publish failed",
			zap.String("url", record.URL), zap.Error(err))
	}
}

func (o *Orchestrator) updateProgressGauge() {
	inProgress := 0
	for _, u := range o.store.State().Units {
		if u.Status == crawler.UnitInProgress {
			inProgress++
		}
	}
	metrics.SetUnitsInProgress(inProgress)
}
