package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gcpubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/studyatlas/portal-crawler/internal/api"
	"github.com/studyatlas/portal-crawler/internal/artifacts"
	"github.com/studyatlas/portal-crawler/internal/config"
	"github.com/studyatlas/portal-crawler/internal/crawler"
	"github.com/studyatlas/portal-crawler/internal/escalate"
	"github.com/studyatlas/portal-crawler/internal/metrics"
	"github.com/studyatlas/portal-crawler/internal/orchestrate"
	"github.com/studyatlas/portal-crawler/internal/pace"
	pubsubpublisher "github.com/studyatlas/portal-crawler/internal/publisher/pubsub"
	"github.com/studyatlas/portal-crawler/internal/sink"
	"github.com/studyatlas/portal-crawler/internal/sites"
	"github.com/studyatlas/portal-crawler/internal/solver"
	"github.com/studyatlas/portal-crawler/internal/state"
)

// newRunCmd creates the 'run' subcommand, which executes (or resumes) the
// configured crawl until it completes or is stopped.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run or resume the configured crawl",
		Long: `Walks every configured category across every target, resuming from
persisted progress. Interrupting the process (SIGINT/SIGTERM) stops at the
next step boundary; a later run continues from the saved state.`,
		RunE: runCrawl,
	}
}

func runCrawl(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	store, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	adapters, err := sites.NewRegistry(cfg.Targets)
	if err != nil {
		return err
	}

	browse, err := buildBrowser(cfg, logger)
	if err != nil {
		return err
	}
	defer browse.Close() //nolint:errcheck

	classifier := crawler.NewRuleClassifier(
		cfg.Classifier.BlockMarkers,
		cfg.Classifier.TitleMarkers,
		cfg.Classifier.WidgetMarkers,
		cfg.Classifier.ChallengeCookies,
	)

	var solve crawler.Solver
	if cfg.Solver.Enabled {
		client, err := solver.New(solver.Config{
			BaseURL:      cfg.Solver.BaseURL,
			APIKey:       cfg.Solver.APIKey,
			PollInterval: time.Duration(cfg.Solver.PollIntervalSec) * time.Second,
		}, logger.Named("solver"))
		if err != nil {
			return err
		}
		solve = client
	}

	blobs, err := buildArtifacts(ctx, cfg)
	if err != nil {
		return err
	}

	var publisher crawler.Publisher
	if cfg.Events.Enabled {
		client, err := gcpubsub.NewClient(ctx, cfg.Events.ProjectID)
		if err != nil {
			return fmt.Errorf("connect pubsub: %w", err)
		}
		defer client.Close() //nolint:errcheck
		events, err := pubsubpublisher.New(client)
		if err != nil {
			return err
		}
		defer events.Close()
		publisher = events
	}

	output, err := sink.NewXLSX(cfg.Output.Path, outputColumns(cfg), logger.Named("sink"))
	if err != nil {
		return err
	}
	defer output.Close() //nolint:errcheck

	fetcher := escalate.New(browse, classifier, solve, blobs, escalate.Config{
		PrimaryEngine:   crawler.Engine(cfg.Browser.PrimaryEngine),
		AlternateEngine: crawler.Engine(cfg.Browser.AlternateEngine),
		StepTimeout:     cfg.Crawl.StepTimeout(),
		SolveTimeout:    cfg.Crawl.SolveTimeout(),
		MaxRounds:       cfg.Crawl.MaxRounds,
	}, logger.Named("escalate"))

	governor := pace.New(cfg.Crawl.BaseDelay(), cfg.Crawl.Jitter())

	runID := uuid.NewString()
	orch := orchestrate.New(
		store,
		fetcher,
		adapters,
		output,
		publisher,
		governor,
		crawler.SystemClock{},
		orchestrate.Config{
			Targets:    cfg.TargetNames(),
			Categories: cfg.Categories,
			Topic:      cfg.Events.Topic,
		},
		runID,
		logger.Named("orchestrate"),
	)

	shutdownServer := startStatusServer(cfg, store, logger, stop)
	defer shutdownServer()

	logger.Info("crawl started", zap.String("run_id", runID),
		zap.Strings("targets", cfg.TargetNames()),
		zap.Strings("categories", cfg.Categories))

	if err := orch.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("crawl interrupted, progress saved")
			return nil
		}
		return fmt.Errorf("run crawl: %w", err)
	}

	logger.Info("crawl finished", zap.String("run_id", runID))
	return nil
}

func buildArtifacts(ctx context.Context, cfg config.Config) (crawler.BlobStore, error) {
	switch cfg.Artifacts.Backend {
	case "none":
		return nil, nil
	case "local":
		return artifacts.NewLocal(cfg.Artifacts.Dir)
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("connect gcs: %w", err)
		}
		return artifacts.NewGCS(client, cfg.Artifacts.Bucket)
	default:
		return nil, fmt.Errorf("unknown artifacts backend %q", cfg.Artifacts.Backend)
	}
}

// startStatusServer starts the read-only status HTTP server when a port is
// configured. The returned func shuts it down.
func startStatusServer(cfg config.Config, store state.Store, logger *zap.Logger, stop func()) func() {
	if cfg.Server.Port <= 0 {
		return func() {}
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewServer(store, logger.Named("api")).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("status server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server error", zap.Error(err))
			stop()
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("status server shutdown error", zap.Error(err))
		}
	}
}
