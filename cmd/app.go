package cmd

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/studyatlas/portal-crawler/internal/browser"
	"github.com/studyatlas/portal-crawler/internal/config"
	"github.com/studyatlas/portal-crawler/internal/crawler"
	"github.com/studyatlas/portal-crawler/internal/logging"
	"github.com/studyatlas/portal-crawler/internal/state"
)

// setup loads configuration and builds the logger shared by every command.
func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return config.Config{}, nil, err
	}
	zap.ReplaceGlobals(logger)
	return cfg, logger, nil
}

// buildStore constructs the configured progress store and loads its state.
func buildStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (state.Store, error) {
	var store state.Store
	switch cfg.State.Backend {
	case "file":
		store = state.NewFileStore(cfg.State.Path, logger.Named("state"))
	case "postgres":
		pg, err := state.NewPostgresStore(ctx, cfg.State.DSN, cfg.State.Name, logger.Named("state"))
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close() //nolint:errcheck
			return nil, err
		}
		store = pg
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.State.Backend)
	}
	if _, err := store.Load(ctx); err != nil {
		store.Close() //nolint:errcheck
		return nil, err
	}
	return store, nil
}

// buildBrowser constructs the configured browser capability.
func buildBrowser(cfg config.Config, logger *zap.Logger) (crawler.Browser, error) {
	if cfg.Browser.Driver == "noop" {
		return browser.NewNoop(), nil
	}
	engines := make(map[crawler.Engine]browser.EngineConfig, len(cfg.Browser.Engines))
	for name, ec := range cfg.Browser.Engines {
		engines[crawler.Engine(name)] = browser.EngineConfig{
			ExecPath:  ec.ExecPath,
			UserAgent: ec.UserAgent,
		}
	}
	if len(engines) == 0 {
		engines[crawler.Engine(cfg.Browser.PrimaryEngine)] = browser.EngineConfig{}
	}
	return browser.NewChromedp(browser.Config{
		Engines:          engines,
		SnapshotMaxBytes: cfg.Browser.SnapshotMaxKB * 1024,
		DefaultTimeout:   time.Duration(cfg.Crawl.StepTimeoutSec) * time.Second,
	}, logger.Named("browser"))
}

// outputColumns returns the sink schema: the configured columns, or the union
// of every target's field names when none are configured.
func outputColumns(cfg config.Config) []string {
	if len(cfg.Output.Columns) > 0 {
		return cfg.Output.Columns
	}
	seen := make(map[string]struct{})
	for _, target := range cfg.Targets {
		for column := range target.Fields {
			seen[column] = struct{}{}
		}
	}
	columns := make([]string, 0, len(seen))
	for column := range seen {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	return columns
}
