// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/studyatlas/portal-crawler/internal/sites"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging    LoggingConfig       `mapstructure:"logging"`
	State      StateConfig         `mapstructure:"state"`
	Crawl      CrawlConfig         `mapstructure:"crawl"`
	Browser    BrowserConfig       `mapstructure:"browser"`
	Classifier ClassifierConfig    `mapstructure:"classifier"`
	Solver     SolverConfig        `mapstructure:"solver"`
	Output     OutputConfig        `mapstructure:"output"`
	Artifacts  ArtifactsConfig     `mapstructure:"artifacts"`
	Events     EventsConfig        `mapstructure:"events"`
	Server     ServerConfig        `mapstructure:"server"`
	Categories []string            `mapstructure:"categories"`
	Targets    []sites.TargetConfig `mapstructure:"targets"`
}

// LoggingConfig toggles zap development features. Level overrides the mode's
// default minimum when set ("debug", "info", "warn", "error").
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StateConfig selects and locates the progress store backend.
type StateConfig struct {
	Backend string `mapstructure:"backend"` // file | postgres
	Path    string `mapstructure:"path"`
	DSN     string `mapstructure:"dsn"`
	Name    string `mapstructure:"name"`
}

// CrawlConfig governs pacing and the escalation budget.
type CrawlConfig struct {
	BaseDelayMs     int `mapstructure:"base_delay_ms"`
	JitterMs        int `mapstructure:"jitter_ms"`
	MaxRounds       int `mapstructure:"max_rounds"`
	StepTimeoutSec  int `mapstructure:"step_timeout_seconds"`
	SolveTimeoutSec int `mapstructure:"solve_timeout_seconds"`
}

// BaseDelay returns the pacing delay as a duration.
func (c CrawlConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMs) * time.Millisecond
}

// Jitter returns the pacing jitter bound as a duration.
func (c CrawlConfig) Jitter() time.Duration {
	return time.Duration(c.JitterMs) * time.Millisecond
}

// StepTimeout returns the per-ladder-step timeout.
func (c CrawlConfig) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutSec) * time.Second
}

// SolveTimeout returns the solver budget per challenge.
func (c CrawlConfig) SolveTimeout() time.Duration {
	return time.Duration(c.SolveTimeoutSec) * time.Second
}

// EngineConfig locates one browser binary.
type EngineConfig struct {
	ExecPath  string `mapstructure:"exec_path"`
	UserAgent string `mapstructure:"user_agent"`
}

// BrowserConfig configures the browser capability.
type BrowserConfig struct {
	Driver          string                  `mapstructure:"driver"` // chromedp | noop
	PrimaryEngine   string                  `mapstructure:"primary_engine"`
	AlternateEngine string                  `mapstructure:"alternate_engine"`
	Engines         map[string]EngineConfig `mapstructure:"engines"`
	SnapshotMaxKB   int                     `mapstructure:"snapshot_max_kb"`
}

// ClassifierConfig overrides the built-in marker tables; empty lists keep the
// defaults.
type ClassifierConfig struct {
	BlockMarkers     []string `mapstructure:"block_markers"`
	TitleMarkers     []string `mapstructure:"title_markers"`
	WidgetMarkers    []string `mapstructure:"widget_markers"`
	ChallengeCookies []string `mapstructure:"challenge_cookies"`
}

// SolverConfig configures the external puzzle-solving service.
type SolverConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	BaseURL         string `mapstructure:"base_url"`
	APIKey          string `mapstructure:"api_key"`
	PollIntervalSec int    `mapstructure:"poll_interval_seconds"`
}

// OutputConfig locates the tabular sink.
type OutputConfig struct {
	Path    string   `mapstructure:"path"`
	Columns []string `mapstructure:"columns"`
}

// ArtifactsConfig selects the screenshot artifact backend.
type ArtifactsConfig struct {
	Backend string `mapstructure:"backend"` // none | local | gcs
	Dir     string `mapstructure:"dir"`
	Bucket  string `mapstructure:"bucket"`
}

// EventsConfig controls per-item completion events.
type EventsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the status/metrics HTTP server. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PORTALCRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("state.backend", "file")
	v.SetDefault("state.path", "data/state.json")
	v.SetDefault("state.name", "default")
	v.SetDefault("crawl.base_delay_ms", 4000)
	v.SetDefault("crawl.jitter_ms", 3000)
	v.SetDefault("crawl.max_rounds", 2)
	v.SetDefault("crawl.step_timeout_seconds", 45)
	v.SetDefault("crawl.solve_timeout_seconds", 120)
	v.SetDefault("browser.driver", "chromedp")
	v.SetDefault("browser.primary_engine", "chromium")
	v.SetDefault("browser.alternate_engine", "edge")
	v.SetDefault("browser.snapshot_max_kb", 512)
	v.SetDefault("solver.base_url", "https://2captcha.com")
	v.SetDefault("solver.poll_interval_seconds", 5)
	v.SetDefault("output.path", "data/items.xlsx")
	v.SetDefault("artifacts.backend", "local")
	v.SetDefault("artifacts.dir", "data/artifacts")
	v.SetDefault("server.port", 0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.State.Backend {
	case "file":
		if c.State.Path == "" {
			return fmt.Errorf("state.path is required for the file backend")
		}
	case "postgres":
		if c.State.DSN == "" {
			return fmt.Errorf("state.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("state.backend must be file or postgres, got %q", c.State.Backend)
	}

	if c.Browser.Driver != "chromedp" && c.Browser.Driver != "noop" {
		return fmt.Errorf("browser.driver must be chromedp or noop, got %q", c.Browser.Driver)
	}
	if c.Crawl.MaxRounds <= 0 {
		return fmt.Errorf("crawl.max_rounds must be > 0")
	}
	if c.Crawl.StepTimeoutSec <= 0 {
		return fmt.Errorf("crawl.step_timeout_seconds must be > 0")
	}
	if len(c.Categories) == 0 {
		return fmt.Errorf("at least one category is required")
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("at least one target is required")
	}
	if c.Solver.Enabled && c.Solver.APIKey == "" {
		return fmt.Errorf("solver.api_key must be set when the solver is enabled")
	}
	switch c.Artifacts.Backend {
	case "none", "local":
	case "gcs":
		if c.Artifacts.Bucket == "" {
			return fmt.Errorf("artifacts.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("artifacts.backend must be none, local or gcs, got %q", c.Artifacts.Backend)
	}
	if c.Events.Enabled && (c.Events.ProjectID == "" || c.Events.Topic == "") {
		return fmt.Errorf("events.project_id and events.topic must be set when events are enabled")
	}
	return nil
}

// TargetNames returns the targets in declaration order.
func (c Config) TargetNames() []string {
	names := make([]string, 0, len(c.Targets))
	for _, t := range c.Targets {
		names = append(names, t.Name)
	}
	return names
}
