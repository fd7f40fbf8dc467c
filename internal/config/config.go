// Package config contains all knobs and defaults used to configure hlmrf.
package config

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/hlmrf/hlmrf/pkg/queryrewriter"
	"github.com/hlmrf/hlmrf/pkg/reasoner"
	"github.com/hlmrf/hlmrf/pkg/termstore"
)

const (
	EngineADMM          = "admm"
	TermStoreStreaming  = "streaming"
	PageBackendFile     = "file"
	PageBackendBadger   = "badger"
	DefaultMetricsAddr  = "0.0.0.0:2112"
	DefaultStatsCache   = 1000
	DefaultStatsTimeout = 5 * time.Second
)

// LogConfig defines log specific settings. For production we recommend using the 'json' log format.
type LogConfig struct {
	// Format is the log format to use in the log output (e.g. 'text' or 'json')
	Format string

	// Level is the log level to use in the log output (e.g. 'none', 'debug', or 'info')
	Level string

	// Format of the timestamp in the log output (e.g. 'Unix'(default) or 'ISO8601')
	TimestampFormat string
}

type TraceConfig struct {
	Enabled     bool
	OTLP        OTLPTraceConfig `mapstructure:"otlp"`
	SampleRatio float64
	ServiceName string
}

type OTLPTraceConfig struct {
	Endpoint string
}

// MetricConfig defines configurations for serving prometheus metrics while a command runs.
type MetricConfig struct {
	Enabled bool
	Addr    string
}

// ReasonerConfig mirrors the reasoner options.
type ReasonerConfig struct {
	Engine         string
	MaxIterations  int
	StepSize       float64
	ComputePeriod  int
	ObjectiveBreak bool
	Tolerance      float64
	// Budget is the fraction of MaxIterations the reasoner may spend, in (0, 1].
	Budget     float64
	NumWorkers int
}

// TermStoreConfig mirrors the streaming term store options.
type TermStoreConfig struct {
	Type     string
	PageSize int
	// PageDir is the parent directory of the per-run page directory. Empty means the OS temp dir.
	PageDir             string
	Backend             string
	ShufflePage         bool
	RandomizePageAccess bool
	Seed                int64
	WarnRules           bool
}

type QueryRewriterConfig struct {
	AllowedTotalCostIncrease float64
	AllowedStepCostIncrease  float64
	UseHistograms            bool
}

// StatsConfig configures the SQLite statistics database used by the query rewriter.
type StatsConfig struct {
	URI              string
	MaxCacheSize     int64
	CacheTTL         time.Duration
	BusyRetryTimeout time.Duration
	ExportMetrics    bool
}

type Config struct {
	Log           LogConfig
	Trace         TraceConfig
	Metrics       MetricConfig
	Reasoner      ReasonerConfig
	TermStore     TermStoreConfig
	QueryRewriter QueryRewriterConfig
	Stats         StatsConfig
}

// Verify reports the first configuration value that hlmrf cannot run with.
func (cfg *Config) Verify() error {
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("config 'log.format' must be one of ['text', 'json']")
	}

	if cfg.Log.Level != "none" &&
		cfg.Log.Level != "debug" &&
		cfg.Log.Level != "info" &&
		cfg.Log.Level != "warn" &&
		cfg.Log.Level != "error" &&
		cfg.Log.Level != "panic" &&
		cfg.Log.Level != "fatal" {
		return fmt.Errorf(
			"config 'log.level' must be one of ['none', 'debug', 'info', 'warn', 'error', 'panic', 'fatal']",
		)
	}

	if cfg.Log.TimestampFormat != "Unix" && cfg.Log.TimestampFormat != "ISO8601" {
		return fmt.Errorf("config 'log.TimestampFormat' must be one of ['Unix', 'ISO8601']")
	}

	if cfg.Trace.Enabled && (cfg.Trace.SampleRatio < 0 || cfg.Trace.SampleRatio > 1) {
		return errors.New("config 'trace.sampleRatio' must be within [0, 1]")
	}

	if err := cfg.verifyReasoner(); err != nil {
		return err
	}

	// Consensus ADMM needs terms that keep their local variables between rounds.
	if cfg.Reasoner.Engine == EngineADMM && cfg.TermStore.Type != TermStoreStreaming {
		return fmt.Errorf("reasoner engine '%s' cannot run over term store '%s'", cfg.Reasoner.Engine, cfg.TermStore.Type)
	}

	if err := cfg.verifyTermStore(); err != nil {
		return err
	}

	if !positive(cfg.QueryRewriter.AllowedTotalCostIncrease) {
		return errors.New("config 'queryRewriter.allowedTotalCostIncrease' must be positive")
	}

	if !positive(cfg.QueryRewriter.AllowedStepCostIncrease) {
		return errors.New("config 'queryRewriter.allowedStepCostIncrease' must be positive")
	}

	if cfg.Stats.MaxCacheSize <= 0 {
		return errors.New("config 'stats.maxCacheSize' must be positive")
	}

	if cfg.Stats.CacheTTL < 0 || cfg.Stats.BusyRetryTimeout < 0 {
		return errors.New("config 'stats.cacheTTL' and 'stats.busyRetryTimeout' must not be negative")
	}

	return nil
}

func (cfg *Config) verifyReasoner() error {
	r := cfg.Reasoner

	if r.Engine != EngineADMM {
		return fmt.Errorf("config 'reasoner.engine' must be one of ['%s']", EngineADMM)
	}

	if r.MaxIterations <= 0 {
		return errors.New("config 'reasoner.maxIterations' must be positive")
	}

	if !positive(r.StepSize) {
		return errors.New("config 'reasoner.stepSize' must be positive")
	}

	if r.ComputePeriod <= 0 {
		return errors.New("config 'reasoner.computePeriod' must be positive")
	}

	if math.IsNaN(r.Tolerance) || r.Tolerance < 0 {
		return errors.New("config 'reasoner.tolerance' must not be negative")
	}

	if !positive(r.Budget) || r.Budget > 1 {
		return errors.New("config 'reasoner.budget' must be within (0, 1]")
	}

	if r.NumWorkers < 0 {
		return errors.New("config 'reasoner.numWorkers' must not be negative")
	}

	return nil
}

func (cfg *Config) verifyTermStore() error {
	ts := cfg.TermStore

	if ts.PageSize < 2 {
		return errors.New("config 'termStore.pageSize' must be at least 2")
	}

	if ts.Backend != PageBackendFile && ts.Backend != PageBackendBadger {
		return fmt.Errorf("config 'termStore.backend' must be one of ['%s', '%s']", PageBackendFile, PageBackendBadger)
	}

	return nil
}

func positive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

// DefaultConfig returns the hlmrf default configuration.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Format:          "text",
			Level:           "info",
			TimestampFormat: "Unix",
		},
		Trace: TraceConfig{
			Enabled: false,
			OTLP: OTLPTraceConfig{
				Endpoint: "0.0.0.0:4317",
			},
			SampleRatio: 0.2,
			ServiceName: "hlmrf",
		},
		Metrics: MetricConfig{
			Enabled: false,
			Addr:    DefaultMetricsAddr,
		},
		Reasoner: ReasonerConfig{
			Engine:         EngineADMM,
			MaxIterations:  reasoner.DefaultMaxIterations,
			StepSize:       reasoner.DefaultStepSize,
			ComputePeriod:  reasoner.DefaultComputePeriod,
			ObjectiveBreak: reasoner.DefaultObjectiveBreak,
			Tolerance:      reasoner.DefaultTolerance,
			Budget:         reasoner.DefaultBudget,
		},
		TermStore: TermStoreConfig{
			Type:                TermStoreStreaming,
			PageSize:            termstore.DefaultPageSize,
			Backend:             PageBackendFile,
			ShufflePage:         termstore.DefaultShufflePage,
			RandomizePageAccess: termstore.DefaultRandomizePageAccess,
			Seed:                termstore.DefaultSeed,
			WarnRules:           true,
		},
		QueryRewriter: QueryRewriterConfig{
			AllowedTotalCostIncrease: queryrewriter.DefaultAllowedTotalCostIncrease,
			AllowedStepCostIncrease:  queryrewriter.DefaultAllowedStepCostIncrease,
			UseHistograms:            queryrewriter.DefaultUseHistograms,
		},
		Stats: StatsConfig{
			MaxCacheSize:     DefaultStatsCache,
			BusyRetryTimeout: DefaultStatsTimeout,
		},
	}
}
