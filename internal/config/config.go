package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Blob         BlobConfig         `yaml:"blob" mapstructure:"blob"`
	LLM          LLMConfig          `yaml:"llm" mapstructure:"llm"`
	Engine       EngineConfig       `yaml:"engine" mapstructure:"engine"`
	Watchdog     WatchdogConfig     `yaml:"watchdog" mapstructure:"watchdog"`
	Continuation ContinuationConfig `yaml:"continuation" mapstructure:"continuation"`
	FieldMap     FieldMapConfig     `yaml:"fieldmap" mapstructure:"fieldmap"`
	Pricing      PricingConfig      `yaml:"pricing" mapstructure:"pricing"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// BlobConfig configures object storage for uploads and reports.
type BlobConfig struct {
	Driver          string `yaml:"driver" mapstructure:"driver"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	CredentialsFile string `yaml:"credentials_file" mapstructure:"credentials_file"`
	Dir             string `yaml:"dir" mapstructure:"dir"`
}

// LLMConfig configures the relationship classifier.
type LLMConfig struct {
	Provider       string        `yaml:"provider" mapstructure:"provider"`
	Key            string        `yaml:"key" mapstructure:"key"`
	BaseURL        string        `yaml:"base_url" mapstructure:"base_url"`
	Models         []string      `yaml:"models" mapstructure:"models"`
	MaxTokens      int           `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs    int           `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSec float64       `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	PromptVersion  string        `yaml:"prompt_version" mapstructure:"prompt_version"`
	Circuit        CircuitConfig `yaml:"circuit" mapstructure:"circuit"`
}

// CircuitConfig configures the classifier circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// EngineConfig configures a processing slice.
type EngineConfig struct {
	SliceBudgetSecs   int  `yaml:"slice_budget_secs" mapstructure:"slice_budget_secs"`
	SafetyMarginSecs  int  `yaml:"safety_margin_secs" mapstructure:"safety_margin_secs"`
	FlushRows         int  `yaml:"flush_rows" mapstructure:"flush_rows"`
	FlushIntervalSecs int  `yaml:"flush_interval_secs" mapstructure:"flush_interval_secs"`
	ClaimJobs         bool `yaml:"claim_jobs" mapstructure:"claim_jobs"`
	MaxReclaims       int  `yaml:"max_reclaims" mapstructure:"max_reclaims"`
}

// WatchdogConfig configures stale job reclamation.
type WatchdogConfig struct {
	IntervalSecs   int `yaml:"interval_secs" mapstructure:"interval_secs"`
	StaleAfterSecs int `yaml:"stale_after_secs" mapstructure:"stale_after_secs"`
	BatchSize      int `yaml:"batch_size" mapstructure:"batch_size"`
	Concurrency    int `yaml:"concurrency" mapstructure:"concurrency"`
}

// ContinuationConfig configures how a slice schedules the next one.
type ContinuationConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	SelfURL     string `yaml:"self_url" mapstructure:"self_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RedisAddr   string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisKey    string `yaml:"redis_key" mapstructure:"redis_key"`
}

// FieldMapConfig points at the upload column mapping file.
type FieldMapConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PricingConfig holds per-model token pricing keyed by model id.
type PricingConfig struct {
	Models map[string]ModelPricing `yaml:"models" mapstructure:"models"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// ServerConfig configures the worker HTTP server.
type ServerConfig struct {
	Port                int      `yaml:"port" mapstructure:"port"`
	CORSOrigins         []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	MaxBackgroundSlices int      `yaml:"max_background_slices" mapstructure:"max_background_slices"`
	RunWatchdog         bool     `yaml:"run_watchdog" mapstructure:"run_watchdog"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// SliceBudget returns the hard time box of one slice.
func (c EngineConfig) SliceBudget() time.Duration {
	return time.Duration(c.SliceBudgetSecs) * time.Second
}

// SafetyMargin returns how long before the budget a slice stops taking rows.
func (c EngineConfig) SafetyMargin() time.Duration {
	return time.Duration(c.SafetyMarginSecs) * time.Second
}

// FlushInterval returns the wall-clock flush trigger.
func (c EngineConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSecs) * time.Second
}

// Interval returns the watchdog tick period.
func (c WatchdogConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSecs) * time.Second
}

// StaleAfter returns the heartbeat age after which a running job is reclaimed.
func (c WatchdogConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSecs) * time.Second
}

// Timeout returns the per-request classifier timeout.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// Validate checks the keys a command mode needs before it starts.
// Modes: "worker" (slices, watchdog, serve) and "admin" (upload, jobs, vocab, migrate).
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "worker", "admin":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres")
		}
	case "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("unknown store.driver %q", c.Store.Driver))
	}

	switch c.Blob.Driver {
	case "gcs":
		if c.Blob.Bucket == "" {
			errs = append(errs, "blob.bucket is required for gcs")
		}
	case "fs":
		if c.Blob.Dir == "" {
			errs = append(errs, "blob.dir is required for fs")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown blob.driver %q", c.Blob.Driver))
	}

	if mode == "worker" {
		if len(c.LLM.Models) == 0 {
			errs = append(errs, "llm.models must list at least one model")
		}
		switch c.LLM.Provider {
		case "openai", "anthropic":
		default:
			errs = append(errs, fmt.Sprintf("unknown llm.provider %q", c.LLM.Provider))
		}
		if c.Engine.SafetyMarginSecs >= c.Engine.SliceBudgetSecs {
			errs = append(errs, "engine.safety_margin_secs must be below engine.slice_budget_secs")
		}
		if c.Engine.FlushRows < 1 {
			errs = append(errs, "engine.flush_rows must be > 0")
		}
		if c.Watchdog.BatchSize < 1 || c.Watchdog.BatchSize > 100 {
			errs = append(errs, "watchdog.batch_size must be between 1 and 100")
		}
		switch c.Continuation.Driver {
		case "http":
			if c.Continuation.SelfURL == "" {
				errs = append(errs, "continuation.self_url is required for http")
			}
		case "redis":
			if c.Continuation.RedisAddr == "" {
				errs = append(errs, "continuation.redis_addr is required for redis")
			}
		case "none":
		default:
			errs = append(errs, fmt.Sprintf("unknown continuation.driver %q", c.Continuation.Driver))
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TAXIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("blob.driver", "fs")
	v.SetDefault("blob.dir", "./data/blobs")
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.models", []string{"gpt-4o-mini", "gpt-4o", "gpt-4.1-mini"})
	v.SetDefault("llm.max_tokens", 300)
	v.SetDefault("llm.timeout_secs", 30)
	v.SetDefault("llm.requests_per_sec", 5)
	v.SetDefault("llm.prompt_version", "v1")
	v.SetDefault("llm.circuit.failure_threshold", 5)
	v.SetDefault("llm.circuit.reset_timeout_secs", 30)
	v.SetDefault("engine.slice_budget_secs", 300)
	v.SetDefault("engine.safety_margin_secs", 15)
	v.SetDefault("engine.flush_rows", 25)
	v.SetDefault("engine.flush_interval_secs", 20)
	v.SetDefault("engine.claim_jobs", true)
	v.SetDefault("engine.max_reclaims", 0)
	v.SetDefault("watchdog.interval_secs", 60)
	v.SetDefault("watchdog.stale_after_secs", 120)
	v.SetDefault("watchdog.batch_size", 10)
	v.SetDefault("watchdog.concurrency", 4)
	v.SetDefault("continuation.driver", "http")
	v.SetDefault("continuation.self_url", "http://localhost:8080")
	v.SetDefault("continuation.timeout_secs", 5)
	v.SetDefault("continuation.redis_key", "taxis:continue")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_background_slices", 4)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
