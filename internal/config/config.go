// Package config loads and validates the klinefeed configuration from YAML
// with environment overrides. Every knob has a default so the zero
// configuration is runnable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration.
type Config struct {
	Provider string        `yaml:"provider"` // upstream family name, used in cache paths
	Cache    CacheConfig   `yaml:"cache"`
	Archive  ArchiveConfig `yaml:"archive"`
	Live     LiveConfig    `yaml:"live"`
	Fetch    FetchConfig   `yaml:"fetch"`
	Output   OutputConfig  `yaml:"output"`
	Ops      OpsConfig     `yaml:"ops"`
	Sink     SinkConfig    `yaml:"sink"`
}

// CacheConfig controls the on-disk day store and its optional Redis front.
type CacheConfig struct {
	Root          string        `yaml:"root"`           // cache root directory
	ExpiryMinutes int           `yaml:"expiry_minutes"` // TTL for recent-day entries
	Hot           HotTierConfig `yaml:"hot"`
}

// HotTierConfig is the optional Redis read-through front for recent days.
type HotTierConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
}

// ArchiveConfig addresses the bulk historical file host.
type ArchiveConfig struct {
	BaseURL         string `yaml:"base_url"`
	PublishLagHours int    `yaml:"publish_lag_hours"` // hours before a day is assumed published
	MaxConcurrent   int    `yaml:"max_concurrent"`    // parallel file downloads
	RPS             int    `yaml:"rps"`
	Burst           int    `yaml:"burst"`
}

// LiveConfig addresses the paginated REST endpoints per market type.
type LiveConfig struct {
	SpotBaseURL        string `yaml:"spot_base_url"`
	FuturesUSDTBaseURL string `yaml:"futures_usdt_base_url"`
	FuturesCoinBaseURL string `yaml:"futures_coin_base_url"`
	ChunkSize          int    `yaml:"chunk_size"`      // server max bars per request
	RestMaxChunks      int    `yaml:"rest_max_chunks"` // guardrail before refusing a live range
	MaxConcurrent      int    `yaml:"max_concurrent"`  // parallel chunk requests
	RPS                int    `yaml:"rps"`
	Burst              int    `yaml:"burst"`
}

// FetchConfig holds the retry and deadline budget shared by both fetchers.
type FetchConfig struct {
	RetryMax          int  `yaml:"retry_max"`
	BackoffBaseMS     int  `yaml:"backoff_base_ms"`
	BackoffMaxMS      int  `yaml:"backoff_max_ms"`
	BackoffJitter     bool `yaml:"backoff_jitter"`
	RequestTimeoutMS  int  `yaml:"request_timeout_ms"`
	OverallDeadlineMS int  `yaml:"overall_deadline_ms"`
	MaxConcurrent     int  `yaml:"max_concurrent"` // sub-range tasks in flight
}

// OutputConfig controls rendering at the frame boundary.
type OutputConfig struct {
	Precision string `yaml:"precision"` // "ms" or "us"
}

// OpsConfig configures the operational HTTP server and cache sweeper.
type OpsConfig struct {
	Addr              string `yaml:"addr"`
	SweepIntervalMins int    `yaml:"sweep_interval_minutes"`
	ShutdownGraceSecs int    `yaml:"shutdown_grace_seconds"`
}

// SinkConfig configures the optional Postgres export sink.
type SinkConfig struct {
	DSN       string `yaml:"dsn"`
	BatchSize int    `yaml:"batch_size"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// Default returns the runnable zero configuration.
func Default() *Config {
	return &Config{
		Provider: "binance",
		Cache: CacheConfig{
			Root:          defaultCacheRoot(),
			ExpiryMinutes: 60,
		},
		Archive: ArchiveConfig{
			BaseURL:         "https://data.binance.vision",
			PublishLagHours: 48,
			MaxConcurrent:   4,
			RPS:             10,
			Burst:           20,
		},
		Live: LiveConfig{
			SpotBaseURL:        "https://api.binance.com",
			FuturesUSDTBaseURL: "https://fapi.binance.com",
			FuturesCoinBaseURL: "https://dapi.binance.com",
			ChunkSize:          1000,
			RestMaxChunks:      10,
			MaxConcurrent:      5,
			RPS:                10,
			Burst:              20,
		},
		Fetch: FetchConfig{
			RetryMax:          3,
			BackoffBaseMS:     250,
			BackoffMaxMS:      5000,
			BackoffJitter:     true,
			RequestTimeoutMS:  10000,
			OverallDeadlineMS: 60000,
			MaxConcurrent:     5,
		},
		Output: OutputConfig{Precision: "ms"},
		Ops: OpsConfig{
			Addr:              ":9090",
			SweepIntervalMins: 15,
			ShutdownGraceSecs: 10,
		},
		Sink: SinkConfig{
			BatchSize: 1000,
			TimeoutMS: 30000,
		},
	}
}

func defaultCacheRoot() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.klinefeed/cache"
	}
	return ".klinefeed/cache"
}

// Load reads a YAML config file, layers it over the defaults, applies
// environment overrides, and validates the result. An empty path skips the
// file and yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv layers KLINEFEED_* environment variables over the loaded values.
func (c *Config) applyEnv() {
	if v := os.Getenv("KLINEFEED_CACHE_ROOT"); v != "" {
		c.Cache.Root = v
	}
	if v := os.Getenv("KLINEFEED_ARCHIVE_URL"); v != "" {
		c.Archive.BaseURL = v
	}
	if v := os.Getenv("KLINEFEED_REDIS_ADDR"); v != "" {
		c.Cache.Hot.Enabled = true
		c.Cache.Hot.Addr = v
	}
	if v := os.Getenv("KLINEFEED_SINK_DSN"); v != "" {
		c.Sink.DSN = v
	}
	if v := getEnvInt("KLINEFEED_OVERALL_DEADLINE_MS"); v > 0 {
		c.Fetch.OverallDeadlineMS = v
	}
	if v := getEnvInt("KLINEFEED_MAX_CONCURRENT"); v > 0 {
		c.Fetch.MaxConcurrent = v
	}
}

func getEnvInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// Validate ensures the configuration is consistent.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider cannot be empty")
	}
	if c.Cache.Root == "" {
		return fmt.Errorf("cache root cannot be empty")
	}
	if c.Cache.ExpiryMinutes <= 0 {
		return fmt.Errorf("cache expiry_minutes must be positive, got %d", c.Cache.ExpiryMinutes)
	}
	if c.Cache.Hot.Enabled && c.Cache.Hot.Addr == "" {
		return fmt.Errorf("hot tier enabled but addr is empty")
	}
	if err := c.Archive.validate(); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if err := c.Live.validate(); err != nil {
		return fmt.Errorf("live: %w", err)
	}
	if err := c.Fetch.validate(); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	switch c.Output.Precision {
	case "ms", "us":
	default:
		return fmt.Errorf("output precision must be ms or us, got %q", c.Output.Precision)
	}
	if c.Sink.BatchSize <= 0 {
		return fmt.Errorf("sink batch_size must be positive, got %d", c.Sink.BatchSize)
	}
	return nil
}

func (a *ArchiveConfig) validate() error {
	if a.BaseURL == "" {
		return fmt.Errorf("base_url cannot be empty")
	}
	if a.PublishLagHours <= 0 {
		return fmt.Errorf("publish_lag_hours must be positive, got %d", a.PublishLagHours)
	}
	if a.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive, got %d", a.MaxConcurrent)
	}
	if a.RPS <= 0 {
		return fmt.Errorf("rps must be positive, got %d", a.RPS)
	}
	if a.Burst < a.RPS {
		return fmt.Errorf("burst (%d) must be >= rps (%d)", a.Burst, a.RPS)
	}
	return nil
}

func (l *LiveConfig) validate() error {
	if l.SpotBaseURL == "" || l.FuturesUSDTBaseURL == "" || l.FuturesCoinBaseURL == "" {
		return fmt.Errorf("all live base URLs must be set")
	}
	if l.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", l.ChunkSize)
	}
	if l.RestMaxChunks <= 0 {
		return fmt.Errorf("rest_max_chunks must be positive, got %d", l.RestMaxChunks)
	}
	if l.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive, got %d", l.MaxConcurrent)
	}
	if l.RPS <= 0 {
		return fmt.Errorf("rps must be positive, got %d", l.RPS)
	}
	if l.Burst < l.RPS {
		return fmt.Errorf("burst (%d) must be >= rps (%d)", l.Burst, l.RPS)
	}
	return nil
}

func (f *FetchConfig) validate() error {
	if f.RetryMax < 0 {
		return fmt.Errorf("retry_max cannot be negative, got %d", f.RetryMax)
	}
	if f.BackoffBaseMS <= 0 || f.BackoffMaxMS < f.BackoffBaseMS {
		return fmt.Errorf("backoff window %d..%d ms is invalid", f.BackoffBaseMS, f.BackoffMaxMS)
	}
	if f.RequestTimeoutMS <= 0 {
		return fmt.Errorf("request_timeout_ms must be positive, got %d", f.RequestTimeoutMS)
	}
	if f.OverallDeadlineMS <= f.RequestTimeoutMS {
		return fmt.Errorf("overall_deadline_ms (%d) must exceed request_timeout_ms (%d)",
			f.OverallDeadlineMS, f.RequestTimeoutMS)
	}
	if f.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive, got %d", f.MaxConcurrent)
	}
	return nil
}

// RequestTimeout returns the per-request timeout as a duration.
func (f FetchConfig) RequestTimeout() time.Duration {
	return time.Duration(f.RequestTimeoutMS) * time.Millisecond
}

// OverallDeadline returns the whole-call deadline as a duration.
func (f FetchConfig) OverallDeadline() time.Duration {
	return time.Duration(f.OverallDeadlineMS) * time.Millisecond
}

// BackoffBase returns the first retry delay.
func (f FetchConfig) BackoffBase() time.Duration {
	return time.Duration(f.BackoffBaseMS) * time.Millisecond
}

// BackoffMax returns the retry delay ceiling.
func (f FetchConfig) BackoffMax() time.Duration {
	return time.Duration(f.BackoffMaxMS) * time.Millisecond
}

// Expiry returns the recent-day cache TTL as a duration.
func (c CacheConfig) Expiry() time.Duration {
	return time.Duration(c.ExpiryMinutes) * time.Minute
}

// PublishLag returns the archive publish lag as a duration.
func (a ArchiveConfig) PublishLag() time.Duration {
	return time.Duration(a.PublishLagHours) * time.Hour
}
