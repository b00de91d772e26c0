// Package config defines the top-level configuration for the market data
// pipeline and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by MARKETPIPE_* environment
// variables.
type Config struct {
	Feed       FeedConfig      `toml:"feed"`
	Validation ValidateConfig  `toml:"validate"`
	Cache      CacheConfig     `toml:"cache"`
	Redis      RedisConfig     `toml:"redis"`
	Aggregate  AggregateConfig `toml:"aggregate"`
	Dispatch   DispatchConfig  `toml:"dispatch"`
	Recovery   RecoveryConfig  `toml:"recovery"`
	Postgres   PostgresConfig  `toml:"postgres"`
	S3         S3Config        `toml:"s3"`
	Archive    ArchiveConfig   `toml:"archive"`
	Server     ServerConfig    `toml:"server"`
	Mode       string          `toml:"mode"`
	LogLevel   string          `toml:"log_level"`
}

// FeedConfig holds upstream feed adapter parameters.
type FeedConfig struct {
	URL             string   `toml:"url"`
	Symbols         []string `toml:"symbols"`
	LaneBuffer      int      `toml:"lane_buffer"`
	LivenessTimeout duration `toml:"liveness_timeout"`

	// Sim-mode knobs.
	SimInterval  duration `toml:"sim_interval"`
	SimGapChance float64  `toml:"sim_gap_chance"`
	SimSeed      int64    `toml:"sim_seed"`
}

// ValidateConfig holds validation thresholds.
type ValidateConfig struct {
	SpikeThreshold float64 `toml:"spike_threshold"`
	SpikeMinVolume int64   `toml:"spike_min_volume"`
}

// CacheConfig holds in-process hot cache parameters.
type CacheConfig struct {
	RingCapacity int `toml:"ring_capacity"`
	MaxSymbols   int `toml:"max_symbols"`
}

// RedisConfig holds Redis connection parameters for the distributed tier.
// Disabled when Addr is empty.
type RedisConfig struct {
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	MaxTicks   int      `toml:"max_ticks"`
	TTL        duration `toml:"ttl"`
}

// AggregateConfig holds candle aggregation parameters.
type AggregateConfig struct {
	Intervals  []duration `toml:"intervals"`
	FlushGrace duration   `toml:"flush_grace"`
}

// DispatchConfig holds per-session queue and drop policy parameters.
type DispatchConfig struct {
	QueueCapacity int      `toml:"queue_capacity"`
	DropWindow    duration `toml:"drop_window"`
	DropLimit     int64    `toml:"drop_limit"`
}

// RecoveryConfig holds gap backfill parameters.
type RecoveryConfig struct {
	Window    duration `toml:"window"`
	MaxEvents int      `toml:"max_events"`
	Timeout   duration `toml:"timeout"`
}

// PostgresConfig holds PostgreSQL connection parameters. Persistence is
// disabled when both DSN and Host are empty.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`

	PersistBatch   int      `toml:"persist_batch"`
	PersistFlush   duration `toml:"persist_flush"`
	PersistRetries int      `toml:"persist_retries"`
}

// S3Config holds S3-compatible object storage parameters. Archival is
// disabled when Bucket is empty.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls candle archival to object storage.
type ArchiveConfig struct {
	Retention  duration `toml:"retention"`
	Interval   duration `toml:"interval"`
	BatchLimit int      `toml:"batch_limit"`
	Prune      bool     `toml:"prune"`
}

// ServerConfig holds the HTTP API server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the built-in configuration: sim feed, in-process cache
// only, no persistence, server on 8000.
func Defaults() Config {
	return Config{
		Feed: FeedConfig{
			URL:             "",
			Symbols:         []string{"rb2405", "cu2405", "ag2406"},
			LaneBuffer:      1024,
			LivenessTimeout: duration{10 * time.Second},
			SimInterval:     duration{50 * time.Millisecond},
			SimGapChance:    0.01,
			SimSeed:         1,
		},
		Validation: ValidateConfig{
			SpikeThreshold: 0.10,
			SpikeMinVolume: 10,
		},
		Cache: CacheConfig{
			RingCapacity: 500,
			MaxSymbols:   2048,
		},
		Redis: RedisConfig{
			Addr:       "",
			PoolSize:   20,
			MaxRetries: 3,
			MaxTicks:   500,
			TTL:        duration{10 * time.Minute},
		},
		Aggregate: AggregateConfig{
			Intervals:  []duration{{time.Minute}, {5 * time.Minute}},
			FlushGrace: duration{2 * time.Second},
		},
		Dispatch: DispatchConfig{
			QueueCapacity: 1000,
			DropWindow:    duration{10 * time.Second},
			DropLimit:     2000,
		},
		Recovery: RecoveryConfig{
			Window:    duration{5 * time.Minute},
			MaxEvents: 5000,
			Timeout:   duration{3 * time.Second},
		},
		Postgres: PostgresConfig{
			Port:           5432,
			Database:       "marketpipe",
			User:           "postgres",
			SSLMode:        "disable",
			PoolMaxConns:   10,
			PoolMinConns:   2,
			RunMigrations:  true,
			PersistBatch:   200,
			PersistFlush:   duration{time.Second},
			PersistRetries: 3,
		},
		S3: S3Config{
			Region:         "us-east-1",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Retention:  duration{24 * time.Hour},
			Interval:   duration{time.Hour},
			BatchLimit: 10000,
			Prune:      false,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Mode:     "sim",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"live": true,
	"sim":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, sim)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Feed
	if strings.ToLower(c.Mode) == "live" && c.Feed.URL == "" {
		errs = append(errs, "feed: url is required for live mode")
	}
	if len(c.Feed.Symbols) == 0 {
		errs = append(errs, "feed: at least one symbol must be configured")
	}
	if c.Feed.LaneBuffer < 1 {
		errs = append(errs, "feed: lane_buffer must be >= 1")
	}
	if c.Feed.SimGapChance < 0 || c.Feed.SimGapChance >= 1 {
		errs = append(errs, fmt.Sprintf("feed: sim_gap_chance must be in [0, 1), got %g", c.Feed.SimGapChance))
	}

	// Validation thresholds
	if c.Validation.SpikeThreshold <= 0 || c.Validation.SpikeThreshold >= 1 {
		errs = append(errs, fmt.Sprintf("validate: spike_threshold must be in (0, 1), got %g", c.Validation.SpikeThreshold))
	}
	if c.Validation.SpikeMinVolume < 0 {
		errs = append(errs, "validate: spike_min_volume must be >= 0")
	}

	// Cache
	if c.Cache.RingCapacity < 1 {
		errs = append(errs, "cache: ring_capacity must be >= 1")
	}
	if c.Cache.MaxSymbols < 1 {
		errs = append(errs, "cache: max_symbols must be >= 1")
	}

	// Redis (optional tier)
	if c.Redis.Addr != "" {
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.MaxTicks < 1 {
			errs = append(errs, "redis: max_ticks must be >= 1")
		}
	}

	// Aggregation
	if len(c.Aggregate.Intervals) == 0 {
		errs = append(errs, "aggregate: at least one interval must be configured")
	}
	for _, iv := range c.Aggregate.Intervals {
		if iv.Duration < time.Second {
			errs = append(errs, fmt.Sprintf("aggregate: interval %s is below 1s", iv.Duration))
		}
	}

	// Dispatch
	if c.Dispatch.QueueCapacity < 1 {
		errs = append(errs, "dispatch: queue_capacity must be >= 1")
	}
	if c.Dispatch.DropLimit < 1 {
		errs = append(errs, "dispatch: drop_limit must be >= 1")
	}

	// Recovery
	if c.Recovery.Window.Duration <= 0 {
		errs = append(errs, "recovery: window must be positive")
	}
	if c.Recovery.MaxEvents < 1 {
		errs = append(errs, "recovery: max_events must be >= 1")
	}

	// Postgres (optional)
	if c.PersistenceEnabled() {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// S3 (optional, requires persistence for the archive source)
	if c.ArchiveEnabled() {
		if !c.PersistenceEnabled() {
			errs = append(errs, "s3: candle archival requires postgres persistence")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// PersistenceEnabled reports whether a Postgres target is configured.
func (c *Config) PersistenceEnabled() bool {
	return strings.TrimSpace(c.Postgres.DSN) != "" || c.Postgres.Host != ""
}

// ArchiveEnabled reports whether an S3 archive target is configured.
func (c *Config) ArchiveEnabled() bool {
	return c.S3.Bucket != ""
}

// Intervals converts the configured aggregation intervals to durations.
func (c *Config) Intervals() []time.Duration {
	out := make([]time.Duration, 0, len(c.Aggregate.Intervals))
	for _, iv := range c.Aggregate.Intervals {
		out = append(out, iv.Duration)
	}
	return out
}
