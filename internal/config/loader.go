package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MARKETPIPE_* environment variable overrides,
// and returns the final Config. The returned Config has NOT been validated;
// the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known MARKETPIPE_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Feed ──
	setStr(&cfg.Feed.URL, "MARKETPIPE_FEED_URL")
	setStringSlice(&cfg.Feed.Symbols, "MARKETPIPE_FEED_SYMBOLS")
	setInt(&cfg.Feed.LaneBuffer, "MARKETPIPE_FEED_LANE_BUFFER")
	setDuration(&cfg.Feed.LivenessTimeout, "MARKETPIPE_FEED_LIVENESS_TIMEOUT")
	setDuration(&cfg.Feed.SimInterval, "MARKETPIPE_FEED_SIM_INTERVAL")
	setFloat64(&cfg.Feed.SimGapChance, "MARKETPIPE_FEED_SIM_GAP_CHANCE")
	setInt64(&cfg.Feed.SimSeed, "MARKETPIPE_FEED_SIM_SEED")

	// ── Validation ──
	setFloat64(&cfg.Validation.SpikeThreshold, "MARKETPIPE_VALIDATE_SPIKE_THRESHOLD")
	setInt64(&cfg.Validation.SpikeMinVolume, "MARKETPIPE_VALIDATE_SPIKE_MIN_VOLUME")

	// ── Cache ──
	setInt(&cfg.Cache.RingCapacity, "MARKETPIPE_CACHE_RING_CAPACITY")
	setInt(&cfg.Cache.MaxSymbols, "MARKETPIPE_CACHE_MAX_SYMBOLS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "MARKETPIPE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MARKETPIPE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MARKETPIPE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MARKETPIPE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MARKETPIPE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MARKETPIPE_REDIS_TLS_ENABLED")
	setInt(&cfg.Redis.MaxTicks, "MARKETPIPE_REDIS_MAX_TICKS")
	setDuration(&cfg.Redis.TTL, "MARKETPIPE_REDIS_TTL")

	// ── Aggregation ──
	setDuration(&cfg.Aggregate.FlushGrace, "MARKETPIPE_AGGREGATE_FLUSH_GRACE")

	// ── Dispatch ──
	setInt(&cfg.Dispatch.QueueCapacity, "MARKETPIPE_DISPATCH_QUEUE_CAPACITY")
	setDuration(&cfg.Dispatch.DropWindow, "MARKETPIPE_DISPATCH_DROP_WINDOW")
	setInt64(&cfg.Dispatch.DropLimit, "MARKETPIPE_DISPATCH_DROP_LIMIT")

	// ── Recovery ──
	setDuration(&cfg.Recovery.Window, "MARKETPIPE_RECOVERY_WINDOW")
	setInt(&cfg.Recovery.MaxEvents, "MARKETPIPE_RECOVERY_MAX_EVENTS")
	setDuration(&cfg.Recovery.Timeout, "MARKETPIPE_RECOVERY_TIMEOUT")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "MARKETPIPE_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "MARKETPIPE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "MARKETPIPE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "MARKETPIPE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "MARKETPIPE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "MARKETPIPE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "MARKETPIPE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "MARKETPIPE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "MARKETPIPE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "MARKETPIPE_POSTGRES_RUN_MIGRATIONS")
	setInt(&cfg.Postgres.PersistBatch, "MARKETPIPE_POSTGRES_PERSIST_BATCH")
	setDuration(&cfg.Postgres.PersistFlush, "MARKETPIPE_POSTGRES_PERSIST_FLUSH")
	setInt(&cfg.Postgres.PersistRetries, "MARKETPIPE_POSTGRES_PERSIST_RETRIES")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "MARKETPIPE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MARKETPIPE_S3_REGION")
	setStr(&cfg.S3.Bucket, "MARKETPIPE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MARKETPIPE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MARKETPIPE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "MARKETPIPE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "MARKETPIPE_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setDuration(&cfg.Archive.Retention, "MARKETPIPE_ARCHIVE_RETENTION")
	setDuration(&cfg.Archive.Interval, "MARKETPIPE_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.BatchLimit, "MARKETPIPE_ARCHIVE_BATCH_LIMIT")
	setBool(&cfg.Archive.Prune, "MARKETPIPE_ARCHIVE_PRUNE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "MARKETPIPE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "MARKETPIPE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "MARKETPIPE_SERVER_CORS_ORIGINS")

	// ── Top-level ──
	setStr(&cfg.Mode, "MARKETPIPE_MODE")
	setStr(&cfg.LogLevel, "MARKETPIPE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
