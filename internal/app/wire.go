package app

import (
	"context"
	"fmt"

	s3blob "github.com/mkarlsen/marketpipe/internal/blob/s3"
	"github.com/mkarlsen/marketpipe/internal/cache/hot"
	"github.com/mkarlsen/marketpipe/internal/cache/redis"
	"github.com/mkarlsen/marketpipe/internal/config"
	"github.com/mkarlsen/marketpipe/internal/domain"
	"github.com/mkarlsen/marketpipe/internal/metrics"
	"github.com/mkarlsen/marketpipe/internal/store/postgres"
)

// Dependencies bundles the infrastructure the application modes need. The
// optional tiers (Dist, TickStore, CandleStore, BlobWriter) are nil when the
// corresponding backend is not configured; the pipeline degrades gracefully
// around them.
type Dependencies struct {
	Stats *metrics.Pipeline

	// Caches
	Hot  *hot.Cache
	Dist domain.DistTickCache

	// Stores
	TickStore    domain.TickStore
	CandleStore  domain.CandleStore
	ArchiveStore s3blob.CandleArchiveStore

	// Blob storage
	BlobWriter domain.BlobWriter
}

// Wire constructs the concrete infrastructure from the given configuration
// and returns it together with a cleanup function to be called on shutdown.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Stats: &metrics.Pipeline{},
		Hot: hot.New(hot.Config{
			RingCapacity: cfg.Cache.RingCapacity,
			MaxSymbols:   cfg.Cache.MaxSymbols,
		}),
	}

	// --- Redis distributed tier (optional) ---
	if cfg.Redis.Addr != "" {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Dist = redis.NewTickCache(redisClient, redis.TickCacheConfig{
			MaxTicks: cfg.Redis.MaxTicks,
			TTL:      cfg.Redis.TTL.Duration,
		})
	}

	// --- PostgreSQL persistence (optional) ---
	if cfg.PersistenceEnabled() {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.TickStore = postgres.NewTickStore(pool)
		candles := postgres.NewCandleStore(pool)
		deps.CandleStore = candles
		deps.ArchiveStore = candles
	}

	// --- S3 blob storage (optional) ---
	if cfg.ArchiveEnabled() {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.BlobWriter = s3blob.NewWriter(s3Client)
	}

	return deps, cleanup, nil
}
