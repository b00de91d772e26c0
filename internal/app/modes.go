package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mkarlsen/marketpipe/internal/aggregate"
	s3blob "github.com/mkarlsen/marketpipe/internal/blob/s3"
	"github.com/mkarlsen/marketpipe/internal/dispatch"
	"github.com/mkarlsen/marketpipe/internal/domain"
	"github.com/mkarlsen/marketpipe/internal/feed"
	"github.com/mkarlsen/marketpipe/internal/ingest"
	"github.com/mkarlsen/marketpipe/internal/pipeline"
	"github.com/mkarlsen/marketpipe/internal/recovery"
	"github.com/mkarlsen/marketpipe/internal/server"
	"github.com/mkarlsen/marketpipe/internal/server/handler"
	"github.com/mkarlsen/marketpipe/internal/server/ws"
	"github.com/mkarlsen/marketpipe/internal/validate"
)

// feedBuffer is the capacity of the adapter→gateway event channel.
const feedBuffer = 4096

// LiveMode streams from the configured exchange WebSocket endpoint.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode")

	src := feed.NewExchangeWS(feed.ExchangeWSConfig{
		URL:     a.cfg.Feed.URL,
		Symbols: a.cfg.Feed.Symbols,
	}, a.logger)

	return a.runPipeline(ctx, deps, src)
}

// SimMode streams from the synthetic random-walk feed. No network backends
// are required, which makes it the default mode for local development.
func (a *App) SimMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sim mode")

	src := feed.NewSim(feed.SimConfig{
		Symbols:    a.cfg.Feed.Symbols,
		Interval:   a.cfg.Feed.SimInterval.Duration,
		StartPrice: 3500,
		GapChance:  a.cfg.Feed.SimGapChance,
		DepthEvery: 10,
		Seed:       a.cfg.Feed.SimSeed,
	}, a.logger)

	return a.runPipeline(ctx, deps, src)
}

// runPipeline assembles the processing chain around the given feed source
// and runs everything under one errgroup: feed adapter, gateway, pipeline
// workers, API server, and the candle archiver when configured.
func (a *App) runPipeline(ctx context.Context, deps *Dependencies, src domain.FeedSource) error {
	disp := dispatch.NewDispatcher(dispatch.NewRegistry(), deps.Stats, a.logger)

	pipe := pipeline.New(
		pipeline.Config{
			Validate: validate.Config{
				SpikeThreshold: a.cfg.Validation.SpikeThreshold,
				SpikeMinVolume: a.cfg.Validation.SpikeMinVolume,
			},
			PersistBatch:   a.cfg.Postgres.PersistBatch,
			PersistFlush:   a.cfg.Postgres.PersistFlush.Duration,
			PersistRetries: a.cfg.Postgres.PersistRetries,
		},
		a.aggregateConfig(),
		deps.Hot,
		deps.Dist,
		disp,
		deps.TickStore,
		deps.CandleStore,
		deps.Stats,
		a.logger,
	)

	rec := recovery.New(recovery.Config{
		Window:    a.cfg.Recovery.Window.Duration,
		MaxEvents: a.cfg.Recovery.MaxEvents,
		Timeout:   a.cfg.Recovery.Timeout.Duration,
	}, deps.TickStore, deps.Stats, a.logger)

	gateway := ingest.New(ingest.Config{
		LaneBuffer:      a.cfg.Feed.LaneBuffer,
		LivenessTimeout: a.cfg.Feed.LivenessTimeout.Duration,
	}, rec, pipe.Process, deps.Stats, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	events := make(chan domain.FeedEvent, feedBuffer)
	g.Go(func() error {
		return src.Run(ctx, events)
	})
	g.Go(func() error {
		return gateway.Run(ctx, events)
	})
	g.Go(func() error {
		return pipe.Run(ctx)
	})

	// API server.
	if a.cfg.Server.Enabled {
		hub := ws.NewHub(disp, dispatch.SessionConfig{
			QueueCapacity: a.cfg.Dispatch.QueueCapacity,
			DropWindow:    a.cfg.Dispatch.DropWindow.Duration,
			DropLimit:     uint64(a.cfg.Dispatch.DropLimit),
		}, a.logger)

		srv := server.NewServer(server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
		}, server.Handlers{
			Health:     handler.NewHealthHandler(a.logger),
			MarketData: handler.NewMarketDataHandler(pipe, deps.CandleStore, deps.Stats, a.logger),
		}, hub, a.logger)

		g.Go(func() error {
			return srv.Start()
		})
		g.Go(func() error {
			<-ctx.Done()
			hub.Shutdown()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// Candle archiver.
	if deps.BlobWriter != nil && deps.ArchiveStore != nil {
		archiver := s3blob.NewArchiver(deps.BlobWriter, deps.ArchiveStore, s3blob.ArchiverConfig{
			Retention:  a.cfg.Archive.Retention.Duration,
			Interval:   a.cfg.Archive.Interval.Duration,
			BatchLimit: a.cfg.Archive.BatchLimit,
			Prune:      a.cfg.Archive.Prune,
		}, a.logger)
		g.Go(func() error {
			return archiver.Run(ctx)
		})
	}

	return g.Wait()
}

// aggregateConfig converts the TOML interval list for the aggregator.
func (a *App) aggregateConfig() aggregate.Config {
	return aggregate.Config{
		Intervals:  a.cfg.Intervals(),
		FlushGrace: a.cfg.Aggregate.FlushGrace.Duration,
	}
}
