// Package pipeline wires the processing stages together: validation, hot
// cache, distributed cache write-through, aggregation, fan-out, and the
// asynchronous persistence writer. Process runs serially per symbol lane;
// everything it calls is either lane-local or lock-free for the hot path.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mkarlsen/marketpipe/internal/aggregate"
	"github.com/mkarlsen/marketpipe/internal/cache/hot"
	"github.com/mkarlsen/marketpipe/internal/dispatch"
	"github.com/mkarlsen/marketpipe/internal/domain"
	"github.com/mkarlsen/marketpipe/internal/metrics"
	"github.com/mkarlsen/marketpipe/internal/validate"
)

// Config holds the pipeline-level parameters.
type Config struct {
	Validate validate.Config

	// PersistBuffer is the capacity of the async persistence queue. When
	// full, writes are dropped and counted; ingestion is never blocked.
	PersistBuffer int
	// PersistBatch flushes the write queue once this many records are
	// pending.
	PersistBatch int
	// PersistFlush flushes a partial batch after this interval.
	PersistFlush time.Duration
	// PersistRetries bounds insert retries before the batch is dropped.
	PersistRetries int

	// DistBuffer is the distributed-tier write-through queue capacity.
	DistBuffer int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Validate:       validate.DefaultConfig(),
		PersistBuffer:  8192,
		PersistBatch:   200,
		PersistFlush:   time.Second,
		PersistRetries: 3,
		DistBuffer:     4096,
	}
}

// Pipeline is the per-tick processing chain handed to the ingestion
// gateway, plus the background workers feeding the caches and stores.
type Pipeline struct {
	cfg    Config
	hot    *hot.Cache
	dist   domain.DistTickCache // nil when no distributed tier is configured
	agg    *aggregate.Aggregator
	disp   *dispatch.Dispatcher
	ticks  domain.TickStore   // nil when persistence is disabled
	kline  domain.CandleStore // nil when persistence is disabled
	stats  *metrics.Pipeline
	logger *slog.Logger

	vmu        sync.RWMutex
	validators map[string]*validate.Validator

	persistCh chan persistItem
	distCh    chan domain.Tick
}

type persistItem struct {
	tick   *domain.Tick
	candle *domain.Candle
}

// New wires a Pipeline. The aggregator is constructed here so its emit path
// feeds the dispatcher and the candle store.
func New(
	cfg Config,
	aggCfg aggregate.Config,
	hotCache *hot.Cache,
	dist domain.DistTickCache,
	disp *dispatch.Dispatcher,
	ticks domain.TickStore,
	kline domain.CandleStore,
	stats *metrics.Pipeline,
	logger *slog.Logger,
) *Pipeline {
	if cfg.PersistBuffer <= 0 {
		cfg.PersistBuffer = 8192
	}
	if cfg.PersistBatch <= 0 {
		cfg.PersistBatch = 200
	}
	if cfg.PersistFlush <= 0 {
		cfg.PersistFlush = time.Second
	}
	if cfg.DistBuffer <= 0 {
		cfg.DistBuffer = 4096
	}

	p := &Pipeline{
		cfg:        cfg,
		hot:        hotCache,
		dist:       dist,
		disp:       disp,
		ticks:      ticks,
		kline:      kline,
		stats:      stats,
		logger:     logger.With(slog.String("component", "pipeline")),
		validators: make(map[string]*validate.Validator),
		persistCh:  make(chan persistItem, cfg.PersistBuffer),
		distCh:     make(chan domain.Tick, cfg.DistBuffer),
	}
	p.agg = aggregate.New(aggCfg, p.onCandle)
	return p
}

// Aggregator exposes the aggregation engine for read accessors.
func (p *Pipeline) Aggregator() *aggregate.Aggregator { return p.agg }

// Process handles one tick end to end. Called serially per symbol by its
// lane worker.
func (p *Pipeline) Process(ctx context.Context, t domain.Tick) {
	v := p.validator(t.Symbol)
	if reason, ok := v.Check(t); !ok {
		p.stats.Reject(rejectIndex(reason))
		return
	}
	p.stats.Accepted.Add(1)

	p.hot.Put(t)
	if p.dist != nil {
		select {
		case p.distCh <- t:
		default:
			// Distributed tier lags behind; the hot tier stays correct.
		}
	}

	p.agg.Apply(t)
	p.disp.PublishTick(t)
	if t.HasDepth() {
		p.disp.PublishDepth(domain.DepthSnapshot{
			Symbol:    t.Symbol,
			Bids:      t.Bids,
			Asks:      t.Asks,
			Seq:       t.Seq,
			Timestamp: t.EventTime,
		})
	}

	if p.ticks != nil && !t.Replay {
		p.enqueuePersist(persistItem{tick: &t})
	}
}

// onCandle receives every closed or corrected candle from the aggregator.
func (p *Pipeline) onCandle(c domain.Candle) {
	p.stats.CandlesEmitted.Add(1)
	p.disp.PublishCandle(c)
	if p.kline != nil {
		p.enqueuePersist(persistItem{candle: &c})
	}
}

func (p *Pipeline) enqueuePersist(item persistItem) {
	select {
	case p.persistCh <- item:
	default:
		p.stats.PersistErrors.Add(1)
	}
}

// Recent serves the cache read contract: hot tier first, read-through to
// the distributed tier on miss. Hot-tier hits never touch the network.
func (p *Pipeline) Recent(ctx context.Context, symbol string, n int) []domain.Tick {
	if got := p.hot.GetRecent(symbol, n); got != nil {
		p.stats.CacheHits.Add(1)
		return got
	}
	p.stats.CacheMisses.Add(1)

	if p.dist == nil {
		return nil
	}
	got, err := p.dist.RecentTicks(ctx, symbol, n)
	if err != nil {
		return nil
	}
	return got
}

// Depth returns the last-known depth snapshot, hot tier first.
func (p *Pipeline) Depth(ctx context.Context, symbol string) (domain.DepthSnapshot, bool) {
	if snap, ok := p.hot.GetDepth(symbol); ok {
		p.stats.CacheHits.Add(1)
		return snap, true
	}
	p.stats.CacheMisses.Add(1)

	if p.dist == nil {
		return domain.DepthSnapshot{}, false
	}
	snap, err := p.dist.Depth(ctx, symbol)
	if err != nil {
		return domain.DepthSnapshot{}, false
	}
	return snap, true
}

// Run starts the background workers: bucket flushing, distributed-tier
// write-through, and the persistence writer. Blocks until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.agg.Run(ctx) })
	g.Go(func() error { return p.runDistWriter(ctx) })
	g.Go(func() error { return p.runPersistWriter(ctx) })
	return g.Wait()
}

func (p *Pipeline) runDistWriter(ctx context.Context) error {
	if p.dist == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-p.distCh:
			if err := p.dist.PutTick(ctx, t); err != nil {
				p.logger.Debug("dist cache write failed",
					slog.String("symbol", t.Symbol),
					slog.String("error", err.Error()),
				)
				continue
			}
			if t.HasDepth() {
				_ = p.dist.PutDepth(ctx, domain.DepthSnapshot{
					Symbol:    t.Symbol,
					Bids:      t.Bids,
					Asks:      t.Asks,
					Seq:       t.Seq,
					Timestamp: t.EventTime,
				})
			}
		}
	}
}

func (p *Pipeline) runPersistWriter(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PersistFlush)
	defer ticker.Stop()

	var (
		tickBatch   []domain.Tick
		candleBatch []domain.Candle
	)
	flush := func() {
		if len(tickBatch) > 0 && p.ticks != nil {
			p.writeWithRetry(ctx, func(c context.Context) error {
				return p.ticks.InsertBatch(c, tickBatch)
			})
			tickBatch = tickBatch[:0]
		}
		if len(candleBatch) > 0 && p.kline != nil {
			p.writeWithRetry(ctx, func(c context.Context) error {
				return p.kline.UpsertBatch(c, candleBatch)
			})
			candleBatch = candleBatch[:0]
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return ctx.Err()
		case <-ticker.C:
			flush()
		case item := <-p.persistCh:
			if item.tick != nil {
				tickBatch = append(tickBatch, *item.tick)
			}
			if item.candle != nil {
				candleBatch = append(candleBatch, *item.candle)
			}
			if len(tickBatch)+len(candleBatch) >= p.cfg.PersistBatch {
				flush()
			}
		}
	}
}

// writeWithRetry attempts a store write a bounded number of times, then
// drops the batch and counts the failure. Persistence never stalls the
// pipeline.
func (p *Pipeline) writeWithRetry(ctx context.Context, write func(context.Context) error) {
	var err error
	for attempt := 0; attempt <= p.cfg.PersistRetries; attempt++ {
		if err = write(ctx); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			p.stats.PersistErrors.Add(1)
			return
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}
	p.stats.PersistErrors.Add(1)
	p.logger.Warn("persist batch dropped", slog.String("error", err.Error()))
}

func (p *Pipeline) validator(symbol string) *validate.Validator {
	p.vmu.RLock()
	v, ok := p.validators[symbol]
	p.vmu.RUnlock()
	if ok {
		return v
	}
	p.vmu.Lock()
	defer p.vmu.Unlock()
	if v, ok = p.validators[symbol]; ok {
		return v
	}
	v = validate.New(p.cfg.Validate)
	p.validators[symbol] = v
	return v
}

func rejectIndex(reason domain.RejectReason) int {
	switch reason {
	case domain.RejectInvalidPrice:
		return metrics.RejectInvalidPrice
	case domain.RejectInvalidVolume:
		return metrics.RejectInvalidVolume
	case domain.RejectOutOfOrder:
		return metrics.RejectOutOfOrder
	case domain.RejectDuplicate:
		return metrics.RejectDuplicate
	case domain.RejectPriceSpike:
		return metrics.RejectPriceSpike
	default:
		return -1
	}
}
