// Package ingest receives framed events from the feed adapters, assigns
// arrival indexes, and routes each event to a per-symbol lane so processing
// stays strictly ordered within a symbol while symbols run in parallel.
package ingest

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/mkarlsen/marketpipe/internal/domain"
	"github.com/mkarlsen/marketpipe/internal/metrics"
	"github.com/mkarlsen/marketpipe/internal/recovery"
)

// Config holds the gateway parameters.
type Config struct {
	// LaneBuffer is each symbol lane's channel capacity.
	LaneBuffer int
	// LivenessTimeout is how long a source may stay silent before it is
	// reported disconnected.
	LivenessTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		LaneBuffer:      1024,
		LivenessTimeout: 10 * time.Second,
	}
}

// ProcessFunc handles one tick. It is invoked serially per symbol by that
// symbol's lane worker; it must not be shared across calls for different
// symbols without its own synchronization.
type ProcessFunc func(ctx context.Context, t domain.Tick)

// Gateway fans framed feed events into per-symbol lanes and closes sequence
// gaps through recovery before forwarding the post-gap event.
type Gateway struct {
	cfg     Config
	rec     *recovery.Recovery
	process ProcessFunc
	stats   *metrics.Pipeline
	logger  *slog.Logger

	// arrival is only touched by the Run goroutine.
	arrival uint64

	mu    sync.Mutex
	lanes map[string]*lane
	wg    sync.WaitGroup

	srcMu    sync.Mutex
	lastSeen map[string]time.Time
	srcDown  map[string]bool
}

// New creates a Gateway that hands every routed tick to process.
func New(cfg Config, rec *recovery.Recovery, process ProcessFunc, stats *metrics.Pipeline, logger *slog.Logger) *Gateway {
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = 1024
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = 10 * time.Second
	}
	return &Gateway{
		cfg:      cfg,
		rec:      rec,
		process:  process,
		stats:    stats,
		logger:   logger.With(slog.String("component", "gateway")),
		lanes:    make(map[string]*lane),
		lastSeen: make(map[string]time.Time),
		srcDown:  make(map[string]bool),
	}
}

// Run consumes feed events until ctx is cancelled or events closes, then
// drains every lane before returning (graceful shutdown).
func (g *Gateway) Run(ctx context.Context, events <-chan domain.FeedEvent) error {
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go g.watchLiveness(watchCtx)

	defer g.drain()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			g.handle(ctx, ev)
		}
	}
}

func (g *Gateway) handle(ctx context.Context, ev domain.FeedEvent) {
	if ev.Raw == nil {
		switch ev.Status {
		case domain.FeedDisconnected:
			g.rec.NoteDisconnect(ev.Source)
		case domain.FeedReconnected:
			g.logger.Info("feed source reconnected", slog.String("source", ev.Source))
		}
		return
	}

	g.touchSource(ev.Raw.Source)

	t, ok := parseRaw(*ev.Raw)
	if !ok {
		g.stats.Malformed.Add(1)
		return
	}
	t.ArrivalTime = time.Now()
	g.arrival++
	t.ArrivalIndex = g.arrival

	l := g.lane(ctx, t.Symbol)
	select {
	case l.in <- t:
	case <-ctx.Done():
	}
}

// lane returns the symbol's lane, starting its worker on first use.
func (g *Gateway) lane(ctx context.Context, symbol string) *lane {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.lanes[symbol]
	if !ok {
		l = &lane{
			symbol: symbol,
			in:     make(chan domain.Tick, g.cfg.LaneBuffer),
		}
		g.lanes[symbol] = l
		g.wg.Add(1)
		go g.runLane(ctx, l)
	}
	return l
}

// drain closes every lane channel and waits for the workers to finish their
// in-flight ticks.
func (g *Gateway) drain() {
	g.mu.Lock()
	for _, l := range g.lanes {
		close(l.in)
	}
	g.mu.Unlock()
	g.wg.Wait()
}

func (g *Gateway) touchSource(source string) {
	g.srcMu.Lock()
	g.lastSeen[source] = time.Now()
	if g.srcDown[source] {
		g.srcDown[source] = false
		g.logger.Info("feed source live again", slog.String("source", source))
	}
	g.srcMu.Unlock()
}

// watchLiveness reports sources that stop producing within the timeout.
func (g *Gateway) watchLiveness(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.LivenessTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.srcMu.Lock()
			for source, seen := range g.lastSeen {
				if !g.srcDown[source] && now.Sub(seen) > g.cfg.LivenessTimeout {
					g.srcDown[source] = true
					g.srcMu.Unlock()
					g.rec.NoteDisconnect(source)
					g.srcMu.Lock()
				}
			}
			g.srcMu.Unlock()
		}
	}
}

// parseRaw turns a framed record into a Tick, reporting malformed frames.
func parseRaw(raw domain.RawEvent) (domain.Tick, bool) {
	if raw.Symbol == "" || raw.Seq == 0 || raw.EventTime <= 0 {
		return domain.Tick{}, false
	}
	price, err := strconv.ParseFloat(raw.Price, 64)
	if err != nil {
		return domain.Tick{}, false
	}
	volume, err := strconv.ParseInt(raw.Volume, 10, 64)
	if err != nil {
		return domain.Tick{}, false
	}
	bids, ok := parseLevels(raw.Bids)
	if !ok {
		return domain.Tick{}, false
	}
	asks, ok := parseLevels(raw.Asks)
	if !ok {
		return domain.Tick{}, false
	}
	return domain.Tick{
		Symbol:    raw.Symbol,
		Price:     price,
		Volume:    volume,
		Bids:      bids,
		Asks:      asks,
		Seq:       raw.Seq,
		EventTime: time.UnixMilli(raw.EventTime).UTC(),
	}, true
}

func parseLevels(levels [][2]string) ([]domain.PriceLevel, bool) {
	if len(levels) == 0 {
		return nil, true
	}
	out := make([]domain.PriceLevel, len(levels))
	for i, lv := range levels {
		price, err := strconv.ParseFloat(lv[0], 64)
		if err != nil {
			return nil, false
		}
		size, err := strconv.ParseFloat(lv[1], 64)
		if err != nil {
			return nil, false
		}
		out[i] = domain.PriceLevel{Price: price, Size: size}
	}
	return out, true
}
