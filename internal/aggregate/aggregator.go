// Package aggregate folds accepted ticks into fixed-width OHLCV buckets and
// emits each candle exactly once when its bucket closes. Bucket state per
// symbol is only ever mutated by that symbol's lane worker or the flush
// ticker, so each symbol carries its own small lock.
package aggregate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mkarlsen/marketpipe/internal/domain"
)

// Config holds the aggregation parameters.
type Config struct {
	// Intervals lists the bucket widths maintained per symbol.
	Intervals []time.Duration

	// FlushGrace is how long past a bucket's wall-clock boundary the flush
	// ticker waits before force-closing it. Covers symbols that stop
	// trading mid-bucket.
	FlushGrace time.Duration
}

// DefaultConfig returns 1m aggregation with a 2s flush grace.
func DefaultConfig() Config {
	return Config{
		Intervals:  []time.Duration{time.Minute},
		FlushGrace: 2 * time.Second,
	}
}

// EmitFunc receives each closed candle. Corrected candles for the same
// bucket may be re-emitted after replay reconciliation.
type EmitFunc func(domain.Candle)

type intervalState struct {
	open       *domain.Candle
	lastClosed *domain.Candle
	prevClose  float64
	haveClose  bool
}

type symbolAgg struct {
	mu        sync.Mutex
	intervals map[time.Duration]*intervalState
}

// Aggregator maintains at most one open bucket per (symbol, interval).
type Aggregator struct {
	cfg  Config
	emit EmitFunc

	mu      sync.RWMutex
	symbols map[string]*symbolAgg

	lateDrops atomic.Uint64
	emitted   atomic.Uint64
}

// New creates an Aggregator that pushes closed candles to emit.
func New(cfg Config, emit EmitFunc) *Aggregator {
	if len(cfg.Intervals) == 0 {
		cfg.Intervals = []time.Duration{time.Minute}
	}
	if cfg.FlushGrace <= 0 {
		cfg.FlushGrace = 2 * time.Second
	}
	return &Aggregator{
		cfg:     cfg,
		emit:    emit,
		symbols: make(map[string]*symbolAgg),
	}
}

// Apply folds one accepted tick into every configured interval. Replayed
// ticks reconcile idempotently: anything at or below the bucket's sequence
// watermark has already been counted and is skipped.
func (a *Aggregator) Apply(t domain.Tick) {
	sa := a.symbolState(t.Symbol)
	sa.mu.Lock()
	defer sa.mu.Unlock()

	for _, interval := range a.cfg.Intervals {
		a.applyInterval(sa, interval, t)
	}
}

func (a *Aggregator) applyInterval(sa *symbolAgg, interval time.Duration, t domain.Tick) {
	st, ok := sa.intervals[interval]
	if !ok {
		st = &intervalState{}
		sa.intervals[interval] = st
	}

	switch {
	case st.open == nil:
		// A flush may have closed the previous bucket before the exchange
		// clock crossed its boundary. A tick that still lands at or before
		// the last close must not re-open that window.
		if st.haveClose && t.EventTime.Before(st.lastClosed.CloseTime) {
			a.reconcileClosed(st, t)
			return
		}
		a.fillGaps(st, t.Symbol, interval, t.EventTime.Truncate(interval))
		c := domain.NewCandle(t, interval)
		st.open = &c

	case st.open.Contains(t):
		if t.Replay && t.Seq <= st.open.LastSeq {
			return // already folded before the gap
		}
		st.open.Fold(t)

	case !t.EventTime.Before(st.open.CloseTime):
		a.closeOpen(st)
		a.fillGaps(st, t.Symbol, interval, t.EventTime.Truncate(interval))
		c := domain.NewCandle(t, interval)
		st.open = &c

	default:
		a.reconcileClosed(st, t)
	}
}

// reconcileClosed handles a tick for an already-closed window. Only replays
// into the most recently closed bucket are reconciled and re-emitted; all
// other late data is dropped and counted.
func (a *Aggregator) reconcileClosed(st *intervalState, t domain.Tick) {
	if t.Replay && st.lastClosed != nil && st.lastClosed.Contains(t) && t.Seq > st.lastClosed.LastSeq {
		st.lastClosed.Fold(t)
		st.prevClose = st.lastClosed.Close
		a.emitted.Add(1)
		a.emit(*st.lastClosed)
		return
	}
	a.lateDrops.Add(1)
}

// fillGaps emits zero-volume continuation candles for every fully-skipped
// window between the last close and the upcoming open.
func (a *Aggregator) fillGaps(st *intervalState, symbol string, interval time.Duration, upTo time.Time) {
	if !st.haveClose {
		return
	}
	for w := st.lastClosed.CloseTime; w.Before(upTo); w = w.Add(interval) {
		gap := domain.EmptyCandle(symbol, interval, w, st.prevClose)
		st.lastClosed = &gap
		a.emitted.Add(1)
		a.emit(gap)
	}
}

func (a *Aggregator) closeOpen(st *intervalState) {
	c := *st.open
	st.open = nil
	st.lastClosed = &c
	st.prevClose = c.Close
	st.haveClose = true
	a.emitted.Add(1)
	a.emit(c)
}

// Flush force-closes every open bucket whose wall-clock boundary has passed
// by more than the configured grace. Returns the number of buckets closed.
func (a *Aggregator) Flush(now time.Time) int {
	a.mu.RLock()
	all := make([]*symbolAgg, 0, len(a.symbols))
	for _, sa := range a.symbols {
		all = append(all, sa)
	}
	a.mu.RUnlock()

	closed := 0
	for _, sa := range all {
		sa.mu.Lock()
		for _, st := range sa.intervals {
			if st.open != nil && now.After(st.open.CloseTime.Add(a.cfg.FlushGrace)) {
				a.closeOpen(st)
				closed++
			}
		}
		sa.mu.Unlock()
	}
	return closed
}

// Run drives the periodic timeout flush until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			a.Flush(now)
		}
	}
}

// Open returns a copy of the currently open bucket for (symbol, interval).
func (a *Aggregator) Open(symbol string, interval time.Duration) (domain.Candle, bool) {
	a.mu.RLock()
	sa, ok := a.symbols[symbol]
	a.mu.RUnlock()
	if !ok {
		return domain.Candle{}, false
	}
	sa.mu.Lock()
	defer sa.mu.Unlock()
	st, ok := sa.intervals[interval]
	if !ok || st.open == nil {
		return domain.Candle{}, false
	}
	return *st.open, true
}

// LateDrops returns the count of ticks rejected for landing in buckets too
// old to reconcile.
func (a *Aggregator) LateDrops() uint64 { return a.lateDrops.Load() }

// Emitted returns the total number of candles emitted, corrections included.
func (a *Aggregator) Emitted() uint64 { return a.emitted.Load() }

func (a *Aggregator) symbolState(symbol string) *symbolAgg {
	a.mu.RLock()
	sa, ok := a.symbols[symbol]
	a.mu.RUnlock()
	if ok {
		return sa
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if sa, ok = a.symbols[symbol]; ok {
		return sa
	}
	sa = &symbolAgg{intervals: make(map[time.Duration]*intervalState)}
	a.symbols[symbol] = sa
	return sa
}
