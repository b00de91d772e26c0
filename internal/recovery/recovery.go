// Package recovery closes feed sequence gaps by replaying the missing range
// from the persistence sink. Backfill is bounded by both a time window and
// an event count, and a missing or failing sink never blocks live
// ingestion: the gap is surfaced as an unresolved-gap metric instead.
package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/mkarlsen/marketpipe/internal/domain"
	"github.com/mkarlsen/marketpipe/internal/metrics"
)

// Config bounds the backfill behaviour.
type Config struct {
	// Window is the maximum lookback for a backfill query.
	Window time.Duration
	// MaxEvents caps the number of records replayed per gap.
	MaxEvents int
	// Timeout bounds how long one backfill may hold up a symbol lane.
	Timeout time.Duration
}

// DefaultConfig returns the production defaults: last 5 minutes or 5000
// events, whichever is smaller.
func DefaultConfig() Config {
	return Config{
		Window:    5 * time.Minute,
		MaxEvents: 5000,
		Timeout:   3 * time.Second,
	}
}

// Recovery performs bounded backfills from the tick store.
type Recovery struct {
	cfg    Config
	store  domain.TickStore
	stats  *metrics.Pipeline
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Recovery. store may be nil when no persistence sink is
// configured; every gap is then reported unresolved.
func New(cfg Config, store domain.TickStore, stats *metrics.Pipeline, logger *slog.Logger) *Recovery {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 5000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Recovery{
		cfg:    cfg,
		store:  store,
		stats:  stats,
		logger: logger.With(slog.String("component", "recovery")),
		now:    time.Now,
	}
}

// Backfill fetches the ticks missing between fromSeq and toSeq (exclusive on
// both ends) for one symbol, marked as replays, ordered by sequence. The
// caller replays them through validation before resuming live processing.
// On sink failure it returns nil after recording the unresolved gap.
func (r *Recovery) Backfill(ctx context.Context, report domain.GapReport) []domain.Tick {
	r.stats.FeedGaps.Add(1)

	if r.store == nil {
		r.unresolved(report, domain.ErrStoreDown)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	now := r.now()
	stored, err := r.store.Range(ctx, report.Symbol, now.Add(-r.cfg.Window), now, r.cfg.MaxEvents)
	if err != nil {
		r.unresolved(report, err)
		return nil
	}

	replay := make([]domain.Tick, 0, len(stored))
	for _, t := range stored {
		if t.Seq <= report.FromSeq {
			continue
		}
		if report.ToSeq != 0 && t.Seq >= report.ToSeq {
			continue
		}
		t.Replay = true
		replay = append(replay, t)
	}

	if len(replay) == 0 {
		// The sink answered but holds nothing from the gap range.
		r.unresolved(report, domain.ErrNotFound)
		return nil
	}

	r.stats.Backfills.Add(1)
	r.logger.Info("gap backfilled",
		slog.String("source", report.Source),
		slog.String("symbol", report.Symbol),
		slog.Uint64("from_seq", report.FromSeq),
		slog.Uint64("to_seq", report.ToSeq),
		slog.Int("replayed", len(replay)),
	)
	return replay
}

// NoteDisconnect records a feed-source disconnect for observability. Gaps
// introduced by the outage surface per symbol once events flow again.
func (r *Recovery) NoteDisconnect(source string) {
	r.logger.Warn("feed source disconnected", slog.String("source", source))
}

func (r *Recovery) unresolved(report domain.GapReport, err error) {
	r.stats.UnresolvedGaps.Add(1)
	r.logger.Warn("gap left unresolved",
		slog.String("source", report.Source),
		slog.String("symbol", report.Symbol),
		slog.Uint64("from_seq", report.FromSeq),
		slog.Uint64("to_seq", report.ToSeq),
		slog.String("error", err.Error()),
	)
}
