package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/mkarlsen/marketpipe/internal/domain"
)

// lane is one symbol's processing queue. Exactly one worker drains it, so
// everything downstream of the gateway runs lock-free per symbol.
type lane struct {
	symbol string
	in     chan domain.Tick

	// lastSeq is the highest sequence number handed downstream. Only the
	// lane worker touches it.
	lastSeq uint64
}

// runLane drains one symbol lane. Before forwarding an event that jumps the
// sequence, it replays the missing range from recovery so the downstream
// stages see the backfill first.
func (g *Gateway) runLane(ctx context.Context, l *lane) {
	defer g.wg.Done()

	for t := range l.in {
		if l.lastSeq > 0 && t.Seq > l.lastSeq+1 && !t.Replay {
			g.backfillGap(ctx, l, t.Seq)
		}
		g.process(ctx, t)
		if t.Seq > l.lastSeq {
			l.lastSeq = t.Seq
		}
	}
}

// backfillGap replays the ticks missing between the lane watermark and
// nextSeq. Recovery bounds the fetch; a failed fetch leaves the gap
// unresolved and live processing continues.
func (g *Gateway) backfillGap(ctx context.Context, l *lane, nextSeq uint64) {
	g.logger.Warn("sequence gap detected",
		slog.String("symbol", l.symbol),
		slog.Uint64("last_seq", l.lastSeq),
		slog.Uint64("next_seq", nextSeq),
	)

	replay := g.rec.Backfill(ctx, domain.GapReport{
		Source:     "feed",
		Symbol:     l.symbol,
		FromSeq:    l.lastSeq,
		ToSeq:      nextSeq,
		DetectedAt: time.Now(),
	})
	for _, t := range replay {
		g.process(ctx, t)
		if t.Seq > l.lastSeq {
			l.lastSeq = t.Seq
		}
	}
}
