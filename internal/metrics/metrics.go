// Package metrics holds the pipeline's observability counters. Counters are
// lock-free atomics so the hot path never contends; Snapshot produces a
// consistent-enough view for the stats endpoint and external collectors.
package metrics

import "sync/atomic"

// Pipeline aggregates every counter the pipeline exposes.
type Pipeline struct {
	Accepted       atomic.Uint64
	Malformed      atomic.Uint64
	rejects        [5]atomic.Uint64 // indexed by reject reason order
	CacheHits      atomic.Uint64
	CacheMisses    atomic.Uint64
	QueueDrops     atomic.Uint64
	ForcedKicks    atomic.Uint64
	CandlesEmitted atomic.Uint64
	LateDrops      atomic.Uint64
	FeedGaps       atomic.Uint64
	Backfills      atomic.Uint64
	UnresolvedGaps atomic.Uint64
	PersistErrors  atomic.Uint64
}

// Reject reason indexes. Must match domain.RejectReasons order.
const (
	RejectInvalidPrice = iota
	RejectInvalidVolume
	RejectOutOfOrder
	RejectDuplicate
	RejectPriceSpike
	rejectReasonCount
)

var rejectNames = [rejectReasonCount]string{
	"invalid_price",
	"invalid_volume",
	"out_of_order",
	"duplicate",
	"price_spike",
}

// Reject increments the counter for one reason index.
func (p *Pipeline) Reject(reason int) {
	if reason >= 0 && reason < rejectReasonCount {
		p.rejects[reason].Add(1)
	}
}

// Rejected returns the current count for one reason index.
func (p *Pipeline) Rejected(reason int) uint64 {
	if reason < 0 || reason >= rejectReasonCount {
		return 0
	}
	return p.rejects[reason].Load()
}

// Snapshot is a point-in-time copy of every counter, JSON-ready for the
// stats endpoint.
type Snapshot struct {
	Accepted       uint64            `json:"accepted"`
	Malformed      uint64            `json:"malformed"`
	Rejected       map[string]uint64 `json:"rejected"`
	CacheHits      uint64            `json:"cache_hits"`
	CacheMisses    uint64            `json:"cache_misses"`
	QueueDrops     uint64            `json:"queue_drops"`
	ForcedKicks    uint64            `json:"forced_disconnects"`
	CandlesEmitted uint64            `json:"candles_emitted"`
	LateDrops      uint64            `json:"late_drops"`
	FeedGaps       uint64            `json:"feed_gaps"`
	Backfills      uint64            `json:"backfills"`
	UnresolvedGaps uint64            `json:"unresolved_gaps"`
	PersistErrors  uint64            `json:"persist_errors"`
}

// Snapshot copies all counters.
func (p *Pipeline) Snapshot() Snapshot {
	rejected := make(map[string]uint64, rejectReasonCount)
	for i, name := range rejectNames {
		rejected[name] = p.rejects[i].Load()
	}
	return Snapshot{
		Accepted:       p.Accepted.Load(),
		Malformed:      p.Malformed.Load(),
		Rejected:       rejected,
		CacheHits:      p.CacheHits.Load(),
		CacheMisses:    p.CacheMisses.Load(),
		QueueDrops:     p.QueueDrops.Load(),
		ForcedKicks:    p.ForcedKicks.Load(),
		CandlesEmitted: p.CandlesEmitted.Load(),
		LateDrops:      p.LateDrops.Load(),
		FeedGaps:       p.FeedGaps.Load(),
		Backfills:      p.Backfills.Load(),
		UnresolvedGaps: p.UnresolvedGaps.Load(),
		PersistErrors:  p.PersistErrors.Load(),
	}
}
