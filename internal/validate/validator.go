// Package validate implements the per-symbol cleaning rules applied to every
// tick before it reaches the cache, aggregation, or dispatch stages. Each
// symbol lane owns exactly one Validator, so no locking is required.
package validate

import (
	"math"

	"github.com/mkarlsen/marketpipe/internal/domain"
)

// Config holds the tunable cleaning thresholds.
type Config struct {
	// SpikeThreshold is the maximum relative price deviation from the
	// previous accepted price before a low-volume tick is treated as an
	// erroneous spike. 0.10 means 10%.
	SpikeThreshold float64

	// SpikeMinVolume is the volume below which a large move is considered
	// suspect. Moves at or above this volume are accepted as legitimate gaps.
	SpikeMinVolume int64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SpikeThreshold: 0.10,
		SpikeMinVolume: 10,
	}
}

// Validator applies the cleaning rules for one symbol. Rules run in a fixed
// order and the first failure wins; accepted ticks pass through unchanged,
// values are never corrected.
type Validator struct {
	cfg Config

	lastSeq   uint64
	lastTime  int64 // unix nanos of last accepted event
	lastPrice float64
	seen      bool

	rejects map[domain.RejectReason]uint64
}

// New creates a Validator for a single symbol lane.
func New(cfg Config) *Validator {
	if cfg.SpikeThreshold <= 0 {
		cfg.SpikeThreshold = 0.10
	}
	return &Validator{
		cfg:     cfg,
		rejects: make(map[domain.RejectReason]uint64),
	}
}

// Check applies the rules to one tick. It returns (reason, false) on
// rejection and ("", true) on acceptance, updating the accepted-tick state
// only in the latter case.
func (v *Validator) Check(t domain.Tick) (domain.RejectReason, bool) {
	if reason := v.check(t); reason != "" {
		v.rejects[reason]++
		return reason, false
	}
	v.lastSeq = t.Seq
	v.lastTime = t.EventTime.UnixNano()
	v.lastPrice = t.Price
	v.seen = true
	return "", true
}

func (v *Validator) check(t domain.Tick) domain.RejectReason {
	if t.Price <= 0 || math.IsNaN(t.Price) || math.IsInf(t.Price, 0) {
		return domain.RejectInvalidPrice
	}
	if t.Volume < 0 {
		return domain.RejectInvalidVolume
	}
	if v.seen {
		// Only the watermark seq is provably a duplicate; anything below it
		// arrived out of order.
		if t.Seq == v.lastSeq {
			return domain.RejectDuplicate
		}
		if t.Seq < v.lastSeq {
			return domain.RejectOutOfOrder
		}
		if t.EventTime.UnixNano() < v.lastTime {
			return domain.RejectOutOfOrder
		}
		dev := math.Abs(t.Price-v.lastPrice) / v.lastPrice
		if dev > v.cfg.SpikeThreshold && t.Volume < v.cfg.SpikeMinVolume {
			return domain.RejectPriceSpike
		}
	}
	return ""
}

// LastSeq returns the sequence number of the last accepted tick, or 0 when
// none has been accepted yet.
func (v *Validator) LastSeq() uint64 {
	return v.lastSeq
}

// Rejects returns the per-reason rejection counts for this symbol.
func (v *Validator) Rejects() map[domain.RejectReason]uint64 {
	out := make(map[domain.RejectReason]uint64, len(v.rejects))
	for k, n := range v.rejects {
		out[k] = n
	}
	return out
}
