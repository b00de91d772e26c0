// Package domain defines the core data model and the interfaces that the
// pipeline stages, caches, and stores implement. It has no dependencies on
// other internal packages.
package domain

import "time"

// PriceLevel is a single price+size entry on one side of the book.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Tick is a single validated market event for one symbol. It is immutable
// once it leaves validation; downstream consumers hold read-only copies.
type Tick struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Volume int64   `json:"volume"`

	// Bids and Asks carry the depth levels attached to this event, if the
	// upstream frame included them. Empty for pure trade ticks.
	Bids []PriceLevel `json:"bids,omitempty"`
	Asks []PriceLevel `json:"asks,omitempty"`

	// Seq is the exchange-assigned sequence number, monotonic per symbol.
	Seq uint64 `json:"seq"`

	// EventTime is the exchange-supplied event timestamp.
	EventTime time.Time `json:"event_time"`

	// ArrivalTime is the wall-clock time the event entered the gateway.
	ArrivalTime time.Time `json:"arrival_time"`

	// ArrivalIndex is the pipeline-assigned arrival counter, used only for
	// ordering diagnostics.
	ArrivalIndex uint64 `json:"-"`

	// Replay marks ticks re-entering the pipeline through recovery backfill
	// so the aggregator can reconcile instead of double-accumulating.
	Replay bool `json:"-"`
}

// HasDepth reports whether the tick carries an order-book snapshot.
func (t *Tick) HasDepth() bool {
	return len(t.Bids) > 0 || len(t.Asks) > 0
}

// DepthSnapshot is the last-known order-book state for a symbol.
type DepthSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Seq       uint64       `json:"seq"`
	Timestamp time.Time    `json:"timestamp"`
}
