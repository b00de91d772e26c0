package domain

import (
	"context"
	"time"
)

// RawEvent is one application-level record from an upstream feed adapter,
// already framed but not yet validated. Price and volume arrive as strings
// because exchange feeds disagree on numeric encoding; the gateway parses
// and drops malformed frames before validation ever sees them.
type RawEvent struct {
	Source    string       `json:"-"`
	Symbol    string       `json:"symbol"`
	Price     string       `json:"price"`
	Volume    string       `json:"volume"`
	Bids      [][2]string  `json:"bids,omitempty"`
	Asks      [][2]string  `json:"asks,omitempty"`
	Seq       uint64       `json:"seq"`
	EventTime int64        `json:"ts"` // unix milliseconds
}

// FeedEvent wraps a raw event or a feed-health transition. Exactly one of
// Raw or Status is meaningful; Source identifies the emitting adapter for
// status transitions.
type FeedEvent struct {
	Raw    *RawEvent
	Status FeedStatus
	Source string
}

// FeedStatus signals feed liveness transitions to the gateway.
type FeedStatus int

const (
	FeedOK FeedStatus = iota
	FeedDisconnected
	FeedReconnected
)

// FeedSource is an upstream exchange feed adapter. Events delivers framed
// records and liveness transitions; delivery is at-least-once with a
// per-symbol monotonic sequence number, so duplicates and gaps must be
// tolerated downstream.
type FeedSource interface {
	Name() string
	// Run connects and pushes events until ctx is cancelled. Reconnects are
	// the adapter's responsibility; each reconnect emits FeedReconnected.
	Run(ctx context.Context, out chan<- FeedEvent) error
}

// GapReport describes a detected sequence gap or reconnect for one source,
// consumed by recovery.
type GapReport struct {
	Source     string
	Symbol     string
	FromSeq    uint64 // last seq seen before the gap
	ToSeq      uint64 // first seq seen after the gap (0 on disconnect)
	DetectedAt time.Time
}
