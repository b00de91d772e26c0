package domain

import (
	"context"
	"io"
	"time"
)

// TickStore is the durable sink for validated ticks. The write path is
// asynchronous with bounded retry and must never block ingestion; the read
// path serves recovery backfill and historical queries.
type TickStore interface {
	InsertBatch(ctx context.Context, ticks []Tick) error
	// Range returns ticks for symbol with event time in [since, until),
	// ordered by sequence number ascending, capped at limit.
	Range(ctx context.Context, symbol string, since, until time.Time, limit int) ([]Tick, error)
	// LastSeq returns the highest stored sequence number for the symbol, or
	// 0 when none exist.
	LastSeq(ctx context.Context, symbol string) (uint64, error)
}

// CandleStore persists emitted candles. Upsert semantics: a re-emitted
// corrected candle for the same (symbol, interval, open_time) replaces the
// prior row.
type CandleStore interface {
	UpsertBatch(ctx context.Context, candles []Candle) error
	Range(ctx context.Context, symbol string, interval time.Duration, since, until time.Time, limit int) ([]Candle, error)
	// ListBefore returns candles whose bucket closed strictly before the
	// cutoff, for archival.
	ListBefore(ctx context.Context, before time.Time, limit int) ([]Candle, error)
}

// BlobWriter uploads serialized archives to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}
