package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkarlsen/marketpipe/internal/domain"
)

// TickStore implements domain.TickStore using PostgreSQL.
type TickStore struct {
	pool *pgxpool.Pool
}

// NewTickStore creates a TickStore backed by the given connection pool.
func NewTickStore(pool *pgxpool.Pool) *TickStore {
	return &TickStore{pool: pool}
}

// InsertBatch inserts ticks using pgx Batch. Replays of already-stored
// sequence numbers are silently skipped via ON CONFLICT DO NOTHING, so the
// writer can retry a batch without duplicating rows.
func (s *TickStore) InsertBatch(ctx context.Context, ticks []domain.Tick) error {
	if len(ticks) == 0 {
		return nil
	}

	const query = `
		INSERT INTO ticks (
			symbol, price, volume, seq, event_time, arrival_time, bids, asks
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol, seq) DO NOTHING`

	batch := &pgx.Batch{}
	for i, t := range ticks {
		bids, asks, err := encodeDepth(t)
		if err != nil {
			return fmt.Errorf("postgres: encode depth for tick %d: %w", i, err)
		}
		batch.Queue(query,
			t.Symbol, t.Price, t.Volume, int64(t.Seq),
			t.EventTime, t.ArrivalTime, bids, asks,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range ticks {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert tick batch item %d: %w", i, err)
		}
	}
	return nil
}

// Range returns ticks for symbol with event time in [since, until), ordered
// by sequence number ascending, capped at limit.
func (s *TickStore) Range(ctx context.Context, symbol string, since, until time.Time, limit int) ([]domain.Tick, error) {
	const query = `
		SELECT symbol, price, volume, seq, event_time, arrival_time, bids, asks
		FROM ticks
		WHERE symbol = $1 AND event_time >= $2 AND event_time < $3
		ORDER BY seq ASC
		LIMIT $4`

	rows, err := s.pool.Query(ctx, query, symbol, since, until, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: range ticks %s: %w", symbol, err)
	}
	defer rows.Close()

	return scanTickRows(rows)
}

// LastSeq returns the highest stored sequence number for the symbol, or 0
// when none exist.
func (s *TickStore) LastSeq(ctx context.Context, symbol string) (uint64, error) {
	var seq *int64
	err := s.pool.QueryRow(ctx,
		"SELECT MAX(seq) FROM ticks WHERE symbol = $1", symbol).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("postgres: last seq %s: %w", symbol, err)
	}
	if seq == nil {
		return 0, nil
	}
	return uint64(*seq), nil
}

func scanTickRows(rows pgx.Rows) ([]domain.Tick, error) {
	var ticks []domain.Tick
	for rows.Next() {
		var (
			t          domain.Tick
			seq        int64
			bids, asks []byte
		)
		if err := rows.Scan(
			&t.Symbol, &t.Price, &t.Volume, &seq,
			&t.EventTime, &t.ArrivalTime, &bids, &asks,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan tick: %w", err)
		}
		t.Seq = uint64(seq)
		if err := decodeDepth(bids, &t.Bids); err != nil {
			return nil, err
		}
		if err := decodeDepth(asks, &t.Asks); err != nil {
			return nil, err
		}
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}

func encodeDepth(t domain.Tick) (bids, asks []byte, err error) {
	if len(t.Bids) > 0 {
		if bids, err = json.Marshal(t.Bids); err != nil {
			return nil, nil, err
		}
	}
	if len(t.Asks) > 0 {
		if asks, err = json.Marshal(t.Asks); err != nil {
			return nil, nil, err
		}
	}
	return bids, asks, nil
}

func decodeDepth(data []byte, dst *[]domain.PriceLevel) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("postgres: decode depth: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.TickStore = (*TickStore)(nil)
