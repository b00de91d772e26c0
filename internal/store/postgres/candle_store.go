package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkarlsen/marketpipe/internal/domain"
)

// CandleStore implements domain.CandleStore using PostgreSQL. Intervals are
// stored as milliseconds so the (symbol, interval, open_time) key is stable.
type CandleStore struct {
	pool *pgxpool.Pool
}

// NewCandleStore creates a CandleStore backed by the given connection pool.
func NewCandleStore(pool *pgxpool.Pool) *CandleStore {
	return &CandleStore{pool: pool}
}

const candleSelectCols = `symbol, interval_ms, open_time, close_time,
	open, high, low, close, volume, trade_count`

// UpsertBatch writes candles using pgx Batch. A re-emitted corrected candle
// for the same (symbol, interval, open_time) replaces the prior row.
func (s *CandleStore) UpsertBatch(ctx context.Context, candles []domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	const query = `
		INSERT INTO candles (
			symbol, interval_ms, open_time, close_time,
			open, high, low, close, volume, trade_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (symbol, interval_ms, open_time) DO UPDATE SET
			close_time = EXCLUDED.close_time,
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			trade_count = EXCLUDED.trade_count`

	batch := &pgx.Batch{}
	for _, c := range candles {
		batch.Queue(query,
			c.Symbol, c.Interval.Milliseconds(), c.OpenTime, c.CloseTime,
			c.Open, c.High, c.Low, c.Close, c.Volume, c.TradeCount,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range candles {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: upsert candle batch item %d: %w", i, err)
		}
	}
	return nil
}

// Range returns candles for symbol and interval with open time in
// [since, until), ordered by open time ascending, capped at limit.
func (s *CandleStore) Range(ctx context.Context, symbol string, interval time.Duration, since, until time.Time, limit int) ([]domain.Candle, error) {
	query := `SELECT ` + candleSelectCols + `
		FROM candles
		WHERE symbol = $1 AND interval_ms = $2
		  AND open_time >= $3 AND open_time < $4
		ORDER BY open_time ASC
		LIMIT $5`

	rows, err := s.pool.Query(ctx, query,
		symbol, interval.Milliseconds(), since, until, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: range candles %s: %w", symbol, err)
	}
	defer rows.Close()

	return scanCandleRows(rows)
}

// ListBefore returns candles whose bucket closed strictly before the cutoff,
// oldest first, for archival.
func (s *CandleStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.Candle, error) {
	query := `SELECT ` + candleSelectCols + `
		FROM candles
		WHERE close_time < $1
		ORDER BY close_time ASC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list candles before %s: %w", before.Format(time.RFC3339), err)
	}
	defer rows.Close()

	return scanCandleRows(rows)
}

// DeleteBefore removes candles whose bucket closed strictly before the
// cutoff, after they have been archived.
func (s *CandleStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM candles WHERE close_time < $1", before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete candles before %s: %w", before.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

func scanCandleRows(rows pgx.Rows) ([]domain.Candle, error) {
	var candles []domain.Candle
	for rows.Next() {
		var (
			c          domain.Candle
			intervalMS int64
		)
		if err := rows.Scan(
			&c.Symbol, &intervalMS, &c.OpenTime, &c.CloseTime,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.TradeCount,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan candle: %w", err)
		}
		c.Interval = time.Duration(intervalMS) * time.Millisecond
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// Compile-time interface check.
var _ domain.CandleStore = (*CandleStore)(nil)
