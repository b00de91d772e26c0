package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mkarlsen/marketpipe/internal/domain"
)

// TickCacheConfig bounds the per-symbol list length and the key lifetime.
// Keys expire so symbols that stop trading do not pin memory forever.
type TickCacheConfig struct {
	MaxTicks int
	TTL      time.Duration
}

// DefaultTickCacheConfig mirrors the hot tier's per-symbol capacity.
func DefaultTickCacheConfig() TickCacheConfig {
	return TickCacheConfig{
		MaxTicks: 500,
		TTL:      10 * time.Minute,
	}
}

// TickCache implements domain.DistTickCache on Redis. Recent ticks live in a
// list at "ticks:{symbol}", newest first, trimmed to MaxTicks; the last book
// snapshot lives as a JSON blob at "depth:{symbol}". Both carry a TTL.
type TickCache struct {
	rdb *redis.Client
	cfg TickCacheConfig
}

// NewTickCache creates a TickCache backed by the given Client.
func NewTickCache(c *Client, cfg TickCacheConfig) *TickCache {
	if cfg.MaxTicks <= 0 {
		cfg.MaxTicks = 500
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	return &TickCache{rdb: c.Underlying(), cfg: cfg}
}

func tickKey(symbol string) string  { return "ticks:" + symbol }
func depthKey(symbol string) string { return "depth:" + symbol }

// PutTick prepends the tick to the symbol's list, trims it to capacity, and
// refreshes the TTL. The three commands go out in one pipeline.
func (tc *TickCache) PutTick(ctx context.Context, t domain.Tick) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("redis: marshal tick %s: %w", t.Symbol, err)
	}

	key := tickKey(t.Symbol)
	pipe := tc.rdb.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(tc.cfg.MaxTicks-1))
	pipe.Expire(ctx, key, tc.cfg.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: put tick %s: %w", t.Symbol, err)
	}
	return nil
}

// PutDepth stores the latest book snapshot for the symbol.
func (tc *TickCache) PutDepth(ctx context.Context, snap domain.DepthSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal depth %s: %w", snap.Symbol, err)
	}
	if err := tc.rdb.Set(ctx, depthKey(snap.Symbol), data, tc.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("redis: put depth %s: %w", snap.Symbol, err)
	}
	return nil
}

// RecentTicks returns up to n cached ticks for the symbol, oldest first.
// It returns domain.ErrNotFound when the symbol has no cached entries.
func (tc *TickCache) RecentTicks(ctx context.Context, symbol string, n int) ([]domain.Tick, error) {
	if n <= 0 || n > tc.cfg.MaxTicks {
		n = tc.cfg.MaxTicks
	}

	raw, err := tc.rdb.LRange(ctx, tickKey(symbol), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: range ticks %s: %w", symbol, err)
	}
	if len(raw) == 0 {
		return nil, domain.ErrNotFound
	}

	// The list is newest first; callers expect oldest first.
	ticks := make([]domain.Tick, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var t domain.Tick
		if err := json.Unmarshal([]byte(raw[i]), &t); err != nil {
			return nil, fmt.Errorf("redis: unmarshal tick %s: %w", symbol, err)
		}
		ticks = append(ticks, t)
	}
	return ticks, nil
}

// Depth returns the last stored book snapshot for the symbol.
// It returns domain.ErrNotFound when no snapshot exists.
func (tc *TickCache) Depth(ctx context.Context, symbol string) (domain.DepthSnapshot, error) {
	raw, err := tc.rdb.Get(ctx, depthKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.DepthSnapshot{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.DepthSnapshot{}, fmt.Errorf("redis: get depth %s: %w", symbol, err)
	}

	var snap domain.DepthSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return domain.DepthSnapshot{}, fmt.Errorf("redis: unmarshal depth %s: %w", symbol, err)
	}
	return snap, nil
}

// Compile-time interface check.
var _ domain.DistTickCache = (*TickCache)(nil)
