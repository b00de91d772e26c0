package hot

import (
	"container/list"
	"sync"

	"github.com/mkarlsen/marketpipe/internal/domain"
)

// Config bounds the hot tier.
type Config struct {
	// RingCapacity is K, the per-symbol ring buffer size.
	RingCapacity int
	// MaxSymbols caps the number of resident symbols; the least-recently
	// touched symbol is evicted entirely when the cap is exceeded.
	MaxSymbols int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{RingCapacity: 500, MaxSymbols: 2048}
}

type symbolEntry struct {
	symbol string
	ring   *Ring
	depth  *domain.DepthSnapshot
	elem   *list.Element // position in the LRU list
}

// Cache is the hot tier: per-symbol rings plus a symbol-level LRU. Writes
// come from symbol lane workers; reads come from REST handlers and the
// distributed-tier read-through path, so access is guarded by a single
// RWMutex. Every operation inside the lock is O(1).
type Cache struct {
	mu      sync.RWMutex
	cfg     Config
	entries map[string]*symbolEntry
	lru     *list.List // front = most recently touched
	evicted uint64
}

// New creates an empty hot cache.
func New(cfg Config) *Cache {
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = 500
	}
	if cfg.MaxSymbols <= 0 {
		cfg.MaxSymbols = 2048
	}
	return &Cache{
		cfg:     cfg,
		entries: make(map[string]*symbolEntry),
		lru:     list.New(),
	}
}

// Put inserts an accepted tick, touching the symbol in the LRU and storing a
// fresh depth snapshot when the tick carries one.
func (c *Cache) Put(t domain.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.touch(t.Symbol)
	e.ring.Push(t)
	if t.HasDepth() {
		e.depth = &domain.DepthSnapshot{
			Symbol:    t.Symbol,
			Bids:      t.Bids,
			Asks:      t.Asks,
			Seq:       t.Seq,
			Timestamp: t.EventTime,
		}
	}
}

// GetRecent returns up to n most recent ticks in arrival order, or nil when
// the symbol is not resident. A hit counts as a touch.
func (c *Cache) GetRecent(symbol string, n int) []domain.Tick {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[symbol]
	if !ok {
		return nil
	}
	c.lru.MoveToFront(e.elem)
	return e.ring.Recent(n)
}

// GetDepth returns the last-known depth snapshot for the symbol.
func (c *Cache) GetDepth(symbol string) (domain.DepthSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[symbol]
	if !ok || e.depth == nil {
		return domain.DepthSnapshot{}, false
	}
	c.lru.MoveToFront(e.elem)
	return *e.depth, true
}

// LastPrice returns the most recent accepted price for the symbol.
func (c *Cache) LastPrice(symbol string) (float64, bool) {
	ticks := c.GetRecent(symbol, 1)
	if len(ticks) == 0 {
		return 0, false
	}
	return ticks[0].Price, true
}

// Symbols returns the resident symbol count.
func (c *Cache) Symbols() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Evicted returns the number of symbols evicted under memory pressure.
func (c *Cache) Evicted() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.evicted
}

// touch returns the entry for symbol, creating it (and evicting the coldest
// symbol if the resident cap is exceeded) as needed. Caller holds the lock.
func (c *Cache) touch(symbol string) *symbolEntry {
	if e, ok := c.entries[symbol]; ok {
		c.lru.MoveToFront(e.elem)
		return e
	}

	if len(c.entries) >= c.cfg.MaxSymbols {
		oldest := c.lru.Back()
		if oldest != nil {
			victim := oldest.Value.(*symbolEntry)
			c.lru.Remove(oldest)
			delete(c.entries, victim.symbol)
			c.evicted++
		}
	}

	e := &symbolEntry{
		symbol: symbol,
		ring:   NewRing(c.cfg.RingCapacity),
	}
	e.elem = c.lru.PushFront(e)
	c.entries[symbol] = e
	return e
}

var _ domain.TickCache = (*Cache)(nil)
