package domain

import "context"

// TickCache is the hot-tier read contract. GetRecent returns up to n most
// recent validated ticks in arrival order and never blocks on network I/O.
type TickCache interface {
	GetRecent(symbol string, n int) []Tick
	GetDepth(symbol string) (DepthSnapshot, bool)
}

// DistTickCache is the optional distributed tier shared across pipeline
// instances. Writes are fire-and-forget from the caller's perspective;
// entries carry a TTL independent of the in-process LRU policy.
type DistTickCache interface {
	PutTick(ctx context.Context, t Tick) error
	PutDepth(ctx context.Context, snap DepthSnapshot) error
	// RecentTicks returns up to n most recent ticks for the symbol, newest
	// last. Returns ErrNotFound when the symbol has no cached entries.
	RecentTicks(ctx context.Context, symbol string, n int) ([]Tick, error)
	Depth(ctx context.Context, symbol string) (DepthSnapshot, error)
}
