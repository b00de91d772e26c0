// Package hot implements the in-process cache tier: a fixed-capacity ring
// buffer of recent ticks per symbol plus a symbol-level LRU bounding the
// number of resident symbols.
package hot

import "github.com/mkarlsen/marketpipe/internal/domain"

// Ring is a fixed-size circular buffer of ticks. Insert is O(1) and
// overwrites the oldest entry once full; capacity never changes.
type Ring struct {
	data []domain.Tick
	next int // next write position
	size int
}

// NewRing creates a ring with the given capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 500
	}
	return &Ring{data: make([]domain.Tick, capacity)}
}

// Push appends a tick, evicting the oldest entry when full.
func (r *Ring) Push(t domain.Tick) {
	r.data[r.next] = t
	r.next = (r.next + 1) % len(r.data)
	if r.size < len(r.data) {
		r.size++
	}
}

// Recent returns up to n most recent ticks in arrival order, oldest first.
func (r *Ring) Recent(n int) []domain.Tick {
	if n <= 0 || r.size == 0 {
		return nil
	}
	if n > r.size {
		n = r.size
	}
	out := make([]domain.Tick, n)
	start := (r.next - n + len(r.data)) % len(r.data)
	for i := 0; i < n; i++ {
		out[i] = r.data[(start+i)%len(r.data)]
	}
	return out
}

// Len returns the number of buffered ticks.
func (r *Ring) Len() int { return r.size }

// Cap returns the fixed capacity.
func (r *Ring) Cap() int { return len(r.data) }
