package dispatch

import (
	"hash/fnv"
	"sync"

	"github.com/mkarlsen/marketpipe/internal/domain"
)

// shardCount is the number of independent registry shards. Sharding by
// symbol hash keeps subscribe/unsubscribe churn on one symbol from
// contending with fan-out lookups on another.
const shardCount = 16

type registryShard struct {
	mu sync.RWMutex
	// symbol -> kind -> sessionID -> session
	subs map[string]map[domain.Kind]map[string]*Session
}

// Registry is the sharded many-to-many subscription table between sessions
// and (symbol, kind) pairs. All operations are idempotent set operations.
type Registry struct {
	shards [shardCount]*registryShard
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &registryShard{
			subs: make(map[string]map[domain.Kind]map[string]*Session),
		}
	}
	return r
}

func (r *Registry) shard(symbol string) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return r.shards[h.Sum32()%shardCount]
}

// Subscribe registers the session for (symbol, kind). Re-subscribing is a
// no-op.
func (r *Registry) Subscribe(s *Session, symbol string, kind domain.Kind) {
	sh := r.shard(symbol)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	byKind, ok := sh.subs[symbol]
	if !ok {
		byKind = make(map[domain.Kind]map[string]*Session)
		sh.subs[symbol] = byKind
	}
	bySession, ok := byKind[kind]
	if !ok {
		bySession = make(map[string]*Session)
		byKind[kind] = bySession
	}
	bySession[s.ID] = s
}

// Unsubscribe removes the session's (symbol, kind) subscription. Removing a
// subscription that does not exist is a no-op.
func (r *Registry) Unsubscribe(s *Session, symbol string, kind domain.Kind) {
	sh := r.shard(symbol)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	byKind, ok := sh.subs[symbol]
	if !ok {
		return
	}
	if bySession, ok := byKind[kind]; ok {
		delete(bySession, s.ID)
		if len(bySession) == 0 {
			delete(byKind, kind)
		}
	}
	if len(byKind) == 0 {
		delete(sh.subs, symbol)
	}
}

// RemoveSession drops every subscription held by the session, atomically per
// shard. Called on disconnect or heartbeat timeout.
func (r *Registry) RemoveSession(s *Session) {
	for _, sh := range r.shards {
		sh.mu.Lock()
		for symbol, byKind := range sh.subs {
			for kind, bySession := range byKind {
				delete(bySession, s.ID)
				if len(bySession) == 0 {
					delete(byKind, kind)
				}
			}
			if len(byKind) == 0 {
				delete(sh.subs, symbol)
			}
		}
		sh.mu.Unlock()
	}
}

// Sessions returns the sessions subscribed to (symbol, kind).
func (r *Registry) Sessions(symbol string, kind domain.Kind) []*Session {
	sh := r.shard(symbol)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	bySession := sh.subs[symbol][kind]
	if len(bySession) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(bySession))
	for _, s := range bySession {
		out = append(out, s)
	}
	return out
}

// Subscribed reports whether the session holds a (symbol, kind)
// subscription.
func (r *Registry) Subscribed(s *Session, symbol string, kind domain.Kind) bool {
	sh := r.shard(symbol)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.subs[symbol][kind][s.ID]
	return ok
}
