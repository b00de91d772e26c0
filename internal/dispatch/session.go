// Package dispatch tracks client subscriptions and fans validated market
// data out to every subscribed session without ever blocking the pipeline
// on a slow consumer.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkarlsen/marketpipe/internal/domain"
)

// SessionConfig bounds one client session's outbound queue and the drop
// rate tolerated before the session is forcibly disconnected.
type SessionConfig struct {
	QueueCapacity int
	// DropWindow and DropLimit define the forced-disconnect policy: more
	// than DropLimit drops within a sliding DropWindow kicks the session.
	DropWindow time.Duration
	DropLimit  uint64
}

// DefaultSessionConfig returns the production defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		QueueCapacity: 1000,
		DropWindow:    10 * time.Second,
		DropLimit:     2000,
	}
}

// Session is one connected streaming client: a bounded outbound queue
// drained by a dedicated writer, plus drop accounting. Producers only ever
// enqueue; the queue never blocks them.
type Session struct {
	ID string

	cfg SessionConfig

	mu     sync.Mutex
	buf    []domain.Message // ring, oldest at head
	head   int
	count  int
	closed bool

	drops       uint64
	windowStart time.Time
	windowDrops uint64

	lastHeartbeat time.Time

	notify chan struct{}
	done   chan struct{}
}

// NewSession creates a session with a fresh ID.
func NewSession(cfg SessionConfig) *Session {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1000
	}
	if cfg.DropWindow <= 0 {
		cfg.DropWindow = 10 * time.Second
	}
	return &Session{
		ID:            uuid.NewString(),
		cfg:           cfg,
		buf:           make([]domain.Message, cfg.QueueCapacity),
		lastHeartbeat: time.Now(),
		notify:        make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Enqueue appends a message to the outbound queue. When the queue is full,
// data messages displace the oldest queued message; control messages (pong,
// error) bypass the drop policy by evicting the oldest data message instead.
// It never blocks. Returns false when the session is closed.
func (s *Session) Enqueue(msg domain.Message) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}

	if s.count == len(s.buf) {
		if msg.Kind.IsData() {
			s.evictAt(0)
		} else {
			s.evictAt(s.indexOfOldestData())
		}
		s.recordDropLocked()
	}

	s.buf[(s.head+s.count)%len(s.buf)] = msg
	s.count++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// evictAt removes the element at logical position i (0 = oldest). Dropping
// the head is a pointer advance; only a mid-queue control-bypass eviction
// shifts entries. Caller holds the lock.
func (s *Session) evictAt(i int) {
	if i == 0 {
		s.buf[s.head] = domain.Message{}
		s.head = (s.head + 1) % len(s.buf)
		s.count--
		return
	}
	for ; i < s.count-1; i++ {
		s.buf[(s.head+i)%len(s.buf)] = s.buf[(s.head+i+1)%len(s.buf)]
	}
	s.count--
}

// indexOfOldestData returns the logical position of the oldest data message,
// or 0 when the queue holds only control messages. Caller holds the lock.
func (s *Session) indexOfOldestData() int {
	for i := 0; i < s.count; i++ {
		if s.buf[(s.head+i)%len(s.buf)].Kind.IsData() {
			return i
		}
	}
	return 0
}

func (s *Session) recordDropLocked() {
	s.drops++
	now := time.Now()
	if now.Sub(s.windowStart) > s.cfg.DropWindow {
		s.windowStart = now
		s.windowDrops = 0
	}
	s.windowDrops++
}

// Dequeue blocks until a message is available, the session closes, or ctx
// is cancelled.
func (s *Session) Dequeue(ctx context.Context) (domain.Message, error) {
	for {
		s.mu.Lock()
		if s.count > 0 {
			msg := s.buf[s.head]
			s.buf[s.head] = domain.Message{}
			s.head = (s.head + 1) % len(s.buf)
			s.count--
			s.mu.Unlock()
			return msg, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return domain.Message{}, domain.ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return domain.Message{}, ctx.Err()
		case <-s.done:
			return domain.Message{}, domain.ErrQueueClosed
		case <-s.notify:
		}
	}
}

// Close marks the session closed and wakes the writer. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Len returns the current queue depth.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Drops returns the total messages dropped from this session's queue.
func (s *Session) Drops() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}

// DropRateExceeded reports whether the sliding-window drop count is over
// the forced-disconnect limit.
func (s *Session) DropRateExceeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.DropLimit == 0 {
		return false
	}
	if time.Since(s.windowStart) > s.cfg.DropWindow {
		return false
	}
	return s.windowDrops > s.cfg.DropLimit
}

// Heartbeat records client liveness.
func (s *Session) Heartbeat() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
}

// LastHeartbeat returns the most recent ping time.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}
