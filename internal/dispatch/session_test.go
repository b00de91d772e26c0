package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mkarlsen/marketpipe/internal/domain"
)

func dataMsg(symbol string, n int) domain.Message {
	return domain.Message{
		Kind:    domain.KindTick,
		Symbol:  symbol,
		Payload: []byte(fmt.Sprintf(`{"n":%d}`, n)),
	}
}

func TestSession_OverflowDropsOldest(t *testing.T) {
	s := NewSession(SessionConfig{QueueCapacity: 1000, DropWindow: time.Minute, DropLimit: 1 << 30})

	// 1500 messages into a 1000-slot queue with no consumer.
	for i := 1; i <= 1500; i++ {
		s.Enqueue(dataMsg("rb2405", i))
	}

	if s.Len() != 1000 {
		t.Fatalf("queue length = %d, want 1000", s.Len())
	}
	if s.Drops() != 500 {
		t.Fatalf("drop counter = %d, want 500", s.Drops())
	}

	// The survivors are exactly the most recent 1000, in order.
	ctx := context.Background()
	for want := 501; want <= 1500; want++ {
		msg, err := s.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if string(msg.Payload) != fmt.Sprintf(`{"n":%d}`, want) {
			t.Fatalf("got %s, want n=%d", msg.Payload, want)
		}
	}
}

func TestSession_HeartbeatEvictsDataWhenFull(t *testing.T) {
	s := NewSession(SessionConfig{QueueCapacity: 3, DropWindow: time.Minute, DropLimit: 1 << 30})
	for i := 1; i <= 3; i++ {
		s.Enqueue(dataMsg("rb2405", i))
	}

	pong := domain.Message{Kind: domain.KindPong, Payload: []byte(`{"type":"pong"}`)}
	if !s.Enqueue(pong) {
		t.Fatal("heartbeat enqueue failed on full queue")
	}
	if s.Len() != 3 {
		t.Fatalf("queue length = %d, want 3", s.Len())
	}

	// Oldest data message (n=1) was evicted; the pong is queued last.
	ctx := context.Background()
	got := make([]domain.Kind, 0, 3)
	payloads := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		msg, err := s.Dequeue(ctx)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, msg.Kind)
		payloads = append(payloads, string(msg.Payload))
	}
	if payloads[0] != `{"n":2}` || payloads[1] != `{"n":3}` {
		t.Errorf("surviving data = %v, want n=2 then n=3", payloads[:2])
	}
	if got[2] != domain.KindPong {
		t.Errorf("last message kind = %s, want pong", got[2])
	}
}

func TestSession_OverflowAfterHeadWrapKeepsOrder(t *testing.T) {
	s := NewSession(SessionConfig{QueueCapacity: 4, DropWindow: time.Minute, DropLimit: 1 << 30})
	ctx := context.Background()

	// Move the head off slot zero before filling up.
	s.Enqueue(dataMsg("rb2405", 1))
	s.Enqueue(dataMsg("rb2405", 2))
	if _, err := s.Dequeue(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Dequeue(ctx); err != nil {
		t.Fatal(err)
	}

	for i := 3; i <= 6; i++ {
		s.Enqueue(dataMsg("rb2405", i)) // fills, wrapping the ring
	}
	s.Enqueue(dataMsg("rb2405", 7)) // overflow drops n=3
	s.Enqueue(dataMsg("rb2405", 8)) // overflow drops n=4

	if s.Drops() != 2 {
		t.Fatalf("Drops = %d, want 2", s.Drops())
	}
	for want := 5; want <= 8; want++ {
		msg, err := s.Dequeue(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got := string(msg.Payload); got != fmt.Sprintf(`{"n":%d}`, want) {
			t.Fatalf("payload = %s, want n=%d", got, want)
		}
	}
}

func TestSession_DequeueBlocksUntilEnqueue(t *testing.T) {
	s := NewSession(DefaultSessionConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan domain.Message, 1)
	go func() {
		msg, err := s.Dequeue(ctx)
		if err == nil {
			done <- msg
		}
	}()

	time.Sleep(20 * time.Millisecond)
	s.Enqueue(dataMsg("cu2405", 7))

	select {
	case msg := <-done:
		if msg.Symbol != "cu2405" {
			t.Errorf("symbol = %s", msg.Symbol)
		}
	case <-ctx.Done():
		t.Fatal("Dequeue never woke up")
	}
}

func TestSession_CloseUnblocksAndRejects(t *testing.T) {
	s := NewSession(DefaultSessionConfig())

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Dequeue(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.Close()
	s.Close() // idempotent

	select {
	case err := <-errCh:
		if err != domain.ErrQueueClosed {
			t.Errorf("Dequeue error = %v, want ErrQueueClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue did not return after Close")
	}

	if s.Enqueue(dataMsg("rb2405", 1)) {
		t.Error("Enqueue succeeded on closed session")
	}
}

func TestSession_DropRateExceeded(t *testing.T) {
	s := NewSession(SessionConfig{QueueCapacity: 2, DropWindow: time.Minute, DropLimit: 10})
	for i := 0; i < 13; i++ {
		s.Enqueue(dataMsg("rb2405", i))
	}
	// 13 enqueues into 2 slots: 11 drops > limit of 10.
	if !s.DropRateExceeded() {
		t.Errorf("DropRateExceeded = false after %d drops", s.Drops())
	}
}
