package dispatch

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mkarlsen/marketpipe/internal/domain"
	"github.com/mkarlsen/marketpipe/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDispatcher() (*Dispatcher, *metrics.Pipeline) {
	stats := &metrics.Pipeline{}
	return NewDispatcher(NewRegistry(), stats, testLogger()), stats
}

func sampleTick(symbol string) domain.Tick {
	return domain.Tick{
		Symbol:    symbol,
		Price:     3500,
		Volume:    10,
		Seq:       1,
		EventTime: time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
	}
}

func TestPublishTick_OnlySubscribedSessionsReceive(t *testing.T) {
	d, _ := newTestDispatcher()
	subbed := NewSession(DefaultSessionConfig())
	other := NewSession(DefaultSessionConfig())

	d.Registry().Subscribe(subbed, "cu2405", domain.KindTick)
	d.Registry().Subscribe(other, "cu2405", domain.KindKline) // different kind

	d.PublishTick(sampleTick("cu2405"))

	if subbed.Len() != 1 {
		t.Errorf("subscribed session queue = %d, want 1", subbed.Len())
	}
	if other.Len() != 0 {
		t.Errorf("kline-only session queue = %d, want 0", other.Len())
	}
}

func TestPublishTick_AfterUnsubscribeNothingIsEnqueued(t *testing.T) {
	d, _ := newTestDispatcher()
	s := NewSession(DefaultSessionConfig())
	d.Registry().Subscribe(s, "cu2405", domain.KindTick)

	d.PublishTick(sampleTick("cu2405"))
	if s.Len() != 1 {
		t.Fatalf("queue = %d before unsubscribe, want 1", s.Len())
	}

	d.Registry().Unsubscribe(s, "cu2405", domain.KindTick)
	d.PublishTick(sampleTick("cu2405"))

	if s.Len() != 1 {
		t.Errorf("queue = %d after unsubscribe, want still 1", s.Len())
	}
}

func TestPublish_FrameIsValidEnvelope(t *testing.T) {
	d, _ := newTestDispatcher()
	s := NewSession(DefaultSessionConfig())
	d.Registry().Subscribe(s, "rb2405", domain.KindTick)

	d.PublishTick(sampleTick("rb2405"))

	msg, err := s.Dequeue(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	var env domain.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		t.Fatalf("frame not valid JSON: %v", err)
	}
	if env.Type != domain.KindTick || env.Symbol != "rb2405" {
		t.Errorf("envelope = %+v", env)
	}
	var tk domain.Tick
	if err := json.Unmarshal(env.Payload, &tk); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if tk.Price != 3500 || tk.Volume != 10 {
		t.Errorf("tick = %+v", tk)
	}
}

func TestPublish_SustainedOverflowKicksSession(t *testing.T) {
	d, stats := newTestDispatcher()
	s := NewSession(SessionConfig{QueueCapacity: 2, DropWindow: time.Minute, DropLimit: 5})
	d.Registry().Subscribe(s, "rb2405", domain.KindTick)

	var kicked *Session
	d.OnKick(func(victim *Session) { kicked = victim })

	for i := 0; i < 20; i++ {
		d.PublishTick(sampleTick("rb2405"))
	}

	if kicked == nil || kicked.ID != s.ID {
		t.Fatal("slow session was not kicked")
	}
	if !s.Closed() {
		t.Error("kicked session not closed")
	}
	if stats.ForcedKicks.Load() != 1 {
		t.Errorf("forced kicks = %d, want 1", stats.ForcedKicks.Load())
	}
	if stats.QueueDrops.Load() == 0 {
		t.Error("queue drops not counted")
	}
	if d.Registry().Subscribed(s, "rb2405", domain.KindTick) {
		t.Error("kicked session still in registry")
	}
}

func TestPublish_PerSymbolOrderingPreserved(t *testing.T) {
	d, _ := newTestDispatcher()
	s := NewSession(DefaultSessionConfig())
	d.Registry().Subscribe(s, "rb2405", domain.KindTick)

	for i := 1; i <= 50; i++ {
		tk := sampleTick("rb2405")
		tk.Seq = uint64(i)
		d.PublishTick(tk)
	}

	var lastSeq uint64
	for i := 0; i < 50; i++ {
		msg, err := s.Dequeue(t.Context())
		if err != nil {
			t.Fatal(err)
		}
		var env domain.Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			t.Fatal(err)
		}
		var tk domain.Tick
		if err := json.Unmarshal(env.Payload, &tk); err != nil {
			t.Fatal(err)
		}
		if tk.Seq <= lastSeq {
			t.Fatalf("out of order: seq %d after %d", tk.Seq, lastSeq)
		}
		lastSeq = tk.Seq
	}
}

func TestRegistry_SubscribeIdempotent(t *testing.T) {
	r := NewRegistry()
	s := NewSession(DefaultSessionConfig())

	r.Subscribe(s, "cu2405", domain.KindTick)
	r.Subscribe(s, "cu2405", domain.KindTick)

	if got := len(r.Sessions("cu2405", domain.KindTick)); got != 1 {
		t.Errorf("sessions = %d, want 1", got)
	}

	r.Unsubscribe(s, "cu2405", domain.KindTick)
	r.Unsubscribe(s, "cu2405", domain.KindTick) // no-op

	if got := r.Sessions("cu2405", domain.KindTick); got != nil {
		t.Errorf("sessions after unsubscribe = %v, want none", got)
	}
}

func TestRegistry_RemoveSessionDropsAllSubscriptions(t *testing.T) {
	r := NewRegistry()
	s := NewSession(DefaultSessionConfig())
	keep := NewSession(DefaultSessionConfig())

	symbols := []string{"rb2405", "cu2405", "au2406", "ag2406"}
	for _, sym := range symbols {
		r.Subscribe(s, sym, domain.KindTick)
		r.Subscribe(s, sym, domain.KindKline)
		r.Subscribe(keep, sym, domain.KindTick)
	}

	r.RemoveSession(s)

	for _, sym := range symbols {
		if r.Subscribed(s, sym, domain.KindTick) || r.Subscribed(s, sym, domain.KindKline) {
			t.Errorf("session still subscribed to %s", sym)
		}
		if !r.Subscribed(keep, sym, domain.KindTick) {
			t.Errorf("unrelated session lost %s subscription", sym)
		}
	}
}

func TestRegistry_ConcurrentChurn(t *testing.T) {
	r := NewRegistry()
	symbols := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := NewSession(DefaultSessionConfig())
			for i := 0; i < 200; i++ {
				sym := symbols[i%len(symbols)]
				r.Subscribe(s, sym, domain.KindTick)
				r.Sessions(sym, domain.KindTick)
				r.Unsubscribe(s, sym, domain.KindTick)
			}
			r.RemoveSession(s)
		}()
	}
	wg.Wait()

	for _, sym := range symbols {
		if got := r.Sessions(sym, domain.KindTick); got != nil {
			t.Errorf("leftover sessions for %s: %d", sym, len(got))
		}
	}
}
