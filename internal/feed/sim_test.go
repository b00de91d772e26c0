package feed

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/mkarlsen/marketpipe/internal/domain"
)

func collectSim(t *testing.T, cfg SimConfig, n int) []domain.FeedEvent {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sim := NewSim(cfg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := make(chan domain.FeedEvent, n)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sim.Run(ctx, out)
	}()

	events := make([]domain.FeedEvent, 0, n)
	for len(events) < n {
		select {
		case ev := <-out:
			events = append(events, ev)
		case <-ctx.Done():
			t.Fatalf("collected %d/%d events before timeout", len(events), n)
		}
	}
	cancel()
	<-done
	return events
}

func TestSim_MonotonicSeqPerSymbol(t *testing.T) {
	cfg := SimConfig{
		Symbols:    []string{"rb2405", "cu2405"},
		Interval:   time.Millisecond,
		StartPrice: 3500,
		GapChance:  0.2,
		Seed:       7,
	}
	events := collectSim(t, cfg, 100)

	last := map[string]uint64{}
	for _, ev := range events {
		if ev.Raw == nil {
			t.Fatalf("sim emitted a non-data event: %+v", ev)
		}
		if ev.Raw.Seq <= last[ev.Raw.Symbol] {
			t.Fatalf("seq %d not after %d for %s", ev.Raw.Seq, last[ev.Raw.Symbol], ev.Raw.Symbol)
		}
		last[ev.Raw.Symbol] = ev.Raw.Seq
	}
	if len(last) != 2 {
		t.Errorf("saw %d symbols, want 2", len(last))
	}
}

func TestSim_FramesParse(t *testing.T) {
	cfg := DefaultSimConfig()
	cfg.Interval = time.Millisecond
	events := collectSim(t, cfg, 50)

	sawDepth := false
	for _, ev := range events {
		price, err := strconv.ParseFloat(ev.Raw.Price, 64)
		if err != nil || price <= 0 {
			t.Fatalf("bad price %q: %v", ev.Raw.Price, err)
		}
		if _, err := strconv.ParseInt(ev.Raw.Volume, 10, 64); err != nil {
			t.Fatalf("bad volume %q: %v", ev.Raw.Volume, err)
		}
		if ev.Raw.EventTime == 0 {
			t.Fatal("missing event time")
		}
		if len(ev.Raw.Bids) > 0 {
			sawDepth = true
			if len(ev.Raw.Bids) != 5 || len(ev.Raw.Asks) != 5 {
				t.Fatalf("depth frame has %d bids / %d asks, want 5/5",
					len(ev.Raw.Bids), len(ev.Raw.Asks))
			}
		}
	}
	if !sawDepth {
		t.Error("no depth frames in 50 events with DepthEvery=10")
	}
}
