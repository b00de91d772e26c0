package validate

import (
	"math"
	"testing"
	"time"

	"github.com/mkarlsen/marketpipe/internal/domain"
)

var base = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func tick(seq uint64, price float64, volume int64, at time.Time) domain.Tick {
	return domain.Tick{
		Symbol:    "rb2405",
		Price:     price,
		Volume:    volume,
		Seq:       seq,
		EventTime: at,
	}
}

func TestCheck_AcceptsCleanSequence(t *testing.T) {
	v := New(DefaultConfig())
	ticks := []domain.Tick{
		tick(1, 3500, 10, base),
		tick(2, 3502, 5, base.Add(time.Second)),
		tick(3, 3498, 20, base.Add(2*time.Second)),
	}
	for i, tk := range ticks {
		if reason, ok := v.Check(tk); !ok {
			t.Fatalf("tick %d rejected with %s", i, reason)
		}
	}
	if v.LastSeq() != 3 {
		t.Errorf("LastSeq = %d, want 3", v.LastSeq())
	}
}

func TestCheck_RejectReasons(t *testing.T) {
	tests := []struct {
		name   string
		tick   domain.Tick
		reason domain.RejectReason
	}{
		{"zero price", tick(2, 0, 10, base.Add(time.Second)), domain.RejectInvalidPrice},
		{"negative price", tick(2, -5, 10, base.Add(time.Second)), domain.RejectInvalidPrice},
		{"nan price", tick(2, math.NaN(), 10, base.Add(time.Second)), domain.RejectInvalidPrice},
		{"inf price", tick(2, math.Inf(1), 10, base.Add(time.Second)), domain.RejectInvalidPrice},
		{"negative volume", tick(2, 3500, -1, base.Add(time.Second)), domain.RejectInvalidVolume},
		{"duplicate seq", tick(1, 3500, 10, base.Add(time.Second)), domain.RejectDuplicate},
		{"stale seq", tick(0, 3500, 10, base.Add(time.Second)), domain.RejectOutOfOrder},
		{"earlier timestamp", tick(2, 3500, 10, base.Add(-time.Second)), domain.RejectOutOfOrder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New(DefaultConfig())
			if _, ok := v.Check(tick(1, 3500, 10, base)); !ok {
				t.Fatal("seed tick rejected")
			}
			reason, ok := v.Check(tt.tick)
			if ok {
				t.Fatal("tick accepted, want rejection")
			}
			if reason != tt.reason {
				t.Errorf("reason = %s, want %s", reason, tt.reason)
			}
		})
	}
}

func TestCheck_SpikeFilter(t *testing.T) {
	cfg := Config{SpikeThreshold: 0.10, SpikeMinVolume: 10}

	// A 20% move on thin volume is a spike.
	v := New(cfg)
	v.Check(tick(1, 100, 50, base))
	reason, ok := v.Check(tick(2, 120, 2, base.Add(time.Second)))
	if ok || reason != domain.RejectPriceSpike {
		t.Errorf("thin spike: ok=%v reason=%s, want price_spike rejection", ok, reason)
	}

	// The same move with real volume behind it is a legitimate gap.
	v = New(cfg)
	v.Check(tick(1, 100, 50, base))
	if _, ok := v.Check(tick(2, 120, 500, base.Add(time.Second))); !ok {
		t.Error("high-volume gap rejected, want accept")
	}

	// A move inside the threshold passes regardless of volume.
	v = New(cfg)
	v.Check(tick(1, 100, 50, base))
	if _, ok := v.Check(tick(2, 105, 1, base.Add(time.Second))); !ok {
		t.Error("small move rejected, want accept")
	}
}

func TestCheck_RejectionDoesNotAdvanceState(t *testing.T) {
	v := New(DefaultConfig())
	v.Check(tick(1, 100, 10, base))
	v.Check(tick(5, 0, 10, base.Add(time.Second))) // rejected: invalid price

	// Seq 5 was rejected, so seq 2 must still be acceptable.
	if _, ok := v.Check(tick(2, 101, 10, base.Add(2*time.Second))); !ok {
		t.Error("tick after rejection not accepted; rejected tick advanced state")
	}
}

func TestCheck_EqualTimestampAccepted(t *testing.T) {
	// Multiple trades can share an exchange timestamp; ordering is enforced
	// by the sequence number.
	v := New(DefaultConfig())
	v.Check(tick(1, 100, 10, base))
	if _, ok := v.Check(tick(2, 100.5, 10, base)); !ok {
		t.Error("same-timestamp tick rejected, want accept")
	}
}

func TestRejects_CountsPerReason(t *testing.T) {
	v := New(DefaultConfig())
	v.Check(tick(1, 100, 10, base))
	v.Check(tick(2, 0, 10, base))      // invalid_price
	v.Check(tick(3, -1, 10, base))     // invalid_price
	v.Check(tick(1, 100, 10, base))    // duplicate
	v.Check(tick(0, 100, 10, base))    // out_of_order
	v.Check(tick(4, 100, -100, base))  // invalid_volume

	counts := v.Rejects()
	if counts[domain.RejectInvalidPrice] != 2 {
		t.Errorf("invalid_price = %d, want 2", counts[domain.RejectInvalidPrice])
	}
	if counts[domain.RejectDuplicate] != 1 {
		t.Errorf("duplicate = %d, want 1", counts[domain.RejectDuplicate])
	}
	if counts[domain.RejectOutOfOrder] != 1 {
		t.Errorf("out_of_order = %d, want 1", counts[domain.RejectOutOfOrder])
	}
	if counts[domain.RejectInvalidVolume] != 1 {
		t.Errorf("invalid_volume = %d, want 1", counts[domain.RejectInvalidVolume])
	}
}
