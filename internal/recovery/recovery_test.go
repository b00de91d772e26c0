package recovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mkarlsen/marketpipe/internal/domain"
	"github.com/mkarlsen/marketpipe/internal/metrics"
)

type fakeStore struct {
	ticks []domain.Tick
	err   error

	gotSymbol string
	gotLimit  int
}

func (f *fakeStore) InsertBatch(ctx context.Context, ticks []domain.Tick) error { return nil }

func (f *fakeStore) Range(ctx context.Context, symbol string, since, until time.Time, limit int) ([]domain.Tick, error) {
	f.gotSymbol = symbol
	f.gotLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	return f.ticks, nil
}

func (f *fakeStore) LastSeq(ctx context.Context, symbol string) (uint64, error) { return 0, nil }

func storedTick(seq uint64) domain.Tick {
	return domain.Tick{
		Symbol:    "rb2405",
		Price:     3500,
		Volume:    1,
		Seq:       seq,
		EventTime: time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC).Add(time.Duration(seq) * time.Second),
	}
}

func gap(from, to uint64) domain.GapReport {
	return domain.GapReport{Source: "sim", Symbol: "rb2405", FromSeq: from, ToSeq: to, DetectedAt: time.Now()}
}

func newRecovery(store domain.TickStore, stats *metrics.Pipeline) *Recovery {
	return New(DefaultConfig(), store, stats, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBackfill_ReturnsMarkedReplaysInsideGap(t *testing.T) {
	store := &fakeStore{ticks: []domain.Tick{
		storedTick(3), storedTick(4), storedTick(5), storedTick(6), storedTick(7),
	}}
	stats := &metrics.Pipeline{}
	r := newRecovery(store, stats)

	got := r.Backfill(context.Background(), gap(3, 7))

	if len(got) != 3 {
		t.Fatalf("replayed %d ticks, want 3 (seqs 4,5,6)", len(got))
	}
	for i, tk := range got {
		if want := uint64(4 + i); tk.Seq != want {
			t.Errorf("got[%d].Seq = %d, want %d", i, tk.Seq, want)
		}
		if !tk.Replay {
			t.Errorf("got[%d] not marked as replay", i)
		}
	}
	if stats.FeedGaps.Load() != 1 || stats.Backfills.Load() != 1 {
		t.Errorf("gaps=%d backfills=%d, want 1/1", stats.FeedGaps.Load(), stats.Backfills.Load())
	}
	if store.gotSymbol != "rb2405" {
		t.Errorf("queried symbol = %q", store.gotSymbol)
	}
	if store.gotLimit != DefaultConfig().MaxEvents {
		t.Errorf("limit = %d, want %d", store.gotLimit, DefaultConfig().MaxEvents)
	}
}

func TestBackfill_OpenEndedGapAfterDisconnect(t *testing.T) {
	store := &fakeStore{ticks: []domain.Tick{storedTick(8), storedTick(9), storedTick(10)}}
	r := newRecovery(store, &metrics.Pipeline{})

	// ToSeq 0 means "everything after FromSeq" (disconnect case).
	got := r.Backfill(context.Background(), gap(8, 0))
	if len(got) != 2 {
		t.Fatalf("replayed %d ticks, want 2 (seqs 9,10)", len(got))
	}
}

func TestBackfill_StoreFailureIsNonFatal(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	stats := &metrics.Pipeline{}
	r := newRecovery(store, stats)

	if got := r.Backfill(context.Background(), gap(3, 9)); got != nil {
		t.Fatalf("got %d ticks from a failing store", len(got))
	}
	if stats.UnresolvedGaps.Load() != 1 {
		t.Errorf("unresolved gaps = %d, want 1", stats.UnresolvedGaps.Load())
	}
	if stats.Backfills.Load() != 0 {
		t.Errorf("backfills = %d, want 0", stats.Backfills.Load())
	}
}

func TestBackfill_NoStoreConfigured(t *testing.T) {
	stats := &metrics.Pipeline{}
	r := newRecovery(nil, stats)

	if got := r.Backfill(context.Background(), gap(1, 5)); got != nil {
		t.Fatal("backfill returned ticks without a store")
	}
	if stats.UnresolvedGaps.Load() != 1 {
		t.Errorf("unresolved gaps = %d, want 1", stats.UnresolvedGaps.Load())
	}
}

func TestBackfill_EmptyRangeIsUnresolved(t *testing.T) {
	store := &fakeStore{ticks: []domain.Tick{storedTick(1), storedTick(2)}}
	stats := &metrics.Pipeline{}
	r := newRecovery(store, stats)

	// The sink has nothing inside (10, 20).
	if got := r.Backfill(context.Background(), gap(10, 20)); got != nil {
		t.Fatalf("got %d ticks, want none", len(got))
	}
	if stats.UnresolvedGaps.Load() != 1 {
		t.Errorf("unresolved gaps = %d, want 1", stats.UnresolvedGaps.Load())
	}
}
