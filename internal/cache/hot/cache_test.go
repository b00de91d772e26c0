package hot

import (
	"fmt"
	"testing"
	"time"

	"github.com/mkarlsen/marketpipe/internal/domain"
)

func mkTick(symbol string, seq uint64, price float64) domain.Tick {
	return domain.Tick{
		Symbol:    symbol,
		Price:     price,
		Volume:    1,
		Seq:       seq,
		EventTime: time.Unix(int64(seq), 0),
	}
}

func TestRing_NeverExceedsCapacity(t *testing.T) {
	r := NewRing(5)
	for i := 1; i <= 12; i++ {
		r.Push(mkTick("cu2405", uint64(i), float64(i)))
	}
	if r.Len() != 5 {
		t.Fatalf("Len = %d, want 5", r.Len())
	}
	got := r.Recent(10)
	if len(got) != 5 {
		t.Fatalf("Recent returned %d ticks, want 5", len(got))
	}
	// Oldest-first arrival order of the 5 most recent: seqs 8..12.
	for i, tk := range got {
		if want := uint64(8 + i); tk.Seq != want {
			t.Errorf("got[%d].Seq = %d, want %d", i, tk.Seq, want)
		}
	}
}

func TestRing_RecentPartialFill(t *testing.T) {
	r := NewRing(500)
	r.Push(mkTick("cu2405", 1, 100))
	r.Push(mkTick("cu2405", 2, 101))

	got := r.Recent(1)
	if len(got) != 1 || got[0].Seq != 2 {
		t.Fatalf("Recent(1) = %+v, want the newest tick", got)
	}
	if r.Recent(0) != nil {
		t.Error("Recent(0) should be nil")
	}
}

func TestCache_GetRecentUnknownSymbol(t *testing.T) {
	c := New(DefaultConfig())
	if got := c.GetRecent("nope", 5); got != nil {
		t.Errorf("GetRecent for unknown symbol = %v, want nil", got)
	}
}

func TestCache_LRUEvictsColdestSymbol(t *testing.T) {
	c := New(Config{RingCapacity: 10, MaxSymbols: 3})
	for i, sym := range []string{"a", "b", "c"} {
		c.Put(mkTick(sym, uint64(i+1), 100))
	}

	// Touch "a" so "b" becomes the coldest.
	c.GetRecent("a", 1)

	// Inserting a fourth symbol must evict "b".
	c.Put(mkTick("d", 1, 100))

	if c.Symbols() != 3 {
		t.Fatalf("resident symbols = %d, want 3", c.Symbols())
	}
	if got := c.GetRecent("b", 1); got != nil {
		t.Error("symbol b still resident, want evicted")
	}
	if got := c.GetRecent("a", 1); got == nil {
		t.Error("symbol a evicted, want resident")
	}
	if c.Evicted() != 1 {
		t.Errorf("Evicted = %d, want 1", c.Evicted())
	}
}

func TestCache_LRUNeverExceedsCap(t *testing.T) {
	c := New(Config{RingCapacity: 4, MaxSymbols: 8})
	for i := 0; i < 100; i++ {
		c.Put(mkTick(fmt.Sprintf("sym%03d", i), 1, 100))
	}
	if c.Symbols() != 8 {
		t.Errorf("resident symbols = %d, want 8", c.Symbols())
	}
}

func TestCache_DepthSnapshot(t *testing.T) {
	c := New(DefaultConfig())

	tk := mkTick("rb2405", 1, 3500)
	tk.Bids = []domain.PriceLevel{{Price: 3499, Size: 4}}
	tk.Asks = []domain.PriceLevel{{Price: 3501, Size: 2}}
	c.Put(tk)

	snap, ok := c.GetDepth("rb2405")
	if !ok {
		t.Fatal("depth snapshot missing")
	}
	if snap.Seq != 1 || len(snap.Bids) != 1 || snap.Bids[0].Price != 3499 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}

	// A pure trade tick must not clear the stored depth.
	c.Put(mkTick("rb2405", 2, 3502))
	if _, ok := c.GetDepth("rb2405"); !ok {
		t.Error("depth lost after trade tick")
	}
}

func TestCache_LastPrice(t *testing.T) {
	c := New(DefaultConfig())
	c.Put(mkTick("rb2405", 1, 3500))
	c.Put(mkTick("rb2405", 2, 3502))

	price, ok := c.LastPrice("rb2405")
	if !ok || price != 3502 {
		t.Errorf("LastPrice = %v/%v, want 3502/true", price, ok)
	}
}
