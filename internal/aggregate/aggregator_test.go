package aggregate

import (
	"testing"
	"time"

	"github.com/mkarlsen/marketpipe/internal/domain"
)

var bucketStart = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

type collector struct {
	candles []domain.Candle
}

func (c *collector) emit(candle domain.Candle) {
	c.candles = append(c.candles, candle)
}

func newMinuteAgg() (*Aggregator, *collector) {
	col := &collector{}
	agg := New(Config{Intervals: []time.Duration{time.Minute}, FlushGrace: 2 * time.Second}, col.emit)
	return agg, col
}

func tickAt(seq uint64, price float64, volume int64, at time.Time) domain.Tick {
	return domain.Tick{Symbol: "rb2405", Price: price, Volume: volume, Seq: seq, EventTime: at}
}

func TestApply_FoldsOneBucket(t *testing.T) {
	agg, col := newMinuteAgg()
	agg.Apply(tickAt(1, 3500, 10, bucketStart.Add(5*time.Second)))
	agg.Apply(tickAt(2, 3502, 5, bucketStart.Add(20*time.Second)))
	agg.Apply(tickAt(3, 3498, 20, bucketStart.Add(40*time.Second)))

	if len(col.candles) != 0 {
		t.Fatalf("bucket emitted early: %+v", col.candles)
	}

	// Crossing the boundary closes the bucket.
	agg.Apply(tickAt(4, 3501, 1, bucketStart.Add(61*time.Second)))

	if len(col.candles) != 1 {
		t.Fatalf("emitted %d candles, want 1", len(col.candles))
	}
	c := col.candles[0]
	if c.Open != 3500 || c.High != 3502 || c.Low != 3498 || c.Close != 3498 {
		t.Errorf("OHLC = %v/%v/%v/%v, want 3500/3502/3498/3498", c.Open, c.High, c.Low, c.Close)
	}
	if c.Volume != 35 {
		t.Errorf("Volume = %d, want 35", c.Volume)
	}
	if c.TradeCount != 3 {
		t.Errorf("TradeCount = %d, want 3", c.TradeCount)
	}
	if !c.OpenTime.Equal(bucketStart) || !c.CloseTime.Equal(bucketStart.Add(time.Minute)) {
		t.Errorf("bucket window = [%v, %v)", c.OpenTime, c.CloseTime)
	}
}

func TestApply_GapBucketsCarryPreviousClose(t *testing.T) {
	agg, col := newMinuteAgg()
	agg.Apply(tickAt(1, 100, 1, bucketStart))
	// Next tick lands three windows later: one close + two empty gap candles.
	agg.Apply(tickAt(2, 110, 1, bucketStart.Add(3*time.Minute+time.Second)))

	if len(col.candles) != 3 {
		t.Fatalf("emitted %d candles, want 3", len(col.candles))
	}
	for i, c := range col.candles[1:] {
		if c.Open != 100 || c.High != 100 || c.Low != 100 || c.Close != 100 {
			t.Errorf("gap candle %d OHLC = %v/%v/%v/%v, want flat 100", i, c.Open, c.High, c.Low, c.Close)
		}
		if c.Volume != 0 || c.TradeCount != 0 {
			t.Errorf("gap candle %d not empty: vol=%d trades=%d", i, c.Volume, c.TradeCount)
		}
		want := bucketStart.Add(time.Duration(i+1) * time.Minute)
		if !c.OpenTime.Equal(want) {
			t.Errorf("gap candle %d open time = %v, want %v", i, c.OpenTime, want)
		}
	}
}

func TestFlush_ClosesIdleBucket(t *testing.T) {
	agg, col := newMinuteAgg()
	agg.Apply(tickAt(1, 100, 2, bucketStart))

	// Still inside the grace period: nothing closes.
	if n := agg.Flush(bucketStart.Add(time.Minute + time.Second)); n != 0 {
		t.Fatalf("Flush closed %d buckets inside grace, want 0", n)
	}

	if n := agg.Flush(bucketStart.Add(time.Minute + 3*time.Second)); n != 1 {
		t.Fatalf("Flush closed %d buckets, want 1", n)
	}
	if len(col.candles) != 1 || col.candles[0].Close != 100 {
		t.Fatalf("flushed candle wrong: %+v", col.candles)
	}

	// A flush never double-emits.
	if n := agg.Flush(bucketStart.Add(2 * time.Minute)); n != 0 {
		t.Errorf("second Flush closed %d buckets, want 0", n)
	}
}

func TestApply_ReplayIsIdempotent(t *testing.T) {
	agg, col := newMinuteAgg()
	live := []domain.Tick{
		tickAt(1, 100, 5, bucketStart.Add(time.Second)),
		tickAt(2, 105, 5, bucketStart.Add(2*time.Second)),
		tickAt(3, 95, 5, bucketStart.Add(3*time.Second)),
	}
	for _, tk := range live {
		agg.Apply(tk)
	}

	// Replay the same range: watermark skips every duplicate.
	for _, tk := range live {
		tk.Replay = true
		agg.Apply(tk)
	}

	agg.Apply(tickAt(4, 101, 1, bucketStart.Add(61*time.Second)))
	if len(col.candles) != 1 {
		t.Fatalf("emitted %d candles, want 1", len(col.candles))
	}
	c := col.candles[0]
	if c.Volume != 15 || c.TradeCount != 3 {
		t.Errorf("replay double-counted: vol=%d trades=%d, want 15/3", c.Volume, c.TradeCount)
	}
}

func TestApply_ReplayFillsGapInOpenBucket(t *testing.T) {
	agg, _ := newMinuteAgg()
	agg.Apply(tickAt(1, 100, 5, bucketStart.Add(time.Second)))
	// Seq 2 was lost upstream; seq 3 arrives.
	agg.Apply(tickAt(3, 102, 5, bucketStart.Add(3*time.Second)))
	// Recovery replays the missing tick.
	missing := tickAt(2, 101, 7, bucketStart.Add(2*time.Second))
	missing.Replay = true
	agg.Apply(missing)

	open, ok := agg.Open("rb2405", time.Minute)
	if !ok {
		t.Fatal("open bucket missing")
	}
	if open.Volume != 17 || open.TradeCount != 3 {
		t.Errorf("open bucket vol=%d trades=%d, want 17/3", open.Volume, open.TradeCount)
	}
}

func TestApply_ReplayCorrectsLastClosedBucket(t *testing.T) {
	agg, col := newMinuteAgg()
	agg.Apply(tickAt(1, 100, 5, bucketStart.Add(time.Second)))
	agg.Apply(tickAt(3, 102, 5, bucketStart.Add(61*time.Second))) // closes bucket one

	// A replayed tick for the closed bucket above the watermark re-emits a
	// corrected candle.
	late := tickAt(2, 99, 4, bucketStart.Add(30*time.Second))
	late.Replay = true
	agg.Apply(late)

	if len(col.candles) != 2 {
		t.Fatalf("emitted %d candles, want original + correction", len(col.candles))
	}
	corrected := col.candles[1]
	if corrected.Volume != 9 || corrected.Low != 99 {
		t.Errorf("corrected candle vol=%d low=%v, want 9/99", corrected.Volume, corrected.Low)
	}
	if !corrected.OpenTime.Equal(bucketStart) {
		t.Errorf("corrected wrong bucket: %v", corrected.OpenTime)
	}
}

func TestApply_TooOldLateDataIsCounted(t *testing.T) {
	agg, _ := newMinuteAgg()
	agg.Apply(tickAt(1, 100, 5, bucketStart.Add(time.Second)))

	// Non-replay tick for an earlier window.
	agg.Apply(tickAt(2, 99, 5, bucketStart.Add(-5*time.Minute)))
	if agg.LateDrops() != 1 {
		t.Errorf("LateDrops = %d, want 1", agg.LateDrops())
	}
}

func TestApply_TickInsideFlushedWindowDoesNotReopenIt(t *testing.T) {
	agg, col := newMinuteAgg()
	agg.Apply(tickAt(1, 3500, 10, bucketStart))

	// The flush ticker closes the bucket before the exchange clock crossed
	// its boundary.
	if n := agg.Flush(bucketStart.Add(time.Minute + 3*time.Second)); n != 1 {
		t.Fatalf("Flush closed %d buckets, want 1", n)
	}

	// A lagging non-replay tick still inside the closed window is dropped,
	// not folded into a fresh bucket for the same open time.
	agg.Apply(tickAt(2, 9999, 1, bucketStart.Add(30*time.Second)))

	if agg.LateDrops() != 1 {
		t.Errorf("LateDrops = %d, want 1", agg.LateDrops())
	}
	if len(col.candles) != 1 {
		t.Fatalf("emitted %d candles, want only the flushed one", len(col.candles))
	}
	if c := col.candles[0]; c.Close != 3500 || c.Volume != 10 {
		t.Errorf("flushed candle altered: close=%v vol=%d", c.Close, c.Volume)
	}

	// A replayed tick in the same position reconciles the closed bucket
	// instead.
	replay := tickAt(3, 3490, 2, bucketStart.Add(40*time.Second))
	replay.Replay = true
	agg.Apply(replay)

	if len(col.candles) != 2 {
		t.Fatalf("emitted %d candles, want flushed + correction", len(col.candles))
	}
	if c := col.candles[1]; !c.OpenTime.Equal(bucketStart) || c.Low != 3490 || c.Volume != 12 {
		t.Errorf("correction = open_time %v low %v vol %d, want %v/3490/12", c.OpenTime, c.Low, c.Volume, bucketStart)
	}
}

func TestApply_MultipleIntervals(t *testing.T) {
	col := &collector{}
	agg := New(Config{Intervals: []time.Duration{time.Minute, 5 * time.Minute}}, col.emit)

	agg.Apply(tickAt(1, 100, 1, bucketStart))
	agg.Apply(tickAt(2, 101, 1, bucketStart.Add(61*time.Second)))

	// The 1m bucket closed; the 5m bucket is still open with both ticks.
	if len(col.candles) != 1 || col.candles[0].Interval != time.Minute {
		t.Fatalf("unexpected emissions: %+v", col.candles)
	}
	open, ok := agg.Open("rb2405", 5*time.Minute)
	if !ok || open.TradeCount != 2 {
		t.Errorf("5m open bucket = %+v ok=%v, want 2 trades", open, ok)
	}
}
