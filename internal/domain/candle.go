package domain

import "time"

// Candle is an OHLCV aggregate over a fixed time bucket. It is mutated
// additively by the aggregator while its bucket is open and becomes
// immutable once emitted.
type Candle struct {
	Symbol     string        `json:"symbol"`
	Interval   time.Duration `json:"interval"`
	OpenTime   time.Time     `json:"open_time"`
	CloseTime  time.Time     `json:"close_time"`
	Open       float64       `json:"open"`
	High       float64       `json:"high"`
	Low        float64       `json:"low"`
	Close      float64       `json:"close"`
	Volume     int64         `json:"volume"`
	TradeCount int64         `json:"trade_count"`

	// LastSeq is the exchange sequence number of the last tick folded in.
	// Recovery uses it as an idempotence watermark during reconciliation.
	LastSeq uint64 `json:"-"`
}

// NewCandle opens a bucket seeded from its first tick.
func NewCandle(t Tick, interval time.Duration) Candle {
	open := t.EventTime.Truncate(interval)
	return Candle{
		Symbol:     t.Symbol,
		Interval:   interval,
		OpenTime:   open,
		CloseTime:  open.Add(interval),
		Open:       t.Price,
		High:       t.Price,
		Low:        t.Price,
		Close:      t.Price,
		Volume:     t.Volume,
		TradeCount: 1,
		LastSeq:    t.Seq,
	}
}

// Fold updates the candle with one more tick belonging to its bucket.
func (c *Candle) Fold(t Tick) {
	if t.Price > c.High {
		c.High = t.Price
	}
	if t.Price < c.Low {
		c.Low = t.Price
	}
	c.Close = t.Price
	c.Volume += t.Volume
	c.TradeCount++
	if t.Seq > c.LastSeq {
		c.LastSeq = t.Seq
	}
}

// Contains reports whether the tick's event time falls inside the bucket.
func (c *Candle) Contains(t Tick) bool {
	return !t.EventTime.Before(c.OpenTime) && t.EventTime.Before(c.CloseTime)
}

// EmptyCandle builds a zero-volume continuation bucket carrying the previous
// close as open=high=low=close, used to fill fully-skipped windows so charts
// stay gapless.
func EmptyCandle(symbol string, interval time.Duration, openTime time.Time, prevClose float64) Candle {
	return Candle{
		Symbol:    symbol,
		Interval:  interval,
		OpenTime:  openTime,
		CloseTime: openTime.Add(interval),
		Open:      prevClose,
		High:      prevClose,
		Low:       prevClose,
		Close:     prevClose,
	}
}
