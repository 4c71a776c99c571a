package types

import (
	"fmt"
	"time"
)

// Candle is one OHLC row for a (instrument, timeframe, open_time) bucket.
// Candles are produced and updated only by the aggregation engine; a candle
// whose bucket has left the refresh window is frozen.
type Candle struct {
	// Identity
	InstrumentID uint64
	Instrument   string
	Timeframe    Timeframe
	OpenTimeMs   int64 // Bucket start, timeframe-aligned, unix milliseconds
	CloseTimeMs  int64 // Bucket end (exclusive), unix milliseconds

	// OHLC, derived prices
	Open  float64 // Price of the earliest tick in the bucket
	High  float64
	Low   float64
	Close float64 // Price of the latest tick in the bucket

	// Liquidity
	Volume    float64 // Sum of the per-tick volume proxy
	TickCount int64   // Number of contributing ticks

	// Optional price distribution (nil unless the sketch feature is enabled)
	P50 *float64
	P95 *float64
}

// Key returns a unique identifier for this candle's bucket.
func (c *Candle) Key() string {
	return fmt.Sprintf("%d/%s/%s/%d", c.InstrumentID, c.Instrument, c.Timeframe, c.OpenTimeMs)
}

// OpenTime returns the bucket start as a time.Time.
func (c *Candle) OpenTime() time.Time {
	return time.UnixMilli(c.OpenTimeMs)
}

// Validate checks the candle against the structural invariants. A violation
// means the refresh window that produced it is corrupt: the bucket must be
// surfaced, never silently patched.
func (c *Candle) Validate() error {
	if c.TickCount <= 0 {
		return fmt.Errorf("candle %s: tick count %d", c.Key(), c.TickCount)
	}
	if c.CloseTimeMs != c.OpenTimeMs+c.Timeframe.Duration().Milliseconds() {
		return fmt.Errorf("candle %s: close time %d not aligned to timeframe", c.Key(), c.CloseTimeMs)
	}
	if c.OpenTimeMs != c.Timeframe.TruncateMs(c.OpenTimeMs) {
		return fmt.Errorf("candle %s: open time not bucket-aligned", c.Key())
	}
	if c.High < c.Low {
		return fmt.Errorf("candle %s: high %.10g below low %.10g", c.Key(), c.High, c.Low)
	}
	if c.Open < c.Low || c.Open > c.High {
		return fmt.Errorf("candle %s: open %.10g outside [low, high]", c.Key(), c.Open)
	}
	if c.Close < c.Low || c.Close > c.High {
		return fmt.Errorf("candle %s: close %.10g outside [low, high]", c.Key(), c.Close)
	}
	return nil
}

// MaterializationState tracks the freshness of one timeframe's candles.
// The watermark is the timestamp up to which candles are guaranteed complete;
// it only moves forward, and only on a fully successful refresh.
type MaterializationState struct {
	Timeframe     Timeframe
	WatermarkMs   int64
	LastRefreshMs int64
}

// Watermark returns the watermark as a time.Time.
func (m MaterializationState) Watermark() time.Time {
	return time.UnixMilli(m.WatermarkMs)
}
