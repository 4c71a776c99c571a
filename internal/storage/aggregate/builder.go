// Package aggregate materializes OHLC candles from raw ticks. The engine
// recomputes bounded refresh windows per timeframe and tracks per-timeframe
// watermarks, so aggregation is incremental and idempotent.
package aggregate

import (
	"sort"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/arenx/tickstore/internal/storage/types"
)

// bucketKey identifies one candle bucket during a refresh pass.
type bucketKey struct {
	instrumentID uint64
	instrument   string
	openMs       int64
}

// candleBuilder accumulates one bucket's ticks into a candle. Open and
// close follow tick key order, so a bucket rebuilt from the same ticks in
// any arrival order produces an identical candle.
type candleBuilder struct {
	firstKey types.TickKey
	lastKey  types.TickKey

	open   float64
	high   float64
	low    float64
	close  float64
	volume float64
	count  int64

	sketch *ddsketch.DDSketch
}

func newCandleBuilder(sketchEnabled bool, accuracy float64) *candleBuilder {
	b := &candleBuilder{}
	if sketchEnabled {
		if sketch, err := ddsketch.NewDefaultDDSketch(accuracy); err == nil {
			b.sketch = sketch
		}
	}
	return b
}

func (b *candleBuilder) add(key types.TickKey, price, volume float64) {
	if b.count == 0 {
		b.firstKey = key
		b.lastKey = key
		b.open = price
		b.high = price
		b.low = price
		b.close = price
	} else {
		if key.Less(b.firstKey) {
			b.firstKey = key
			b.open = price
		}
		if b.lastKey.Less(key) {
			b.lastKey = key
			b.close = price
		}
		if price > b.high {
			b.high = price
		}
		if price < b.low {
			b.low = price
		}
	}

	b.volume += volume
	b.count++

	if b.sketch != nil {
		b.sketch.Add(price)
	}
}

func (b *candleBuilder) build(k bucketKey, tf types.Timeframe) types.Candle {
	c := types.Candle{
		InstrumentID: k.instrumentID,
		Instrument:   k.instrument,
		Timeframe:    tf,
		OpenTimeMs:   k.openMs,
		CloseTimeMs:  k.openMs + tf.Duration().Milliseconds(),
		Open:         b.open,
		High:         b.high,
		Low:          b.low,
		Close:        b.close,
		Volume:       b.volume,
		TickCount:    b.count,
	}

	if b.sketch != nil && b.count > 0 {
		if p50, err := b.sketch.GetValueAtQuantile(0.50); err == nil {
			c.P50 = &p50
		}
		if p95, err := b.sketch.GetValueAtQuantile(0.95); err == nil {
			c.P95 = &p95
		}
	}

	return c
}

// buildCandles groups ticks into buckets for a timeframe and builds one
// candle per non-empty bucket, ordered by open time then instrument.
func buildCandles(ticks []types.Tick, tf types.Timeframe, priceFn types.PriceFunc, volumeFn types.VolumeFunc, sketchEnabled bool, accuracy float64) []types.Candle {
	builders := make(map[bucketKey]*candleBuilder)

	for i := range ticks {
		t := &ticks[i]
		k := bucketKey{
			instrumentID: t.InstrumentID,
			instrument:   t.Instrument,
			openMs:       tf.TruncateMs(t.EventTimeMs),
		}
		b, ok := builders[k]
		if !ok {
			b = newCandleBuilder(sketchEnabled, accuracy)
			builders[k] = b
		}
		b.add(t.Key(), priceFn(t), volumeFn(t))
	}

	out := make([]types.Candle, 0, len(builders))
	for k, b := range builders {
		out = append(out, b.build(k, tf))
	}

	sortCandles(out)
	return out
}

func sortCandles(candles []types.Candle) {
	// Deterministic order keeps upsert batches and reports stable.
	sort.Slice(candles, func(i, j int) bool {
		return candleLess(&candles[i], &candles[j])
	})
}

func candleLess(a, b *types.Candle) bool {
	if a.OpenTimeMs != b.OpenTimeMs {
		return a.OpenTimeMs < b.OpenTimeMs
	}
	if a.InstrumentID != b.InstrumentID {
		return a.InstrumentID < b.InstrumentID
	}
	return a.Instrument < b.Instrument
}
