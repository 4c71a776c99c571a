package types

import "time"

// Tick represents a single quote tick from the upstream feed.
// This is the primary data unit flowing through the storage system.
// Ticks are immutable once committed: inserts only, no updates.
type Tick struct {
	// Identity
	InstrumentID uint64 // Numeric instrument identifier
	Instrument   string // Instrument name (e.g., "EURUSD")

	// Timestamp
	EventTimeMs int64 // Event time, unix milliseconds

	// Quote
	BidPrice float64
	AskPrice float64
	BidSize  float64
	AskSize  float64

	// Ingestion metadata
	IngestedAtMs int64 // Unix milliseconds when the store accepted the tick
}

// Key returns the logical identity of the tick. Two ticks with the same
// key are the same tick: re-appending one is a no-op.
func (t *Tick) Key() TickKey {
	return TickKey{
		InstrumentID: t.InstrumentID,
		Instrument:   t.Instrument,
		EventTimeMs:  t.EventTimeMs,
	}
}

// EventTime returns the event time as a time.Time.
func (t *Tick) EventTime() time.Time {
	return time.UnixMilli(t.EventTimeMs)
}

// TickKey is the uniqueness key for a tick.
type TickKey struct {
	InstrumentID uint64
	Instrument   string
	EventTimeMs  int64
}

// Less orders keys by event time, then instrument id, then instrument name.
// This is the canonical scan order of the store.
func (k TickKey) Less(other TickKey) bool {
	if k.EventTimeMs != other.EventTimeMs {
		return k.EventTimeMs < other.EventTimeMs
	}
	if k.InstrumentID != other.InstrumentID {
		return k.InstrumentID < other.InstrumentID
	}
	return k.Instrument < other.Instrument
}

// PriceFunc derives a single price from a quote tick.
type PriceFunc func(*Tick) float64

// VolumeFunc derives a liquidity proxy from a quote tick.
type VolumeFunc func(*Tick) float64

// MidPrice is the default price extractor: the bid/ask midpoint.
func MidPrice(t *Tick) float64 {
	return (t.BidPrice + t.AskPrice) / 2
}

// MidSize is the default volume extractor: the average of bid and ask size.
func MidSize(t *Tick) float64 {
	return (t.BidSize + t.AskSize) / 2
}
