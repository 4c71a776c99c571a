package types

import (
	"testing"
	"time"
)

func TestTimeframe_TruncateMs(t *testing.T) {
	// 2026-08-26 10:37:42.123 UTC
	ts := time.Date(2026, 8, 26, 10, 37, 42, 123e6, time.UTC)
	ms := ts.UnixMilli()

	tests := []struct {
		tf   Timeframe
		want time.Time
	}{
		{Timeframe1m, time.Date(2026, 8, 26, 10, 37, 0, 0, time.UTC)},
		{Timeframe5m, time.Date(2026, 8, 26, 10, 35, 0, 0, time.UTC)},
		{Timeframe15m, time.Date(2026, 8, 26, 10, 30, 0, 0, time.UTC)},
		{Timeframe30m, time.Date(2026, 8, 26, 10, 30, 0, 0, time.UTC)},
		{Timeframe1h, time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)},
		{Timeframe4h, time.Date(2026, 8, 26, 8, 0, 0, 0, time.UTC)},
		{Timeframe1d, time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		got := tt.tf.TruncateMs(ms)
		if got != tt.want.UnixMilli() {
			t.Errorf("%s: truncate(%d) = %d, want %d", tt.tf, ms, got, tt.want.UnixMilli())
		}
	}
}

func TestTimeframe_TruncateAligned(t *testing.T) {
	// A timestamp already on a bucket boundary must map to itself.
	for _, tf := range AllTimeframes() {
		ms := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC).UnixMilli()
		if got := tf.TruncateMs(ms); got != ms {
			t.Errorf("%s: aligned timestamp moved from %d to %d", tf, ms, got)
		}
	}
}

func TestTimeframe_BucketEndMs(t *testing.T) {
	ms := time.Date(2026, 8, 26, 10, 0, 30, 0, time.UTC).UnixMilli()
	end := Timeframe1m.BucketEndMs(ms)
	want := time.Date(2026, 8, 26, 10, 1, 0, 0, time.UTC).UnixMilli()
	if end != want {
		t.Errorf("bucket end = %d, want %d", end, want)
	}
}

func TestParseTimeframe(t *testing.T) {
	for _, tf := range AllTimeframes() {
		parsed, err := ParseTimeframe(tf.String())
		if err != nil {
			t.Fatalf("parse %q: %v", tf.String(), err)
		}
		if parsed != tf {
			t.Errorf("parse %q = %v, want %v", tf.String(), parsed, tf)
		}
	}

	if _, err := ParseTimeframe("2w"); err == nil {
		t.Error("expected error for unknown timeframe")
	}
}

func TestTickKey_Less(t *testing.T) {
	a := TickKey{InstrumentID: 1, Instrument: "EURUSD", EventTimeMs: 100}
	b := TickKey{InstrumentID: 1, Instrument: "EURUSD", EventTimeMs: 200}
	c := TickKey{InstrumentID: 2, Instrument: "EURUSD", EventTimeMs: 100}

	if !a.Less(b) || b.Less(a) {
		t.Error("event time must order first")
	}
	if !a.Less(c) || c.Less(a) {
		t.Error("instrument id must break event-time ties")
	}
	if a.Less(a) {
		t.Error("key must not be less than itself")
	}
}

func TestMidPrice(t *testing.T) {
	tick := Tick{BidPrice: 1.0850, AskPrice: 1.0852}
	if got := MidPrice(&tick); got != 1.0851 {
		t.Errorf("mid price = %v, want 1.0851", got)
	}
}

func TestChunkMeta_Contains(t *testing.T) {
	start := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC).UnixMilli()
	end := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC).UnixMilli()
	m := ChunkMeta{Kind: ChunkKindTicks, StartMs: start, EndMs: end, State: ChunkActive}

	if !m.Contains(start) {
		t.Error("lower bound is inclusive")
	}
	if m.Contains(end) {
		t.Error("upper bound is exclusive")
	}
	if m.Contains(start - 1) {
		t.Error("timestamp before start must not be contained")
	}
}

func TestChunkID_Deterministic(t *testing.T) {
	start := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC).UnixMilli()
	a := ChunkID(ChunkKindTicks, start)
	b := ChunkID(ChunkKindTicks, start)
	if a != b {
		t.Errorf("chunk id not deterministic: %s vs %s", a, b)
	}
	if a == ChunkID(ChunkKindCandles, start) {
		t.Error("chunk ids must differ across kinds")
	}
}

func TestCandle_Validate(t *testing.T) {
	open := Timeframe1m.TruncateMs(time.Now().UnixMilli())
	good := Candle{
		InstrumentID: 1,
		Instrument:   "EURUSD",
		Timeframe:    Timeframe1m,
		OpenTimeMs:   open,
		CloseTimeMs:  open + time.Minute.Milliseconds(),
		Open:         1.0851,
		High:         1.0856,
		Low:          1.0850,
		Close:        1.0856,
		Volume:       300,
		TickCount:    3,
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid candle rejected: %v", err)
	}

	bad := good
	bad.High = bad.Low - 0.0001
	if err := bad.Validate(); err == nil {
		t.Error("high below low must be rejected")
	}

	bad = good
	bad.Open = good.High + 1
	if err := bad.Validate(); err == nil {
		t.Error("open outside [low, high] must be rejected")
	}

	bad = good
	bad.TickCount = 0
	if err := bad.Validate(); err == nil {
		t.Error("empty candle must be rejected")
	}
}
