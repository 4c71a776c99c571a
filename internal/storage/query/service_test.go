package query

import (
	"context"
	"testing"

	"github.com/arenx/tickstore/internal/storage/chunk"
	"github.com/arenx/tickstore/internal/storage/config"
	"github.com/arenx/tickstore/internal/storage/parquet"
	"github.com/arenx/tickstore/internal/storage/types"
)

const (
	minuteMs = 60_000
	dayMs    = 24 * 60 * minuteMs
)

const baseMs = int64(19_700 * dayMs)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	return cfg
}

// writeTickChunk writes ticks into a chunk file. segmented selects the
// compressed-layout filename.
func writeTickChunk(t *testing.T, cfg *config.Config, startMs int64, segmented bool, ticks []types.Tick) {
	t.Helper()

	dir := cfg.ChunkDir(types.ChunkKindTicks)
	id := types.ChunkID(types.ChunkKindTicks, startMs)
	path := chunk.FilePath(dir, id)
	if segmented {
		path = chunk.SegmentedFilePath(dir, id)
	}

	w, err := parquet.NewTickWriter(path, parquet.DefaultOptions())
	if err != nil {
		t.Fatalf("NewTickWriter: %v", err)
	}
	if err := w.Write(ticks); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func tick(id uint64, sym string, ms int64, mid float64) types.Tick {
	return types.Tick{
		InstrumentID: id,
		Instrument:   sym,
		EventTimeMs:  ms,
		BidPrice:     mid - 0.0001,
		AskPrice:     mid + 0.0001,
		BidSize:      1_000_000,
		AskSize:      1_000_000,
	}
}

// fakeHotTicks serves a fixed slice through the HotTicks interface.
type fakeHotTicks struct {
	ticks []types.Tick
}

func (f *fakeHotTicks) ActiveTicks(instrumentID uint64, startMs, endMs int64) []types.Tick {
	var out []types.Tick
	for _, t := range f.ticks {
		if instrumentID != 0 && t.InstrumentID != instrumentID {
			continue
		}
		if t.EventTimeMs < startMs || t.EventTimeMs >= endMs {
			continue
		}
		out = append(out, t)
	}
	return out
}

// fakeHotCandles serves a fixed slice through the HotCandles interface.
type fakeHotCandles struct {
	candles []types.Candle
}

func (f *fakeHotCandles) Query(_ context.Context, instrumentID uint64, tf types.Timeframe, startMs, endMs int64) ([]types.Candle, error) {
	var out []types.Candle
	for _, c := range f.candles {
		if instrumentID != 0 && c.InstrumentID != instrumentID {
			continue
		}
		if c.Timeframe != tf || c.OpenTimeMs < startMs || c.OpenTimeMs >= endMs {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func TestTicksAcrossTiers(t *testing.T) {
	cfg := testConfig(t)

	// Day 0 sealed, day 1 compressed, day 2 still hot.
	writeTickChunk(t, cfg, baseMs, false, []types.Tick{
		tick(1, "EURUSD", baseMs+minuteMs, 1.0850),
		tick(2, "GBPUSD", baseMs+2*minuteMs, 1.2700),
	})
	writeTickChunk(t, cfg, baseMs+dayMs, true, []types.Tick{
		tick(1, "EURUSD", baseMs+dayMs+minuteMs, 1.0860),
	})
	hot := &fakeHotTicks{ticks: []types.Tick{
		tick(1, "EURUSD", baseMs+2*dayMs+minuteMs, 1.0870),
	}}

	svc, err := New(cfg, hot, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Close()

	got, err := svc.Ticks(context.Background(), TickQuery{
		StartMs: baseMs,
		EndMs:   baseMs + 3*dayMs,
	})
	if err != nil {
		t.Fatalf("Ticks: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d ticks, want 4", len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i-1].Key().Less(got[i].Key()) {
			t.Fatalf("ticks out of key order at %d", i)
		}
	}
	if got[3].EventTimeMs != baseMs+2*dayMs+minuteMs {
		t.Errorf("hot tick missing from merged result")
	}
}

func TestTicksInstrumentFilter(t *testing.T) {
	cfg := testConfig(t)
	writeTickChunk(t, cfg, baseMs, false, []types.Tick{
		tick(1, "EURUSD", baseMs+minuteMs, 1.0850),
		tick(2, "GBPUSD", baseMs+2*minuteMs, 1.2700),
		tick(1, "EURUSD", baseMs+3*minuteMs, 1.0851),
	})

	svc, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Close()

	got, err := svc.Ticks(context.Background(), TickQuery{
		InstrumentID: 1,
		StartMs:      baseMs,
		EndMs:        baseMs + dayMs,
	})
	if err != nil {
		t.Fatalf("Ticks: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d ticks, want 2", len(got))
	}
	for _, tk := range got {
		if tk.InstrumentID != 1 {
			t.Errorf("filter leaked instrument %d", tk.InstrumentID)
		}
	}
}

func TestTicksHalfOpenRange(t *testing.T) {
	cfg := testConfig(t)
	writeTickChunk(t, cfg, baseMs, false, []types.Tick{
		tick(1, "EURUSD", baseMs, 1.0850),
		tick(1, "EURUSD", baseMs+minuteMs, 1.0851),
	})

	svc, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Close()

	got, err := svc.Ticks(context.Background(), TickQuery{
		StartMs: baseMs,
		EndMs:   baseMs + minuteMs,
	})
	if err != nil {
		t.Fatalf("Ticks: %v", err)
	}
	if len(got) != 1 || got[0].EventTimeMs != baseMs {
		t.Fatalf("half-open range violated: %+v", got)
	}
}

func TestTicksLimitAndMaxRows(t *testing.T) {
	cfg := testConfig(t)
	ticks := make([]types.Tick, 20)
	for i := range ticks {
		ticks[i] = tick(1, "EURUSD", baseMs+int64(i)*1000, 1.0850)
	}
	writeTickChunk(t, cfg, baseMs, false, ticks)

	cfg.Query.MaxRows = 10
	svc, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Close()

	q := TickQuery{StartMs: baseMs, EndMs: baseMs + dayMs}

	got, err := svc.Ticks(context.Background(), q)
	if err != nil {
		t.Fatalf("Ticks: %v", err)
	}
	if len(got) != 10 {
		t.Errorf("row cap: got %d, want 10", len(got))
	}

	q.Limit = 3
	got, _ = svc.Ticks(context.Background(), q)
	if len(got) != 3 {
		t.Errorf("limit: got %d, want 3", len(got))
	}

	// A limit above the cap is still capped.
	q.Limit = 15
	got, _ = svc.Ticks(context.Background(), q)
	if len(got) != 10 {
		t.Errorf("capped limit: got %d, want 10", len(got))
	}
}

func TestTicksNoFiles(t *testing.T) {
	cfg := testConfig(t)
	svc, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Close()

	got, err := svc.Ticks(context.Background(), TickQuery{StartMs: baseMs, EndMs: baseMs + dayMs})
	if err != nil {
		t.Fatalf("Ticks on empty store: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d ticks from empty store", len(got))
	}
}

func TestCandlesPreferHotRows(t *testing.T) {
	cfg := testConfig(t)

	frozen := types.Candle{
		InstrumentID: 1, Instrument: "EURUSD", Timeframe: types.Timeframe1m,
		OpenTimeMs: baseMs, CloseTimeMs: baseMs + minuteMs,
		Open: 1.0850, High: 1.0852, Low: 1.0849, Close: 1.0851,
		Volume: 1_000_000, TickCount: 4,
	}
	stale := frozen
	stale.OpenTimeMs = baseMs + minuteMs
	stale.CloseTimeMs = baseMs + 2*minuteMs
	stale.Close = 1.0840

	dir := cfg.ChunkDir(types.ChunkKindCandles)
	id := types.ChunkID(types.ChunkKindCandles, baseMs)
	w, err := parquet.NewCandleWriter(chunk.SegmentedFilePath(dir, id), parquet.DefaultOptions())
	if err != nil {
		t.Fatalf("NewCandleWriter: %v", err)
	}
	if err := w.Write([]types.Candle{frozen, stale}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The hot store holds a fresher copy of the second bucket.
	fresh := stale
	fresh.Close = 1.0845
	fresh.TickCount = 9
	hot := &fakeHotCandles{candles: []types.Candle{fresh}}

	svc, err := New(cfg, nil, hot)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Close()

	got, err := svc.Candles(context.Background(), CandleQuery{
		InstrumentID: 1,
		Timeframe:    types.Timeframe1m,
		StartMs:      baseMs,
		EndMs:        baseMs + dayMs,
	})
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d candles, want 2", len(got))
	}
	if got[0].OpenTimeMs != baseMs || got[1].OpenTimeMs != baseMs+minuteMs {
		t.Fatalf("candles out of order: %+v", got)
	}
	if got[1].Close != 1.0845 || got[1].TickCount != 9 {
		t.Errorf("hot row did not win the merge: %+v", got[1])
	}
}

func TestCandlePercentilesRoundTrip(t *testing.T) {
	cfg := testConfig(t)

	p50, p95 := 1.0850, 1.0858
	c := types.Candle{
		InstrumentID: 1, Instrument: "EURUSD", Timeframe: types.Timeframe5m,
		OpenTimeMs: baseMs, CloseTimeMs: baseMs + 5*minuteMs,
		Open: 1.0850, High: 1.0860, Low: 1.0848, Close: 1.0855,
		Volume: 2_000_000, TickCount: 12,
		P50: &p50, P95: &p95,
	}

	dir := cfg.ChunkDir(types.ChunkKindCandles)
	id := types.ChunkID(types.ChunkKindCandles, baseMs)
	w, err := parquet.NewCandleWriter(chunk.SegmentedFilePath(dir, id), parquet.DefaultOptions())
	if err != nil {
		t.Fatalf("NewCandleWriter: %v", err)
	}
	if err := w.Write([]types.Candle{c}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	svc, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Close()

	got, err := svc.Candles(context.Background(), CandleQuery{
		Timeframe: types.Timeframe5m,
		StartMs:   baseMs,
		EndMs:     baseMs + dayMs,
	})
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d candles, want 1", len(got))
	}
	if got[0].P50 == nil || got[0].P95 == nil {
		t.Fatal("percentiles lost")
	}
	if *got[0].P50 != p50 || *got[0].P95 != p95 {
		t.Errorf("p50=%v p95=%v, want %v %v", *got[0].P50, *got[0].P95, p50, p95)
	}
}

func TestExecuteSQL(t *testing.T) {
	cfg := testConfig(t)
	svc, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Close()

	rows, err := svc.ExecuteSQL(context.Background(), "SELECT 40 + 2 AS answer")
	if err != nil {
		t.Fatalf("ExecuteSQL: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if _, ok := rows[0]["answer"]; !ok {
		t.Errorf("missing column: %v", rows[0])
	}

	if svc.Stats().QueriesExecuted != 1 {
		t.Errorf("QueriesExecuted = %d, want 1", svc.Stats().QueriesExecuted)
	}
}
