package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/arenx/tickstore/internal/storage"
	"github.com/arenx/tickstore/internal/storage/config"
	"github.com/arenx/tickstore/internal/storage/query"
	"github.com/arenx/tickstore/internal/storage/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Compression.Interval = time.Hour // Background compaction off for tests
	return cfg
}

func quote(id uint64, sym string, ms int64, mid float64) types.Tick {
	return types.Tick{
		InstrumentID: id,
		Instrument:   sym,
		EventTimeMs:  ms,
		BidPrice:     mid,
		AskPrice:     mid,
		BidSize:      1_000_000,
		AskSize:      1_000_000,
	}
}

// TestFullPipeline drives append, refresh, and query end to end.
func TestFullPipeline(t *testing.T) {
	svc, err := storage.New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	if !svc.IsRunning() {
		t.Fatal("service should be running")
	}

	// Ticks ten minutes in the past: old enough for the refresh window
	// (scan end is now minus the lateness tolerance), recent enough to
	// stay in the active chunk.
	base := time.Now().Add(-10 * time.Minute).Truncate(time.Minute).UnixMilli()
	ticks := []types.Tick{
		quote(1, "EURUSD", base+100, 1.0851),
		quote(1, "EURUSD", base+15_000, 1.0849),
		quote(1, "EURUSD", base+58_000, 1.0856),
		quote(2, "GBPUSD", base+200, 1.2701),
	}
	if err := svc.AppendBatch(ticks); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}

	ctx := context.Background()

	// Raw ticks come back in key order.
	got, err := svc.Ticks(ctx, query.TickQuery{StartMs: base, EndMs: base + time.Minute.Milliseconds()})
	if err != nil {
		t.Fatalf("Ticks: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d ticks, want 4", len(got))
	}

	// Materialize the minute candles and read them back.
	report, err := svc.ForceRefresh(ctx, types.Timeframe1m)
	if err != nil {
		t.Fatalf("ForceRefresh: %v", err)
	}
	if report.Candles == 0 {
		t.Fatal("refresh produced no candles")
	}

	candles, err := svc.Candles(ctx, query.CandleQuery{
		InstrumentID: 1,
		Timeframe:    types.Timeframe1m,
		StartMs:      base,
		EndMs:        base + time.Minute.Milliseconds(),
	})
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}
	if len(candles) != 1 {
		t.Fatalf("got %d candles, want 1", len(candles))
	}
	c := candles[0]
	if c.Open != 1.0851 || c.High != 1.0856 || c.Low != 1.0849 || c.Close != 1.0856 {
		t.Errorf("OHLC = %v %v %v %v", c.Open, c.High, c.Low, c.Close)
	}
	if c.TickCount != 3 {
		t.Errorf("TickCount = %d, want 3", c.TickCount)
	}

	fresh := svc.Freshness(types.Timeframe1m)
	if fresh.WatermarkMs == 0 {
		t.Error("watermark did not advance")
	}

	stats := svc.Stats()
	if !stats.Running || stats.Ticks.Appended != 4 {
		t.Errorf("stats = %+v", stats)
	}
}

// TestDurabilityAcrossRestart checks that buffered ticks survive a restart
// through the WAL.
func TestDurabilityAcrossRestart(t *testing.T) {
	cfg := testConfig(t)

	svc, err := storage.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	base := time.Now().Add(-5 * time.Minute).UnixMilli()
	if err := svc.Append(quote(1, "EURUSD", base, 1.0850)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	svc2, err := storage.New(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := svc2.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer svc2.Stop()

	got, err := svc2.Ticks(context.Background(), query.TickQuery{
		StartMs: base - 1000,
		EndMs:   base + 1000,
	})
	if err != nil {
		t.Fatalf("Ticks: %v", err)
	}
	if len(got) != 1 || got[0].BidPrice != 1.0850 {
		t.Fatalf("replayed ticks = %+v", got)
	}

	// Replaying the same tick is a no-op.
	if err := svc2.Append(quote(1, "EURUSD", base, 1.0850)); err != nil {
		t.Fatalf("re-append after restart: %v", err)
	}
	got, _ = svc2.Ticks(context.Background(), query.TickQuery{
		StartMs: base - 1000,
		EndMs:   base + 1000,
	})
	if len(got) != 1 {
		t.Errorf("duplicate re-append produced %d ticks", len(got))
	}
}

// TestRefreshIdempotence recomputes the same window twice and expects
// identical candles.
func TestRefreshIdempotence(t *testing.T) {
	svc, err := storage.New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	base := time.Now().Add(-10 * time.Minute).Truncate(time.Minute).UnixMilli()
	if err := svc.AppendBatch([]types.Tick{
		quote(1, "EURUSD", base+100, 1.0851),
		quote(1, "EURUSD", base+40_000, 1.0855),
	}); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}

	ctx := context.Background()
	if _, err := svc.ForceRefresh(ctx, types.Timeframe5m); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	window := query.CandleQuery{
		Timeframe: types.Timeframe5m,
		StartMs:   base - time.Hour.Milliseconds(),
		EndMs:     base + time.Hour.Milliseconds(),
	}
	first, err := svc.Candles(ctx, window)
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}
	if len(first) == 0 {
		t.Fatal("no candles after first refresh")
	}

	if _, err := svc.ForceRefresh(ctx, types.Timeframe5m); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	second, err := svc.Candles(ctx, window)
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("candle count changed: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Key() != second[i].Key() || first[i].Close != second[i].Close ||
			first[i].TickCount != second[i].TickCount {
			t.Errorf("candle %d changed across refreshes:\n  %+v\n  %+v", i, first[i], second[i])
		}
	}
}

// TestBufferCapacityReject fills a tiny buffer and expects the overflow
// append to fail.
func TestBufferCapacityReject(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ingestion.Mode = "reject"
	cfg.Ingestion.BufferCapacity = 3

	svc, err := storage.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	base := time.Now().Add(-5 * time.Minute).UnixMilli()
	for i := 0; i < 3; i++ {
		if err := svc.Append(quote(1, "EURUSD", base+int64(i), 1.0850)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	if err := svc.Append(quote(1, "EURUSD", base+10, 1.0850)); err == nil {
		t.Fatal("append into a full buffer succeeded")
	}
}
