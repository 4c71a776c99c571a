package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	storeerrors "github.com/arenx/tickstore/internal/errors"
	"github.com/arenx/tickstore/internal/storage/config"
	"github.com/arenx/tickstore/internal/storage/query"
	"github.com/arenx/tickstore/internal/storage/types"
	"github.com/arenx/tickstore/internal/testutil"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Compression.Interval = time.Hour

	svc, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func TestNewDoesNotStart(t *testing.T) {
	svc := newTestService(t)
	if svc.IsRunning() {
		t.Error("service running before Start")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	svc := newTestService(t)

	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !svc.IsRunning() {
		t.Error("service not running after Start")
	}

	if err := svc.Start(); err == nil {
		t.Error("second Start succeeded")
	}

	// Stop waits for every worker; it must not hang.
	err := testutil.RunWithTimeout(10*time.Second, func() {
		if err := svc.Stop(); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("Stop did not return: %v", err)
	}
	if svc.IsRunning() {
		t.Error("service still running after Stop")
	}

	// Stop is idempotent.
	if err := svc.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestOperationsRequireRunningService(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if err := svc.Append(types.Tick{}); !errors.Is(err, storeerrors.ErrStoreClosed) {
		t.Errorf("Append: %v, want ErrStoreClosed", err)
	}
	if _, err := svc.Ticks(ctx, query.TickQuery{}); !errors.Is(err, storeerrors.ErrStoreClosed) {
		t.Errorf("Ticks: %v, want ErrStoreClosed", err)
	}
	if _, err := svc.Candles(ctx, query.CandleQuery{}); !errors.Is(err, storeerrors.ErrStoreClosed) {
		t.Errorf("Candles: %v, want ErrStoreClosed", err)
	}
	if _, err := svc.ForceRefresh(ctx, types.Timeframe1m); !errors.Is(err, storeerrors.ErrStoreClosed) {
		t.Errorf("ForceRefresh: %v, want ErrStoreClosed", err)
	}
}

func TestExecuteSQLThroughService(t *testing.T) {
	svc := newTestService(t)
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	rows, err := svc.ExecuteSQL(context.Background(), "SELECT 1 AS one")
	if err != nil {
		t.Fatalf("ExecuteSQL: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("got %d rows, want 1", len(rows))
	}
}

func TestFreshnessBeforeAnyRefresh(t *testing.T) {
	svc := newTestService(t)

	all := svc.FreshnessAll()
	if len(all) != len(types.AllTimeframes()) {
		t.Fatalf("FreshnessAll returned %d entries, want %d", len(all), len(types.AllTimeframes()))
	}
	for _, f := range all {
		if f.WatermarkMs != 0 {
			t.Errorf("timeframe %s has watermark %d before any refresh", f.Timeframe, f.WatermarkMs)
		}
	}
}

func TestRetentionHelpers(t *testing.T) {
	svc := newTestService(t)

	for _, r := range svc.DryRunRetention() {
		if r.ChunksDeleted != 0 {
			t.Errorf("empty store dry run deleted %d chunks", r.ChunksDeleted)
		}
	}
	if len(svc.RunRetention()) == 0 {
		t.Error("RunRetention returned no per-kind results")
	}

	usage := svc.GetDiskUsage()
	if u := usage[types.ChunkKindTicks]; u.FileCount != 0 {
		t.Errorf("empty store reports %d files", u.FileCount)
	}
}

func TestBackpressureLevelDefault(t *testing.T) {
	svc := newTestService(t)
	if lvl := svc.BackpressureLevel(); lvl.String() != "normal" {
		t.Errorf("initial level = %s, want normal", lvl)
	}
}
