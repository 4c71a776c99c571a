package retention

import (
	"os"
	"testing"
	"time"

	"github.com/arenx/tickstore/internal/storage/chunk"
	"github.com/arenx/tickstore/internal/storage/config"
	"github.com/arenx/tickstore/internal/storage/types"
)

const (
	minuteMs = 60_000
	dayMs    = 24 * 60 * minuteMs
)

const baseMs = int64(19_700 * dayMs)

func newFixture(t *testing.T) (*Manager, *chunk.Manager, *config.Config) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Retention.Ticks = 30 * 24 * time.Hour
	cfg.Retention.Candles = 60 * 24 * time.Hour
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}

	mgr, err := chunk.NewManager(cfg.ManifestPath(), cfg.ChunkWidth, cfg.Ingestion.LatenessTolerance)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	return New(cfg, mgr), mgr, cfg
}

// compressedChunk registers a compressed chunk with a segment file of the
// given payload size.
func compressedChunk(t *testing.T, mgr *chunk.Manager, cfg *config.Config, kind types.ChunkKind, startMs int64, size int) *types.ChunkMeta {
	t.Helper()

	meta, err := mgr.Ensure(kind, startMs)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := mgr.Seal(meta.ID(), meta.EndMs+2*minuteMs); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := mgr.MarkCompressed(meta.ID(), meta.EndMs+2*minuteMs); err != nil {
		t.Fatalf("MarkCompressed: %v", err)
	}

	path := chunk.SegmentedFilePath(cfg.ChunkDir(kind), meta.ID())
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write segment: %v", err)
	}

	meta, _ = mgr.Get(meta.ID())
	return meta
}

func TestExpiredChunksDeleted(t *testing.T) {
	m, mgr, cfg := newFixture(t)

	old := compressedChunk(t, mgr, cfg, types.ChunkKindTicks, baseMs, 256)
	fresh := compressedChunk(t, mgr, cfg, types.ChunkKindTicks, baseMs+40*dayMs, 128)

	// 35 days past the old chunk's end, inside the fresh chunk's retention.
	m.SetNowFunc(func() int64 { return old.EndMs + 35*dayMs })

	results := m.RunCleanup()
	var ticks CleanupResult
	for _, r := range results {
		if r.Kind == types.ChunkKindTicks {
			ticks = r
		}
	}

	if ticks.ChunksDeleted != 1 {
		t.Fatalf("ChunksDeleted = %d, want 1", ticks.ChunksDeleted)
	}
	if ticks.BytesFreed != 256 {
		t.Errorf("BytesFreed = %d, want 256", ticks.BytesFreed)
	}

	if _, err := mgr.Get(old.ID()); err == nil {
		t.Error("expired chunk still registered")
	}
	if _, err := mgr.Get(fresh.ID()); err != nil {
		t.Errorf("fresh chunk deregistered: %v", err)
	}

	oldPath := chunk.SegmentedFilePath(cfg.ChunkDir(types.ChunkKindTicks), old.ID())
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Error("expired segment file survived")
	}
	freshPath := chunk.SegmentedFilePath(cfg.ChunkDir(types.ChunkKindTicks), fresh.ID())
	if _, err := os.Stat(freshPath); err != nil {
		t.Errorf("fresh segment file missing: %v", err)
	}
}

func TestUncompressedChunksNeverDeleted(t *testing.T) {
	m, mgr, _ := newFixture(t)

	sealed, err := mgr.Ensure(types.ChunkKindTicks, baseMs)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := mgr.Seal(sealed.ID(), sealed.EndMs+2*minuteMs); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	active, err := mgr.Ensure(types.ChunkKindTicks, baseMs+dayMs)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	// Far past any retention.
	m.SetNowFunc(func() int64 { return baseMs + 365*dayMs })

	for _, r := range m.RunCleanup() {
		if r.ChunksDeleted != 0 {
			t.Errorf("kind %s deleted %d chunks", r.Kind, r.ChunksDeleted)
		}
	}
	if _, err := mgr.Get(sealed.ID()); err != nil {
		t.Errorf("sealed chunk deregistered: %v", err)
	}
	if _, err := mgr.Get(active.ID()); err != nil {
		t.Errorf("active chunk deregistered: %v", err)
	}
}

func TestZeroRetentionKeepsEverything(t *testing.T) {
	m, mgr, cfg := newFixture(t)
	cfg.Retention.Ticks = 0

	old := compressedChunk(t, mgr, cfg, types.ChunkKindTicks, baseMs, 64)
	m.SetNowFunc(func() int64 { return old.EndMs + 3650*dayMs })

	for _, r := range m.RunCleanup() {
		if r.Kind == types.ChunkKindTicks && r.ChunksDeleted != 0 {
			t.Errorf("zero retention deleted %d chunks", r.ChunksDeleted)
		}
	}
}

func TestPerKindRetention(t *testing.T) {
	m, mgr, cfg := newFixture(t)

	ticks := compressedChunk(t, mgr, cfg, types.ChunkKindTicks, baseMs, 64)
	candles := compressedChunk(t, mgr, cfg, types.ChunkKindCandles, baseMs, 64)

	// Past the 30d tick retention but inside the 60d candle retention.
	m.SetNowFunc(func() int64 { return candles.EndMs + 45*dayMs })

	m.RunCleanup()

	if _, err := mgr.Get(ticks.ID()); err == nil {
		t.Error("tick chunk survived its retention")
	}
	if _, err := mgr.Get(candles.ID()); err != nil {
		t.Errorf("candle chunk deleted early: %v", err)
	}
}

func TestDryRunDeletesNothing(t *testing.T) {
	m, mgr, cfg := newFixture(t)

	old := compressedChunk(t, mgr, cfg, types.ChunkKindTicks, baseMs, 512)
	m.SetNowFunc(func() int64 { return old.EndMs + 365*dayMs })

	var ticks CleanupResult
	for _, r := range m.DryRun() {
		if r.Kind == types.ChunkKindTicks {
			ticks = r
		}
	}
	if ticks.ChunksDeleted != 1 || ticks.BytesFreed != 512 {
		t.Errorf("dry run report = %+v", ticks)
	}

	if _, err := mgr.Get(old.ID()); err != nil {
		t.Errorf("dry run deregistered the chunk: %v", err)
	}
	path := chunk.SegmentedFilePath(cfg.ChunkDir(types.ChunkKindTicks), old.ID())
	if _, err := os.Stat(path); err != nil {
		t.Errorf("dry run removed the file: %v", err)
	}
	if m.Stats().ChunksDeleted != 0 {
		t.Errorf("dry run counted deletions: %+v", m.Stats())
	}
}

func TestGetDiskUsage(t *testing.T) {
	m, mgr, cfg := newFixture(t)

	compressedChunk(t, mgr, cfg, types.ChunkKindTicks, baseMs, 100)
	compressedChunk(t, mgr, cfg, types.ChunkKindTicks, baseMs+dayMs, 200)

	usage := m.GetDiskUsage()
	u := usage[types.ChunkKindTicks]
	if u.FileCount != 2 {
		t.Errorf("FileCount = %d, want 2", u.FileCount)
	}
	if u.TotalSize != 300 {
		t.Errorf("TotalSize = %d, want 300", u.TotalSize)
	}
}
