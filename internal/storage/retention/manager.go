// Package retention deletes compressed chunks past their configured age.
// Only compressed chunks are eligible: the sealed-to-compressed rewrite is
// what makes a chunk disposable, because everything a candle needs has been
// materialized by then. A retention of zero keeps a kind forever.
package retention

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/arenx/tickstore/internal/logging"
	"github.com/arenx/tickstore/internal/storage/chunk"
	"github.com/arenx/tickstore/internal/storage/config"
	"github.com/arenx/tickstore/internal/storage/types"
)

// Manager removes expired compressed chunks and their files.
type Manager struct {
	mu     sync.Mutex
	cfg    *config.Config
	chunks *chunk.Manager
	nowFn  func() int64
	logger *slog.Logger

	stats Stats
}

// Stats holds retention counters.
type Stats struct {
	LastRunMs     int64
	ChunksDeleted int64
	BytesFreed    int64
	Errors        int64
}

// CleanupResult reports one cleanup pass over one chunk kind.
type CleanupResult struct {
	Kind          types.ChunkKind
	ChunksDeleted int
	BytesFreed    int64
	Errors        []error
}

// New creates a retention manager.
func New(cfg *config.Config, chunks *chunk.Manager) *Manager {
	return &Manager{
		cfg:    cfg,
		chunks: chunks,
		nowFn:  func() int64 { return time.Now().UnixMilli() },
		logger: logging.Component("retention"),
	}
}

// SetNowFunc overrides the clock. Tests only.
func (m *Manager) SetNowFunc(fn func() int64) {
	m.nowFn = fn
}

// RunCleanup deletes expired chunks of every kind.
func (m *Manager) RunCleanup() []CleanupResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.LastRunMs = m.nowFn()

	var results []CleanupResult
	for _, kind := range []types.ChunkKind{types.ChunkKindTicks, types.ChunkKindCandles} {
		result := m.cleanupKind(kind, false)
		results = append(results, result)

		m.stats.ChunksDeleted += int64(result.ChunksDeleted)
		m.stats.BytesFreed += result.BytesFreed
		m.stats.Errors += int64(len(result.Errors))
	}
	return results
}

// DryRun reports what RunCleanup would delete without touching anything.
func (m *Manager) DryRun() []CleanupResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	var results []CleanupResult
	for _, kind := range []types.ChunkKind{types.ChunkKindTicks, types.ChunkKindCandles} {
		results = append(results, m.cleanupKind(kind, true))
	}
	return results
}

// cleanupKind deletes the compressed chunks of one kind whose upper bound
// is older than the retention cutoff.
func (m *Manager) cleanupKind(kind types.ChunkKind, dryRun bool) CleanupResult {
	result := CleanupResult{Kind: kind}

	retention := m.retentionFor(kind)
	if retention <= 0 {
		return result
	}
	cutoffMs := m.nowFn() - retention.Milliseconds()

	dir := m.cfg.ChunkDir(kind)
	for _, meta := range m.chunks.All() {
		if meta.Kind != kind || meta.State != types.ChunkCompressed {
			continue
		}
		if meta.EndMs > cutoffMs {
			continue
		}

		path := chunk.SegmentedFilePath(dir, meta.ID())
		var size int64
		if info, err := os.Stat(path); err == nil {
			size = info.Size()
		}

		if !dryRun {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				result.Errors = append(result.Errors, fmt.Errorf("delete %s: %w", path, err))
				continue
			}
			if err := m.chunks.Remove(meta.ID()); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("deregister %s: %w", meta.ID(), err))
				continue
			}
			m.logger.Info("chunk expired",
				"chunk", meta.ID(),
				"bytes", size)
		}

		result.ChunksDeleted++
		result.BytesFreed += size
	}
	return result
}

func (m *Manager) retentionFor(kind types.ChunkKind) time.Duration {
	if kind == types.ChunkKindCandles {
		return m.cfg.Retention.Candles
	}
	return m.cfg.Retention.Ticks
}

// Stats returns retention counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// DiskUsage holds per-kind file statistics.
type DiskUsage struct {
	FileCount int
	TotalSize int64
}

// GetDiskUsage sums the on-disk size of every chunk kind.
func (m *Manager) GetDiskUsage() map[types.ChunkKind]DiskUsage {
	usage := make(map[types.ChunkKind]DiskUsage)

	for _, kind := range []types.ChunkKind{types.ChunkKindTicks, types.ChunkKindCandles} {
		dir := m.cfg.ChunkDir(kind)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}

		var u DiskUsage
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			u.FileCount++
			u.TotalSize += info.Size()
		}
		usage[kind] = u
	}
	return usage
}
