// Package compress re-encodes sealed chunks into their long-term layout.
// Tick chunks become segmented Parquet files ordered by instrument with
// newest ticks first inside each segment; candle chunks are exported out of
// the hot SQLite store into Parquet. Every step verifies the new file
// before deleting the source, and every step is resumable after a crash.
package compress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	storeerrors "github.com/arenx/tickstore/internal/errors"
	"github.com/arenx/tickstore/internal/logging"
	"github.com/arenx/tickstore/internal/storage/chunk"
	"github.com/arenx/tickstore/internal/storage/config"
	"github.com/arenx/tickstore/internal/storage/parquet"
	"github.com/arenx/tickstore/internal/storage/types"
)

// CandleExporter supplies and evicts the candles of a frozen range.
// The SQLite candle store implements it.
type CandleExporter interface {
	QueryRange(ctx context.Context, startMs, endMs int64) ([]types.Candle, error)
	DeleteRange(ctx context.Context, startMs, endMs int64) (int64, error)
}

// Compressor rewrites sealed chunks into the compressed layout.
type Compressor struct {
	chunks   *chunk.Manager
	cfg      *config.Config
	exporter CandleExporter

	nowFn  func() int64
	logger *slog.Logger

	chunksCompressed atomic.Int64
	rowsCompressed   atomic.Int64
	failures         atomic.Int64
}

// Stats holds compressor counters.
type Stats struct {
	ChunksCompressed int64
	RowsCompressed   int64
	Failures         int64
}

// New creates a Compressor. exporter may be nil if candle chunks are not
// compressed in this deployment.
func New(chunks *chunk.Manager, cfg *config.Config, exporter CandleExporter) *Compressor {
	return &Compressor{
		chunks:   chunks,
		cfg:      cfg,
		exporter: exporter,
		nowFn:    func() int64 { return time.Now().UnixMilli() },
		logger:   logging.Component("compress"),
	}
}

// SetNowFunc overrides the clock. Tests only.
func (c *Compressor) SetNowFunc(fn func() int64) {
	c.nowFn = fn
}

// Compress rewrites one sealed chunk. It fails with ErrChunkNotSealed for
// active chunks, ErrAlreadyCompressed for finished ones, and
// ErrChunkNotElapsed while the chunk is still inside its cooling-off age.
func (c *Compressor) Compress(ctx context.Context, id string) error {
	meta, err := c.chunks.Get(id)
	if err != nil {
		return err
	}

	switch meta.State {
	case types.ChunkCompressed:
		return fmt.Errorf("%w: %s", storeerrors.ErrAlreadyCompressed, id)
	case types.ChunkActive:
		return fmt.Errorf("%w: %s", storeerrors.ErrChunkNotSealed, id)
	}

	nowMs := c.nowFn()
	age := c.cfg.CompressAge(meta.Kind)
	if nowMs < meta.EndMs+age.Milliseconds() {
		return fmt.Errorf("%w: %s cools off until %d",
			storeerrors.ErrChunkNotElapsed, id, meta.EndMs+age.Milliseconds())
	}

	start := time.Now()
	var rows int64
	switch meta.Kind {
	case types.ChunkKindTicks:
		rows, err = c.compressTicks(meta)
	case types.ChunkKindCandles:
		rows, err = c.compressCandles(ctx, meta)
	default:
		err = fmt.Errorf("%w: unknown chunk kind %s", storeerrors.ErrInternal, meta.Kind)
	}
	if err != nil {
		c.failures.Add(1)
		return err
	}

	if err := c.chunks.MarkCompressed(id, nowMs); err != nil {
		c.failures.Add(1)
		return err
	}

	c.chunksCompressed.Add(1)
	c.rowsCompressed.Add(rows)

	c.logger.Info("chunk compressed",
		"chunk", id,
		"rows", rows,
		"duration", time.Since(start))
	return nil
}

// compressTicks rewrites a sealed tick chunk file into the segmented
// layout: instrument ascending, event time descending within a segment.
func (c *Compressor) compressTicks(meta *types.ChunkMeta) (int64, error) {
	dir := c.cfg.ChunkDir(types.ChunkKindTicks)
	srcPath := chunk.FilePath(dir, meta.ID())
	dstPath := chunk.SegmentedFilePath(dir, meta.ID())

	// Resume: a finished destination with no source means a crash landed
	// between rename and manifest update.
	if fileExists(dstPath) && !fileExists(srcPath) {
		info, err := parquet.GetFileInfo(dstPath)
		if err != nil {
			return 0, fmt.Errorf("inspect resumed chunk: %w", err)
		}
		return info.NumRows, nil
	}

	ticks, err := parquet.ReadTicks(srcPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Sealed chunk with no payload: nothing to rewrite.
			return 0, nil
		}
		return 0, fmt.Errorf("read source chunk: %w", err)
	}

	sort.Slice(ticks, func(i, j int) bool {
		a, b := &ticks[i], &ticks[j]
		if a.InstrumentID != b.InstrumentID {
			return a.InstrumentID < b.InstrumentID
		}
		if a.Instrument != b.Instrument {
			return a.Instrument < b.Instrument
		}
		return a.EventTimeMs > b.EventTimeMs
	})

	tmpPath := chunk.TempPath(dstPath)
	opts := parquet.Options{
		Compression: parquet.ParseCompressionType(c.cfg.Compression.Algorithm),
		Segmented:   true,
	}
	w, err := parquet.NewTickWriter(tmpPath, opts)
	if err != nil {
		return 0, fmt.Errorf("create segmented file: %w", err)
	}
	if err := w.Write(ticks); err != nil {
		w.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("write segmented file: %w", err)
	}
	if err := w.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("close segmented file: %w", err)
	}

	// Verify before the source is deleted.
	info, err := parquet.GetFileInfo(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("verify segmented file: %w", err)
	}
	if info.NumRows != int64(len(ticks)) {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("%w: %s has %d rows, want %d",
			storeerrors.ErrCompressionVerify, tmpPath, info.NumRows, len(ticks))
	}

	if err := os.Rename(tmpPath, dstPath); err != nil {
		return 0, fmt.Errorf("publish segmented file: %w", err)
	}
	if err := os.Remove(srcPath); err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("remove source chunk: %w", err)
	}

	return int64(len(ticks)), nil
}

// compressCandles exports a frozen candle range out of SQLite into Parquet
// and evicts it from the hot store.
func (c *Compressor) compressCandles(ctx context.Context, meta *types.ChunkMeta) (int64, error) {
	if c.exporter == nil {
		return 0, fmt.Errorf("%w: no candle exporter configured", storeerrors.ErrInternal)
	}

	dir := c.cfg.ChunkDir(types.ChunkKindCandles)
	dstPath := chunk.SegmentedFilePath(dir, meta.ID())

	// Resume: the export already landed, only eviction may be pending.
	if fileExists(dstPath) {
		if _, err := c.exporter.DeleteRange(ctx, meta.StartMs, meta.EndMs); err != nil {
			return 0, err
		}
		info, err := parquet.GetFileInfo(dstPath)
		if err != nil {
			return 0, fmt.Errorf("inspect resumed chunk: %w", err)
		}
		return info.NumRows, nil
	}

	candles, err := c.exporter.QueryRange(ctx, meta.StartMs, meta.EndMs)
	if err != nil {
		return 0, err
	}
	if len(candles) == 0 {
		return 0, nil
	}

	tmpPath := chunk.TempPath(dstPath)
	w, err := parquet.NewCandleWriter(tmpPath, parquet.Options{
		Compression: parquet.ParseCompressionType(c.cfg.Compression.Algorithm),
	})
	if err != nil {
		return 0, fmt.Errorf("create candle chunk: %w", err)
	}
	if err := w.Write(candles); err != nil {
		w.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("write candle chunk: %w", err)
	}
	if err := w.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("close candle chunk: %w", err)
	}

	got, err := parquet.ReadCandles(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("verify candle chunk: %w", err)
	}
	if len(got) != len(candles) {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("%w: %s has %d rows, want %d",
			storeerrors.ErrCompressionVerify, tmpPath, len(got), len(candles))
	}

	if err := os.Rename(tmpPath, dstPath); err != nil {
		return 0, fmt.Errorf("publish candle chunk: %w", err)
	}

	// Evict only after the file is in place.
	if _, err := c.exporter.DeleteRange(ctx, meta.StartMs, meta.EndMs); err != nil {
		return 0, err
	}

	return int64(len(candles)), nil
}

// RunOnce compresses every eligible chunk, bounded by the configured
// worker count. It returns the ids of compressed chunks.
func (c *Compressor) RunOnce(ctx context.Context) ([]string, error) {
	nowMs := c.nowFn()

	var eligible []*types.ChunkMeta
	for _, kind := range []types.ChunkKind{types.ChunkKindTicks, types.ChunkKindCandles} {
		for _, meta := range c.chunks.CompressibleBefore(nowMs, c.cfg.CompressAge(kind)) {
			if meta.Kind == kind {
				eligible = append(eligible, meta)
			}
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Compression.Workers)

	ids := make([]string, len(eligible))
	for i, meta := range eligible {
		i, meta := i, meta
		g.Go(func() error {
			if err := c.Compress(gctx, meta.ID()); err != nil {
				return fmt.Errorf("compress %s: %w", meta.ID(), err)
			}
			ids[i] = meta.ID()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Stats returns compressor counters.
func (c *Compressor) Stats() Stats {
	return Stats{
		ChunksCompressed: c.chunksCompressed.Load(),
		RowsCompressed:   c.rowsCompressed.Load(),
		Failures:         c.failures.Load(),
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
