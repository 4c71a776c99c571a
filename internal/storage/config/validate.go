package config

import (
	"fmt"
	"time"

	"github.com/arenx/tickstore/internal/storage/types"
)

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Ingestion.LatenessTolerance <= 0 {
		return fmt.Errorf("ingestion.lateness_tolerance must be positive")
	}
	switch c.Ingestion.Mode {
	case "block", "reject":
	default:
		return fmt.Errorf("ingestion.mode must be \"block\" or \"reject\", got %q", c.Ingestion.Mode)
	}
	if c.Ingestion.BufferCapacity <= 0 {
		return fmt.Errorf("ingestion.buffer_capacity must be positive")
	}

	if c.Chunks.TickWidth < time.Minute {
		return fmt.Errorf("chunks.tick_width must be at least one minute")
	}
	if c.Chunks.CandleWidth < time.Hour {
		return fmt.Errorf("chunks.candle_width must be at least one hour")
	}
	if c.Chunks.TickCompressAge < c.Ingestion.LatenessTolerance {
		return fmt.Errorf("chunks.tick_compress_age must exceed the lateness tolerance")
	}
	if c.Chunks.CandleCompressAge <= 0 {
		return fmt.Errorf("chunks.candle_compress_age must be positive")
	}
	// The lateness tolerance defines how long a chunk stays appendable past
	// its upper bound; it must be far smaller than the chunk itself.
	if c.Ingestion.LatenessTolerance >= c.Chunks.TickWidth {
		return fmt.Errorf("ingestion.lateness_tolerance must be smaller than chunks.tick_width")
	}

	switch c.WAL.SyncMode {
	case "async", "sync", "fsync":
	default:
		return fmt.Errorf("wal.sync_mode must be async, sync or fsync, got %q", c.WAL.SyncMode)
	}
	if c.WAL.MaxSegmentSize <= 0 {
		return fmt.Errorf("wal.max_segment_size must be positive")
	}

	switch c.Compression.Algorithm {
	case "snappy", "zstd", "lz4", "gzip", "none", "":
	default:
		return fmt.Errorf("compression.algorithm %q is not supported", c.Compression.Algorithm)
	}
	if c.Compression.Workers <= 0 {
		return fmt.Errorf("compression.workers must be positive")
	}

	if c.Aggregation.SketchEnabled {
		if c.Aggregation.SketchAccuracy <= 0 || c.Aggregation.SketchAccuracy >= 1 {
			return fmt.Errorf("aggregation.sketch_accuracy must be in (0, 1)")
		}
	}
	for name := range c.Aggregation.Windows {
		if _, err := types.ParseTimeframe(name); err != nil {
			return fmt.Errorf("aggregation.windows: %w", err)
		}
	}

	for name := range c.Refresh.Cadences {
		if _, err := types.ParseTimeframe(name); err != nil {
			return fmt.Errorf("refresh.cadences: %w", err)
		}
	}
	if c.Refresh.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("refresh.max_consecutive_failures must be positive")
	}
	if c.Refresh.RetriesPerCycle < 0 {
		return fmt.Errorf("refresh.retries_per_cycle must not be negative")
	}

	// A refresh window narrower than the lateness tolerance could freeze a
	// bucket that may still legally receive ticks.
	for _, tf := range types.AllTimeframes() {
		if c.RefreshWindow(tf) <= c.Ingestion.LatenessTolerance+tf.Duration() {
			return fmt.Errorf("refresh window for %s is too narrow", tf)
		}
	}

	if c.Backpressure.Enabled {
		t := c.Backpressure.Thresholds
		if !(t.Warning < t.Critical && t.Critical < t.Emergency) {
			return fmt.Errorf("backpressure thresholds must be strictly increasing")
		}
		if t.Warning <= 0 || t.Emergency > 1 {
			return fmt.Errorf("backpressure thresholds must be in (0, 1]")
		}
	}

	return nil
}
