// Package config defines the documented default values of the tickstore
// engine. Every constant can be overridden via config.yaml or a
// TICKSTORE_* environment variable; the comment on each names the key.
package config

import "time"

// =============================================================================
// Ingestion Defaults
// =============================================================================

const (
	// DefaultDataDir is the root directory for all storage files.
	// Override via config: data_dir
	DefaultDataDir = "/var/lib/tickstore"

	// DefaultLatenessTolerance is how far behind the newest accepted event
	// time a tick may arrive before it is rejected as out of order.
	// Override via config: ingestion.lateness_tolerance
	DefaultLatenessTolerance = 2 * time.Minute

	// DefaultIngestionMode selects backpressure behavior: "block" throttles
	// the caller, "reject" fails appends with a retryable error.
	// Override via config: ingestion.mode
	DefaultIngestionMode = "block"

	// DefaultBufferCapacity bounds each active chunk's in-memory buffer.
	// At roughly 100 bytes per tick this is ~400 MB per chunk worst case.
	// Override via config: ingestion.buffer_capacity
	DefaultBufferCapacity = 4_000_000
)

// =============================================================================
// Chunk Defaults
// =============================================================================

const (
	// DefaultTickChunkWidth is the time width of one raw-tick chunk.
	// One calendar day keeps files small enough to rewrite in one pass.
	// Override via config: chunks.tick_width
	DefaultTickChunkWidth = 24 * time.Hour

	// DefaultTickCompressAge is how long a sealed tick chunk cools off
	// past its upper bound before it is rewritten into the segmented
	// layout. Stragglers inside the lateness window never reach this age.
	// Override via config: chunks.tick_compress_age
	DefaultTickCompressAge = 7 * 24 * time.Hour

	// DefaultCandleChunkWidth is the time width of one frozen-candle chunk.
	// Override via config: chunks.candle_width
	DefaultCandleChunkWidth = 7 * 24 * time.Hour

	// DefaultCandleCompressAge is the cooling-off period before a candle
	// range is exported out of the hot store. It must exceed every
	// timeframe's practical recompute horizon.
	// Override via config: chunks.candle_compress_age
	DefaultCandleCompressAge = 30 * 24 * time.Hour
)

// =============================================================================
// WAL Defaults
// =============================================================================

const (
	// DefaultWALSyncMode is the durability mode: "async" flushes on a
	// timer, "sync" flushes per append, "fsync" additionally fsyncs.
	// Override via config: wal.sync_mode
	DefaultWALSyncMode = "async"

	// DefaultWALSyncInterval is the flush interval in async mode. Ticks
	// appended within this window can be lost on a crash.
	// Override via config: wal.sync_interval
	DefaultWALSyncInterval = time.Second

	// DefaultWALMaxSegmentSize is the rotation threshold per WAL segment.
	// Override via config: wal.max_segment_size
	DefaultWALMaxSegmentSize = 100 * 1024 * 1024
)

// =============================================================================
// Compression Defaults
// =============================================================================

const (
	// DefaultCompressionAlgorithm is the Parquet codec for chunk files.
	// Override via config: compression.algorithm
	DefaultCompressionAlgorithm = "zstd"

	// DefaultCompressionWorkers is the number of chunks rewritten in
	// parallel. Compression is I/O heavy; two workers keep it off the
	// ingest path.
	// Override via config: compression.workers
	DefaultCompressionWorkers = 2

	// DefaultCompressionInterval is how often eligible chunks are scanned
	// for. Override via config: compression.interval
	DefaultCompressionInterval = time.Minute
)

// =============================================================================
// Aggregation Defaults
// =============================================================================

const (
	// DefaultSketchAccuracy is the DDSketch relative accuracy for the
	// optional per-candle price percentiles (0.01 = 1% error).
	// Override via config: aggregation.sketch_accuracy
	DefaultSketchAccuracy = 0.01
)

// =============================================================================
// Refresh Defaults
// =============================================================================

const (
	// DefaultMaxConsecutiveFailures escalates a timeframe to lagging once
	// exceeded, provided the watermark has also fallen behind.
	// Override via config: refresh.max_consecutive_failures
	DefaultMaxConsecutiveFailures = 3

	// DefaultRetryBackoff is the initial in-cycle retry delay.
	// Override via config: refresh.retry_backoff
	DefaultRetryBackoff = 2 * time.Second

	// DefaultMaxRetryBackoff caps the in-cycle retry delay.
	// Override via config: refresh.max_retry_backoff
	DefaultMaxRetryBackoff = 30 * time.Second

	// DefaultRetriesPerCycle bounds immediate retries within one scheduled
	// refresh cycle. The window itself is never skipped: the watermark
	// only advances on success.
	// Override via config: refresh.retries_per_cycle
	DefaultRetriesPerCycle = 3
)

// =============================================================================
// Backpressure Defaults
// =============================================================================

const (
	// DefaultWarningThreshold pauses background compression.
	// Override via config: backpressure.thresholds.warning
	DefaultWarningThreshold = 0.50

	// DefaultCriticalThreshold throttles appends.
	// Override via config: backpressure.thresholds.critical
	DefaultCriticalThreshold = 0.80

	// DefaultEmergencyThreshold rejects (or hard-blocks) appends.
	// Override via config: backpressure.thresholds.emergency
	DefaultEmergencyThreshold = 0.95

	// DefaultHysteresis is how far usage must fall below a threshold
	// before the level releases, preventing flapping.
	// Override via config: backpressure.recovery.hysteresis
	DefaultHysteresis = 0.10

	// DefaultCooldown is the minimum time between level changes.
	// Override via config: backpressure.recovery.cooldown
	DefaultCooldown = 30 * time.Second
)

// =============================================================================
// Query Defaults
// =============================================================================

const (
	// DefaultQueryMemoryLimit bounds the embedded DuckDB instance.
	// Override via config: query.memory_limit
	DefaultQueryMemoryLimit = "2GB"

	// DefaultQueryTimeout bounds a single query.
	// Override via config: query.timeout
	DefaultQueryTimeout = 30 * time.Second

	// DefaultQueryMaxRows caps result sets regardless of caller limits.
	// Override via config: query.max_rows
	DefaultQueryMaxRows = 1_000_000
)
