// Package config holds the storage engine configuration.
//
// Configuration is loaded from a YAML file, then overridden by environment
// variables (TICKSTORE_* prefix), then validated.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	defaults "github.com/arenx/tickstore/config"
	"github.com/arenx/tickstore/internal/storage/types"
)

// Config represents the complete storage configuration.
type Config struct {
	// DataDir is the root directory for all storage files.
	DataDir string `yaml:"data_dir" env:"TICKSTORE_DATA_DIR"`

	// Ingestion configures the append path.
	Ingestion IngestionConfig `yaml:"ingestion" envPrefix:"TICKSTORE_INGESTION_"`

	// Chunks configures partition widths and compression ages.
	Chunks ChunksConfig `yaml:"chunks" envPrefix:"TICKSTORE_CHUNKS_"`

	// WAL configures the write-ahead log.
	WAL WALConfig `yaml:"wal" envPrefix:"TICKSTORE_WAL_"`

	// Compression configures the chunk compressor.
	Compression CompressionConfig `yaml:"compression" envPrefix:"TICKSTORE_COMPRESSION_"`

	// Aggregation configures candle materialization.
	Aggregation AggregationConfig `yaml:"aggregation" envPrefix:"TICKSTORE_AGGREGATION_"`

	// Refresh configures the refresh scheduler.
	Refresh RefreshConfig `yaml:"refresh" envPrefix:"TICKSTORE_REFRESH_"`

	// Backpressure configures ingest load shedding.
	Backpressure BackpressureConfig `yaml:"backpressure"`

	// Retention defines how long compressed chunks are kept.
	Retention RetentionConfig `yaml:"retention"`

	// Query configures the query service.
	Query QueryConfig `yaml:"query"`
}

// IngestionConfig configures the append path.
type IngestionConfig struct {
	// LatenessTolerance is the maximum allowed delay of an out-of-order
	// tick behind the store's max event time. Older ticks are rejected so
	// callers can re-route them.
	LatenessTolerance time.Duration `yaml:"lateness_tolerance" env:"LATENESS_TOLERANCE"`

	// Mode selects behavior under backpressure: "block" throttles the
	// caller, "reject" fails appends with a retryable error. The store
	// never buffers unboundedly.
	Mode string `yaml:"mode" env:"MODE"`

	// BufferCapacity bounds the in-memory active-chunk buffer (ticks).
	BufferCapacity int `yaml:"buffer_capacity" env:"BUFFER_CAPACITY"`
}

// ChunksConfig configures partition widths and compression ages.
// Tick chunks and candle chunks have independent thresholds.
type ChunksConfig struct {
	// TickWidth is the time width of one raw-tick chunk.
	TickWidth time.Duration `yaml:"tick_width" env:"TICK_WIDTH"`

	// TickCompressAge is how long past its upper bound a sealed tick chunk
	// cools off before it becomes eligible for compression.
	TickCompressAge time.Duration `yaml:"tick_compress_age" env:"TICK_COMPRESS_AGE"`

	// CandleWidth is the time width of one frozen-candle chunk.
	CandleWidth time.Duration `yaml:"candle_width" env:"CANDLE_WIDTH"`

	// CandleCompressAge is the cooling-off period for candle chunks.
	CandleCompressAge time.Duration `yaml:"candle_compress_age" env:"CANDLE_COMPRESS_AGE"`
}

// WALConfig configures the write-ahead log.
type WALConfig struct {
	// SyncMode is the sync mode: async, sync, fsync.
	SyncMode string `yaml:"sync_mode" env:"SYNC_MODE"`

	// SyncInterval is the sync interval for async mode.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// MaxSegmentSize is the maximum segment size before rotation.
	MaxSegmentSize int64 `yaml:"max_segment_size"`
}

// CompressionConfig configures the chunk compressor.
type CompressionConfig struct {
	// Algorithm is the parquet compression codec: snappy, zstd, lz4, none.
	Algorithm string `yaml:"algorithm" env:"ALGORITHM"`

	// Workers is the number of parallel compression workers.
	Workers int `yaml:"workers" env:"WORKERS"`

	// Interval is how often eligible chunks are scanned for.
	Interval time.Duration `yaml:"interval"`
}

// AggregationConfig configures candle materialization.
type AggregationConfig struct {
	// SketchEnabled enables per-candle price percentile sketches.
	SketchEnabled bool `yaml:"sketch_enabled" env:"SKETCH_ENABLED"`

	// SketchAccuracy is the DDSketch relative accuracy (0.01 = 1% error).
	SketchAccuracy float64 `yaml:"sketch_accuracy"`

	// Windows overrides the per-timeframe refresh window width, keyed by
	// timeframe name ("1m" ... "1d"). Unset timeframes use built-in
	// defaults (2h for 1m up to 90d for 1d).
	Windows map[string]time.Duration `yaml:"windows"`
}

// RefreshConfig configures the refresh scheduler.
type RefreshConfig struct {
	// Cadences overrides the per-timeframe refresh interval, keyed by
	// timeframe name. Unset timeframes refresh at their own granularity.
	Cadences map[string]time.Duration `yaml:"cadences"`

	// MaxConsecutiveFailures escalates a timeframe to lagging once
	// exceeded. Retries continue at cadence; the window is never skipped.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures" env:"MAX_CONSECUTIVE_FAILURES"`

	// RetryBackoff is the initial in-cycle retry delay after a failure.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// MaxRetryBackoff caps the in-cycle retry delay.
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`

	// RetriesPerCycle bounds immediate retries within one scheduled cycle.
	RetriesPerCycle int `yaml:"retries_per_cycle"`
}

// BackpressureConfig configures ingest load shedding.
type BackpressureConfig struct {
	// Enabled enables backpressure handling.
	Enabled bool `yaml:"enabled"`

	// Thresholds defines buffer usage thresholds for level changes.
	Thresholds BackpressureThresholds `yaml:"thresholds"`

	// Recovery configures recovery behavior.
	Recovery BackpressureRecovery `yaml:"recovery"`
}

// BackpressureThresholds defines buffer usage thresholds (0.0-1.0).
type BackpressureThresholds struct {
	Warning   float64 `yaml:"warning"`
	Critical  float64 `yaml:"critical"`
	Emergency float64 `yaml:"emergency"`
}

// BackpressureRecovery configures recovery behavior.
type BackpressureRecovery struct {
	// Hysteresis to prevent flapping (0.0-1.0).
	Hysteresis float64 `yaml:"hysteresis"`

	// Cooldown is the minimum time between level changes.
	Cooldown time.Duration `yaml:"cooldown"`
}

// RetentionConfig defines how long compressed chunks are kept.
type RetentionConfig struct {
	// Ticks is the retention for compressed tick chunks. Zero keeps
	// everything (the raw store grows unbounded by default).
	Ticks time.Duration `yaml:"ticks"`

	// Candles is the retention for compressed candle chunks.
	Candles time.Duration `yaml:"candles"`
}

// QueryConfig configures the query service.
type QueryConfig struct {
	// MemoryLimit is the DuckDB memory limit.
	MemoryLimit string `yaml:"memory_limit"`

	// Timeout is the query timeout.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRows is the maximum number of rows returned.
	MaxRows int `yaml:"max_rows"`
}

// Load loads configuration from a YAML file and applies environment
// overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// FromEnv builds a configuration from defaults plus environment overrides,
// for deployments that carry no config file.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: defaults.DefaultDataDir,
		Ingestion: IngestionConfig{
			LatenessTolerance: defaults.DefaultLatenessTolerance,
			Mode:              defaults.DefaultIngestionMode,
			BufferCapacity:    defaults.DefaultBufferCapacity,
		},
		Chunks: ChunksConfig{
			TickWidth:         defaults.DefaultTickChunkWidth,
			TickCompressAge:   defaults.DefaultTickCompressAge,
			CandleWidth:       defaults.DefaultCandleChunkWidth,
			CandleCompressAge: defaults.DefaultCandleCompressAge,
		},
		WAL: WALConfig{
			SyncMode:       defaults.DefaultWALSyncMode,
			SyncInterval:   defaults.DefaultWALSyncInterval,
			MaxSegmentSize: defaults.DefaultWALMaxSegmentSize,
		},
		Compression: CompressionConfig{
			Algorithm: defaults.DefaultCompressionAlgorithm,
			Workers:   defaults.DefaultCompressionWorkers,
			Interval:  defaults.DefaultCompressionInterval,
		},
		Aggregation: AggregationConfig{
			SketchEnabled:  false,
			SketchAccuracy: defaults.DefaultSketchAccuracy,
		},
		Refresh: RefreshConfig{
			MaxConsecutiveFailures: defaults.DefaultMaxConsecutiveFailures,
			RetryBackoff:           defaults.DefaultRetryBackoff,
			MaxRetryBackoff:        defaults.DefaultMaxRetryBackoff,
			RetriesPerCycle:        defaults.DefaultRetriesPerCycle,
		},
		Backpressure: BackpressureConfig{
			Enabled: true,
			Thresholds: BackpressureThresholds{
				Warning:   defaults.DefaultWarningThreshold,
				Critical:  defaults.DefaultCriticalThreshold,
				Emergency: defaults.DefaultEmergencyThreshold,
			},
			Recovery: BackpressureRecovery{
				Hysteresis: defaults.DefaultHysteresis,
				Cooldown:   defaults.DefaultCooldown,
			},
		},
		Retention: RetentionConfig{
			Ticks:   0, // keep raw ticks forever
			Candles: 0,
		},
		Query: QueryConfig{
			MemoryLimit: defaults.DefaultQueryMemoryLimit,
			Timeout:     defaults.DefaultQueryTimeout,
			MaxRows:     defaults.DefaultQueryMaxRows,
		},
	}
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// WALDir returns the WAL directory.
func (c *Config) WALDir() string {
	return filepath.Join(c.DataDir, "wal")
}

// ChunkDir returns the chunk directory for a kind.
func (c *Config) ChunkDir(kind types.ChunkKind) string {
	return filepath.Join(c.DataDir, "chunks", string(kind))
}

// ManifestPath returns the chunk manifest path.
func (c *Config) ManifestPath() string {
	return filepath.Join(c.DataDir, "manifest.yaml")
}

// CandleDBPath returns the SQLite candle store path.
func (c *Config) CandleDBPath() string {
	return filepath.Join(c.DataDir, "candles.db")
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.WALDir(),
		c.ChunkDir(types.ChunkKindTicks),
		c.ChunkDir(types.ChunkKindCandles),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// ChunkWidth returns the chunk width for a kind.
func (c *Config) ChunkWidth(kind types.ChunkKind) time.Duration {
	if kind == types.ChunkKindCandles {
		return c.Chunks.CandleWidth
	}
	return c.Chunks.TickWidth
}

// CompressAge returns the compression cooling-off age for a kind.
func (c *Config) CompressAge(kind types.ChunkKind) time.Duration {
	if kind == types.ChunkKindCandles {
		return c.Chunks.CandleCompressAge
	}
	return c.Chunks.TickCompressAge
}

// RefreshWindow returns the refresh window width for a timeframe,
// honoring overrides.
func (c *Config) RefreshWindow(tf types.Timeframe) time.Duration {
	if d, ok := c.Aggregation.Windows[tf.String()]; ok && d > 0 {
		return d
	}
	return tf.RefreshWindow()
}

// Cadence returns the refresh cadence for a timeframe, honoring overrides.
func (c *Config) Cadence(tf types.Timeframe) time.Duration {
	if d, ok := c.Refresh.Cadences[tf.String()]; ok && d > 0 {
		return d
	}
	return tf.Cadence()
}
