// Package storage wires the tick store, the candle pipeline, and the query
// layer into one engine. The Service owns the background loops: candle
// refresh, chunk sealing and compression, retention, backpressure sampling,
// and WAL syncing in async mode.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	storeerrors "github.com/arenx/tickstore/internal/errors"
	"github.com/arenx/tickstore/internal/logging"
	"github.com/arenx/tickstore/internal/storage/aggregate"
	"github.com/arenx/tickstore/internal/storage/backpressure"
	"github.com/arenx/tickstore/internal/storage/candles"
	"github.com/arenx/tickstore/internal/storage/chunk"
	"github.com/arenx/tickstore/internal/storage/compress"
	"github.com/arenx/tickstore/internal/storage/config"
	"github.com/arenx/tickstore/internal/storage/query"
	"github.com/arenx/tickstore/internal/storage/refresh"
	"github.com/arenx/tickstore/internal/storage/retention"
	"github.com/arenx/tickstore/internal/storage/tickstore"
	"github.com/arenx/tickstore/internal/storage/types"
)

// Service is the storage engine facade. It owns every component and the
// background workers that drive them.
type Service struct {
	cfg *config.Config

	chunks       *chunk.Manager
	ticks        *tickstore.Store
	candles      *candles.Store
	engine       *aggregate.Engine
	scheduler    *refresh.Scheduler
	compressor   *compress.Compressor
	retention    *retention.Manager
	backpressure *backpressure.Controller
	query        *query.Service

	running   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startTime time.Time

	logger *slog.Logger
}

// tickSource adapts the tick store to the aggregation engine: a refresh
// window scan covers sealed files, compressed segments, and live buffers.
type tickSource struct {
	store *tickstore.Store
}

func (s *tickSource) TicksIn(ctx context.Context, startMs, endMs int64) ([]types.Tick, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.store.Scan(0, startMs, endMs, nil).Collect(0)
}

func (s *tickSource) MaxEventTime() int64 {
	return s.store.MaxEventTime()
}

// New builds the engine from configuration. Nothing runs until Start.
func New(cfg *config.Config) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	chunks, err := chunk.NewManager(cfg.ManifestPath(), cfg.ChunkWidth, cfg.Ingestion.LatenessTolerance)
	if err != nil {
		return nil, fmt.Errorf("open chunk manifest: %w", err)
	}

	ticks, err := tickstore.Open(cfg, chunks)
	if err != nil {
		return nil, fmt.Errorf("open tick store: %w", err)
	}

	candleStore, err := candles.Open(cfg.CandleDBPath())
	if err != nil {
		ticks.Close()
		return nil, fmt.Errorf("open candle store: %w", err)
	}

	engine := aggregate.NewEngine(&tickSource{store: ticks}, candleStore, cfg, nil, nil)

	qry, err := query.New(cfg, ticks, candleStore)
	if err != nil {
		candleStore.Close()
		ticks.Close()
		return nil, fmt.Errorf("open query service: %w", err)
	}

	return &Service{
		cfg:          cfg,
		chunks:       chunks,
		ticks:        ticks,
		candles:      candleStore,
		engine:       engine,
		scheduler:    refresh.NewScheduler(engine, cfg),
		compressor:   compress.New(chunks, cfg, candleStore),
		retention:    retention.New(cfg, chunks),
		backpressure: backpressure.New(cfg, ticks),
		query:        qry,
		logger:       logging.Component("storage"),
	}, nil
}

// Start launches the refresh scheduler and the background workers.
func (s *Service) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("service already running")
	}
	s.startTime = time.Now()
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.scheduler.Start(s.ctx)

	s.wg.Add(1)
	go s.backpressureWorker()

	s.wg.Add(1)
	go s.compactionWorker()

	s.wg.Add(1)
	go s.retentionWorker()

	if s.cfg.WAL.SyncMode == "async" {
		s.wg.Add(1)
		go s.walSyncWorker()
	}

	s.logger.Info("storage engine started",
		"data_dir", s.cfg.DataDir,
		"chunks", s.chunks.Count())
	return nil
}

// Stop halts the workers and closes every component. Buffered ticks stay
// in the WAL and are replayed on the next Start.
func (s *Service) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	s.scheduler.Stop()
	s.wg.Wait()

	var errs []error
	if err := s.query.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close query: %w", err))
	}
	if err := s.candles.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close candle store: %w", err))
	}
	if err := s.ticks.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close tick store: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("stop errors: %v", errs)
	}

	s.logger.Info("storage engine stopped")
	return nil
}

// Append ingests one tick. Under emergency pressure, reject mode fails
// with ErrBackpressure; block mode throttles the caller instead.
func (s *Service) Append(tick types.Tick) error {
	if !s.running.Load() {
		return storeerrors.ErrStoreClosed
	}

	if s.backpressure.Enabled() {
		if s.cfg.Ingestion.Mode == "reject" && s.backpressure.ShouldReject() {
			s.backpressure.RecordReject()
			return fmt.Errorf("%w: buffer at %s level",
				storeerrors.ErrBackpressure, s.backpressure.CurrentLevel())
		}
		if delay := s.backpressure.ThrottleDelay(); delay > 0 {
			time.Sleep(delay)
		}
	}

	return s.ticks.Append(tick)
}

// AppendBatch ingests a batch, stopping at the first non-benign error.
func (s *Service) AppendBatch(ticks []types.Tick) error {
	for i := range ticks {
		if err := s.Append(ticks[i]); err != nil {
			return fmt.Errorf("tick %d: %w", i, err)
		}
	}
	return nil
}

// Ticks answers a tick query across all tiers.
func (s *Service) Ticks(ctx context.Context, q query.TickQuery) ([]types.Tick, error) {
	if !s.running.Load() {
		return nil, storeerrors.ErrStoreClosed
	}
	return s.query.Ticks(ctx, q)
}

// Candles answers a candle query across the hot store and frozen chunks.
func (s *Service) Candles(ctx context.Context, q query.CandleQuery) ([]types.Candle, error) {
	if !s.running.Load() {
		return nil, storeerrors.ErrStoreClosed
	}
	return s.query.Candles(ctx, q)
}

// ExecuteSQL runs a raw DuckDB statement for ad-hoc analysis.
func (s *Service) ExecuteSQL(ctx context.Context, sql string) ([]map[string]interface{}, error) {
	if !s.running.Load() {
		return nil, storeerrors.ErrStoreClosed
	}
	return s.query.ExecuteSQL(ctx, sql)
}

// Freshness reports the refresh state of one timeframe.
func (s *Service) Freshness(tf types.Timeframe) aggregate.Freshness {
	return s.engine.FreshnessFor(tf)
}

// FreshnessAll reports the refresh state of every timeframe.
func (s *Service) FreshnessAll() []aggregate.Freshness {
	return s.engine.FreshnessAll()
}

// ForceRefresh refreshes one timeframe immediately, sharing work with any
// scheduled cycle already in flight.
func (s *Service) ForceRefresh(ctx context.Context, tf types.Timeframe) (*aggregate.RefreshReport, error) {
	if !s.running.Load() {
		return nil, storeerrors.ErrStoreClosed
	}
	return s.scheduler.ForceRefresh(ctx, tf)
}

// backpressureWorker samples buffer usage once a second.
func (s *Service) backpressureWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.backpressure.Check()
		}
	}
}

// compactionWorker advances the chunk lifecycle: seals elapsed tick
// chunks, maintains candle chunk registrations, and compresses whatever
// has cooled off. Compression yields while ingest pressure is elevated.
func (s *Service) compactionWorker() {
	defer s.wg.Done()

	interval := s.cfg.Compression.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.compactOnce()
		}
	}
}

func (s *Service) compactOnce() {
	if sealed, err := s.ticks.SealEligible(); err != nil {
		s.logger.Error("seal pass failed", "error", err)
	} else if len(sealed) > 0 {
		s.logger.Info("chunks sealed", "count", len(sealed))
	}

	if err := s.maintainCandleChunks(); err != nil {
		s.logger.Error("candle chunk maintenance failed", "error", err)
	}

	if s.backpressure.ShouldPauseCompression() {
		return
	}
	if _, err := s.compressor.RunOnce(s.ctx); err != nil {
		s.logger.Error("compression pass failed", "error", err)
	}
}

// maintainCandleChunks registers candle chunks over the materialized
// range and seals the ones whose window has elapsed. Sealing a candle
// chunk is a manifest transition only; the export happens at compression.
func (s *Service) maintainCandleChunks() error {
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	earliest, ok, err := s.candles.EarliestOpenTime(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	nowMs := time.Now().UnixMilli()
	width := s.cfg.ChunkWidth(types.ChunkKindCandles).Milliseconds()

	// Register chunks covering [earliest, now - width): only ranges a
	// full width behind now can ever seal, so later ranges can wait.
	firstMs, _ := s.chunks.Route(types.ChunkKindCandles, earliest)
	for startMs := firstMs; startMs+width <= nowMs-width; startMs += width {
		if _, err := s.chunks.Ensure(types.ChunkKindCandles, startMs); err != nil {
			return err
		}
	}

	for _, meta := range s.chunks.SealableBefore(nowMs) {
		if meta.Kind != types.ChunkKindCandles {
			continue
		}
		if err := s.chunks.Seal(meta.ID(), nowMs); err != nil {
			return err
		}
	}
	return nil
}

// retentionWorker expires old compressed chunks twice a day.
func (s *Service) retentionWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(12 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.retention.RunCleanup()
		}
	}
}

// walSyncWorker flushes the WAL at the configured interval in async mode.
func (s *Service) walSyncWorker() {
	defer s.wg.Done()

	interval := s.cfg.WAL.SyncInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			if err := s.ticks.Sync(); err != nil {
				s.logger.Error("final wal sync failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := s.ticks.Sync(); err != nil {
				s.logger.Error("wal sync failed", "error", err)
			}
		}
	}
}

// Stats aggregates the counters of every component.
type Stats struct {
	Running      bool
	Uptime       time.Duration
	Chunks       int
	Ticks        tickstore.Stats
	Query        query.Stats
	Compression  compress.Stats
	Retention    retention.Stats
	Backpressure backpressure.Stats
	Refresh      refresh.Stats
}

// Stats returns combined statistics.
func (s *Service) Stats() Stats {
	var uptime time.Duration
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime)
	}

	return Stats{
		Running:      s.running.Load(),
		Uptime:       uptime,
		Chunks:       s.chunks.Count(),
		Ticks:        s.ticks.Stats(),
		Query:        s.query.Stats(),
		Compression:  s.compressor.Stats(),
		Retention:    s.retention.Stats(),
		Backpressure: s.backpressure.Stats(),
		Refresh:      s.scheduler.Stats(),
	}
}

// RunRetention triggers a retention pass immediately.
func (s *Service) RunRetention() []retention.CleanupResult {
	return s.retention.RunCleanup()
}

// DryRunRetention reports what a retention pass would delete.
func (s *Service) DryRunRetention() []retention.CleanupResult {
	return s.retention.DryRun()
}

// GetDiskUsage returns on-disk chunk usage per kind.
func (s *Service) GetDiskUsage() map[types.ChunkKind]retention.DiskUsage {
	return s.retention.GetDiskUsage()
}

// BackpressureLevel returns the current admission level.
func (s *Service) BackpressureLevel() backpressure.Level {
	return s.backpressure.CurrentLevel()
}

// Config returns the engine configuration.
func (s *Service) Config() *config.Config {
	return s.cfg
}

// IsRunning reports whether Start has been called without a matching Stop.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}
