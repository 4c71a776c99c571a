package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	storeerrors "github.com/arenx/tickstore/internal/errors"
	"github.com/arenx/tickstore/internal/logging"
	"github.com/arenx/tickstore/internal/storage/config"
	"github.com/arenx/tickstore/internal/storage/types"
)

// TickSource supplies raw ticks for a half-open event-time range.
// MaxEventTime is the newest event time the source has accepted; the engine
// never advances a watermark past what the source's lateness gate can still
// admit behind it.
type TickSource interface {
	TicksIn(ctx context.Context, startMs, endMs int64) ([]types.Tick, error)
	MaxEventTime() int64
}

// CandleSink persists candles and watermarks.
type CandleSink interface {
	UpsertBatch(ctx context.Context, batch []types.Candle) error
	Watermark(ctx context.Context, tf types.Timeframe) (types.MaterializationState, error)
	SetWatermark(ctx context.Context, tf types.Timeframe, watermarkMs, refreshMs int64) error
}

// RefreshState is the materialization state of one timeframe.
type RefreshState string

const (
	// StateCaughtUp means the watermark is within one cadence of now.
	StateCaughtUp RefreshState = "caught_up"

	// StateRefreshing means a refresh pass is in progress.
	StateRefreshing RefreshState = "refreshing"

	// StateLagging means a refresh failed while the watermark was more
	// than two cadences behind, or failures exhausted the budget.
	StateLagging RefreshState = "lagging"
)

// RefreshReport summarizes one refresh pass.
type RefreshReport struct {
	ID        uuid.UUID
	Timeframe types.Timeframe

	ScanStartMs int64
	ScanEndMs   int64

	Ticks   int
	Candles int

	// CorruptBuckets lists candle keys that violated OHLC invariants and
	// were withheld from the sink.
	CorruptBuckets []string

	StartedAtMs int64
	Duration    time.Duration
}

// Freshness is the externally visible materialization status of a
// timeframe.
type Freshness struct {
	Timeframe           types.Timeframe
	State               RefreshState
	WatermarkMs         int64
	LastRefreshMs       int64
	ConsecutiveFailures int
}

// tfState is the engine's in-memory state for one timeframe.
type tfState struct {
	state               RefreshState
	watermarkMs         int64
	lastRefreshMs       int64
	consecutiveFailures int
	loaded              bool
}

// Engine incrementally materializes candles for all timeframes.
type Engine struct {
	mu sync.Mutex

	source TickSource
	sink   CandleSink
	cfg    *config.Config

	priceFn  types.PriceFunc
	volumeFn types.VolumeFunc

	states map[types.Timeframe]*tfState

	nowFn  func() int64
	logger *slog.Logger
}

// NewEngine creates an aggregation engine. priceFn and volumeFn default to
// the bid/ask midpoint extractors when nil.
func NewEngine(source TickSource, sink CandleSink, cfg *config.Config, priceFn types.PriceFunc, volumeFn types.VolumeFunc) *Engine {
	if priceFn == nil {
		priceFn = types.MidPrice
	}
	if volumeFn == nil {
		volumeFn = types.MidSize
	}

	states := make(map[types.Timeframe]*tfState)
	for _, tf := range types.AllTimeframes() {
		states[tf] = &tfState{state: StateCaughtUp}
	}

	return &Engine{
		source:   source,
		sink:     sink,
		cfg:      cfg,
		priceFn:  priceFn,
		volumeFn: volumeFn,
		states:   states,
		nowFn:    func() int64 { return time.Now().UnixMilli() },
		logger:   logging.Component("aggregate"),
	}
}

// SetNowFunc overrides the clock. Tests only.
func (e *Engine) SetNowFunc(fn func() int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nowFn = fn
}

// Refresh recomputes one timeframe's refresh window and advances its
// watermark. The window is [max(watermark, now-window-width), now-lateness),
// with the lower bound aligned down to a bucket boundary so a recomputed
// bucket always sees all of its ticks.
//
// The watermark advances only when the whole pass succeeds, and never past
// the source's MaxEventTime minus the lateness tolerance: every tick the
// ingest gate can still accept stays ahead of the watermark. Buckets that
// produce invariant-violating candles are withheld from the sink and listed
// in the report; they do not block the rest of the window.
func (e *Engine) Refresh(ctx context.Context, tf types.Timeframe) (*RefreshReport, error) {
	e.mu.Lock()
	st := e.states[tf]
	if st == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: unknown timeframe %s", storeerrors.ErrInternal, tf)
	}
	if st.state == StateRefreshing {
		e.mu.Unlock()
		return nil, storeerrors.ErrRefreshInFlight
	}
	st.state = StateRefreshing
	e.mu.Unlock()

	report, err := e.refresh(ctx, tf, st)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.nowFn()
	if err != nil {
		st.consecutiveFailures++
		st.state = e.failureState(tf, st, now)
		e.logger.Warn("refresh failed",
			"timeframe", tf.String(),
			"consecutive_failures", st.consecutiveFailures,
			"state", string(st.state),
			"error", err)
		return report, err
	}

	st.consecutiveFailures = 0
	st.state = StateCaughtUp
	return report, nil
}

func (e *Engine) refresh(ctx context.Context, tf types.Timeframe, st *tfState) (*RefreshReport, error) {
	startedAt := time.Now()
	now := e.nowFn()

	report := &RefreshReport{
		ID:          uuid.New(),
		Timeframe:   tf,
		StartedAtMs: now,
	}

	// The persisted watermark survives restarts; load it once.
	e.mu.Lock()
	loaded := st.loaded
	e.mu.Unlock()
	if !loaded {
		persisted, err := e.sink.Watermark(ctx, tf)
		if err != nil {
			return report, fmt.Errorf("load watermark: %w", err)
		}
		e.mu.Lock()
		st.watermarkMs = persisted.WatermarkMs
		st.lastRefreshMs = persisted.LastRefreshMs
		st.loaded = true
		e.mu.Unlock()
	}

	// Ticks newer than now-lateness may still gain siblings; leave them for
	// the next pass.
	lateness := e.cfg.Ingestion.LatenessTolerance.Milliseconds()
	scanEnd := now - lateness

	e.mu.Lock()
	watermark := st.watermarkMs
	e.mu.Unlock()

	windowLow := scanEnd - e.cfg.RefreshWindow(tf).Milliseconds()
	scanStart := watermark
	if scanStart < windowLow {
		scanStart = windowLow
	}
	// Align down so a partially materialized bucket is recomputed whole.
	scanStart = tf.TruncateMs(scanStart)

	report.ScanStartMs = scanStart
	report.ScanEndMs = scanEnd

	if scanEnd <= scanStart {
		report.Duration = time.Since(startedAt)
		return report, nil
	}

	ticks, err := e.source.TicksIn(ctx, scanStart, scanEnd)
	if err != nil {
		return report, fmt.Errorf("%w: %v", storeerrors.ErrSourceUnavailable, err)
	}
	report.Ticks = len(ticks)

	candles := buildCandles(ticks, tf, e.priceFn, e.volumeFn,
		e.cfg.Aggregation.SketchEnabled, e.cfg.Aggregation.SketchAccuracy)

	valid := candles[:0]
	for i := range candles {
		if err := candles[i].Validate(); err != nil {
			report.CorruptBuckets = append(report.CorruptBuckets, candles[i].Key())
			e.logger.Error("corrupt candle bucket withheld",
				"timeframe", tf.String(),
				"bucket", candles[i].Key(),
				"error", err)
			continue
		}
		valid = append(valid, candles[i])
	}
	report.Candles = len(valid)

	if err := e.sink.UpsertBatch(ctx, valid); err != nil {
		return report, fmt.Errorf("upsert candles: %w", err)
	}

	// The ingest gate admits any tick newer than maxEventTime - lateness, so
	// the watermark must stay below that bound: a tick behind the watermark
	// would never be scanned again. On an empty source the watermark does
	// not move at all.
	newWatermark := scanEnd
	if bound := e.source.MaxEventTime() - lateness; bound < newWatermark {
		newWatermark = bound
	}
	if newWatermark < watermark {
		newWatermark = watermark
	}

	if err := e.sink.SetWatermark(ctx, tf, newWatermark, now); err != nil {
		return report, fmt.Errorf("persist watermark: %w", err)
	}

	e.mu.Lock()
	st.watermarkMs = newWatermark
	st.lastRefreshMs = now
	e.mu.Unlock()

	report.Duration = time.Since(startedAt)

	e.logger.Debug("refresh completed",
		"timeframe", tf.String(),
		"refresh_id", report.ID.String(),
		"scan_start_ms", scanStart,
		"scan_end_ms", scanEnd,
		"ticks", report.Ticks,
		"candles", report.Candles,
		"corrupt_buckets", len(report.CorruptBuckets),
		"duration", report.Duration)

	return report, nil
}

// failureState decides whether a failed refresh escalates to lagging: either
// the watermark is already more than two cadences behind, or the failure
// budget is exhausted. Caller must hold e.mu.
func (e *Engine) failureState(tf types.Timeframe, st *tfState, nowMs int64) RefreshState {
	if nowMs-st.watermarkMs > 2*e.cfg.Cadence(tf).Milliseconds() {
		return StateLagging
	}
	if st.consecutiveFailures >= e.cfg.Refresh.MaxConsecutiveFailures {
		return StateLagging
	}
	return StateCaughtUp
}

// FreshnessFor returns the freshness of one timeframe.
func (e *Engine) FreshnessFor(tf types.Timeframe) Freshness {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.states[tf]
	return Freshness{
		Timeframe:           tf,
		State:               st.state,
		WatermarkMs:         st.watermarkMs,
		LastRefreshMs:       st.lastRefreshMs,
		ConsecutiveFailures: st.consecutiveFailures,
	}
}

// FreshnessAll returns the freshness of every timeframe, in timeframe order.
func (e *Engine) FreshnessAll() []Freshness {
	out := make([]Freshness, 0, len(types.AllTimeframes()))
	for _, tf := range types.AllTimeframes() {
		out = append(out, e.FreshnessFor(tf))
	}
	return out
}
