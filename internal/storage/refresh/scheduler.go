// Package refresh drives the periodic candle materialization cycles.
//
// Every timeframe gets its own loop running at its configured cadence. A
// failed cycle is retried a bounded number of times with exponential backoff
// inside the same cycle; the window itself is never skipped because the
// engine's watermark only advances on success. Forced refreshes share work
// with scheduled ones through singleflight.
package refresh

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	storeerrors "github.com/arenx/tickstore/internal/errors"
	"github.com/arenx/tickstore/internal/logging"
	"github.com/arenx/tickstore/internal/storage/aggregate"
	"github.com/arenx/tickstore/internal/storage/config"
	"github.com/arenx/tickstore/internal/storage/types"
)

// Refresher recomputes the candles of one timeframe. The aggregation engine
// implements it.
type Refresher interface {
	Refresh(ctx context.Context, tf types.Timeframe) (*aggregate.RefreshReport, error)
}

// Stats holds scheduler counters.
type Stats struct {
	Cycles        int64
	Failures      int64
	Retries       int64
	ForcedRefresh int64
}

// Scheduler runs one refresh loop per maintained timeframe.
//
// Scheduler is safe for concurrent use. Start may be called once; Stop
// blocks until every loop has exited.
type Scheduler struct {
	engine Refresher
	cfg    *config.Config
	logger *slog.Logger

	group  singleflight.Group
	cancel context.CancelFunc
	loops  *errgroup.Group

	cycles        atomic.Int64
	failures      atomic.Int64
	retries       atomic.Int64
	forcedRefresh atomic.Int64
}

// NewScheduler creates a Scheduler over the given refresher.
func NewScheduler(engine Refresher, cfg *config.Config) *Scheduler {
	return &Scheduler{
		engine: engine,
		cfg:    cfg,
		logger: logging.Component("refresh"),
	}
}

// Start launches the per-timeframe loops. The loops stop when Stop is
// called or the parent context is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.loops, ctx = errgroup.WithContext(ctx)

	for _, tf := range types.AllTimeframes() {
		tf := tf
		s.loops.Go(func() error {
			s.run(ctx, tf)
			return nil
		})
	}

	s.logger.Info("refresh scheduler started",
		"timeframes", len(types.AllTimeframes()))
}

// Stop cancels the loops and waits for them to exit. An in-flight refresh
// cycle finishes its current attempt before the loop returns.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.loops.Wait()
	s.logger.Info("refresh scheduler stopped")
}

// ForceRefresh runs one refresh cycle for the timeframe immediately. If a
// scheduled cycle for the same timeframe is already running, the caller
// shares its result instead of starting a second one.
func (s *Scheduler) ForceRefresh(ctx context.Context, tf types.Timeframe) (*aggregate.RefreshReport, error) {
	s.forcedRefresh.Add(1)
	report, err, _ := s.group.Do(tf.String(), func() (interface{}, error) {
		return s.engine.Refresh(ctx, tf)
	})
	if err != nil {
		return nil, err
	}
	return report.(*aggregate.RefreshReport), nil
}

// run is the per-timeframe loop. It fires one cycle immediately so a fresh
// process catches up without waiting a full cadence.
func (s *Scheduler) run(ctx context.Context, tf types.Timeframe) {
	cadence := s.cfg.Cadence(tf)
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	s.cycle(ctx, tf)

	for {
		select {
		case <-ticker.C:
			s.cycle(ctx, tf)
		case <-ctx.Done():
			return
		}
	}
}

// cycle runs one scheduled refresh with bounded in-cycle retries. A cycle
// that loses the singleflight race to a forced refresh counts as done.
func (s *Scheduler) cycle(ctx context.Context, tf types.Timeframe) {
	s.cycles.Add(1)

	backoff := s.cfg.Refresh.RetryBackoff
	attempts := 1 + s.cfg.Refresh.RetriesPerCycle

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			s.retries.Add(1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if limit := s.cfg.Refresh.MaxRetryBackoff; limit > 0 && backoff > limit {
				backoff = limit
			}
		}

		_, err, _ := s.group.Do(tf.String(), func() (interface{}, error) {
			return s.engine.Refresh(ctx, tf)
		})
		if err == nil {
			return
		}
		if errors.Is(err, storeerrors.ErrRefreshInFlight) {
			// Another cycle owns the window.
			return
		}
		if ctx.Err() != nil {
			return
		}

		s.failures.Add(1)
		s.logger.Warn("refresh cycle failed",
			"timeframe", tf.String(),
			"attempt", attempt+1,
			"error", err)
	}
}

// Stats returns scheduler counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Cycles:        s.cycles.Load(),
		Failures:      s.failures.Load(),
		Retries:       s.retries.Load(),
		ForcedRefresh: s.forcedRefresh.Load(),
	}
}
