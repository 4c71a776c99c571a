package refresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	storeerrors "github.com/arenx/tickstore/internal/errors"
	"github.com/arenx/tickstore/internal/storage/aggregate"
	"github.com/arenx/tickstore/internal/storage/config"
	"github.com/arenx/tickstore/internal/storage/types"
	"github.com/arenx/tickstore/internal/testutil"
)

// fakeRefresher counts Refresh calls per timeframe and fails the first
// failuresPerTF calls for each.
type fakeRefresher struct {
	mu            sync.Mutex
	calls         map[types.Timeframe]int
	failuresPerTF int
	entered       chan struct{}
	block         chan struct{}
}

func newFakeRefresher() *fakeRefresher {
	return &fakeRefresher{calls: make(map[types.Timeframe]int)}
}

func (f *fakeRefresher) Refresh(ctx context.Context, tf types.Timeframe) (*aggregate.RefreshReport, error) {
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	f.calls[tf]++
	n := f.calls[tf]
	f.mu.Unlock()

	if n <= f.failuresPerTF {
		return nil, storeerrors.ErrSourceUnavailable
	}
	return &aggregate.RefreshReport{Timeframe: tf}, nil
}

func (f *fakeRefresher) callCount(tf types.Timeframe) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[tf]
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Refresh.Cadences = map[string]time.Duration{}
	for _, tf := range types.AllTimeframes() {
		cfg.Refresh.Cadences[tf.String()] = 10 * time.Millisecond
	}
	cfg.Refresh.RetryBackoff = time.Millisecond
	cfg.Refresh.MaxRetryBackoff = 4 * time.Millisecond
	cfg.Refresh.RetriesPerCycle = 2
	return cfg
}

func TestSchedulerRunsEveryTimeframe(t *testing.T) {
	eng := newFakeRefresher()
	s := NewScheduler(eng, testConfig())

	s.Start(context.Background())
	defer s.Stop()

	testutil.WaitFor(t, 2*time.Second, func() bool {
		for _, tf := range types.AllTimeframes() {
			if eng.callCount(tf) < 2 {
				return false
			}
		}
		return true
	})
}

func TestSchedulerRetriesWithinCycle(t *testing.T) {
	eng := newFakeRefresher()
	eng.failuresPerTF = 2

	s := NewScheduler(eng, testConfig())
	s.Start(context.Background())
	defer s.Stop()

	// Two failures fit inside a single cycle's retry budget, so the first
	// cycle already ends in success.
	testutil.WaitFor(t, 2*time.Second, func() bool {
		return eng.callCount(types.Timeframe1m) >= 3
	})

	if s.Stats().Retries == 0 {
		t.Error("expected in-cycle retries")
	}
	if s.Stats().Failures < int64(len(types.AllTimeframes())*2) {
		t.Errorf("Failures = %d, want at least %d",
			s.Stats().Failures, len(types.AllTimeframes())*2)
	}
}

func TestForceRefresh(t *testing.T) {
	eng := newFakeRefresher()
	s := NewScheduler(eng, testConfig())

	report, err := s.ForceRefresh(context.Background(), types.Timeframe5m)
	if err != nil {
		t.Fatalf("ForceRefresh: %v", err)
	}
	if report.Timeframe != types.Timeframe5m {
		t.Errorf("report timeframe = %s", report.Timeframe)
	}
	if eng.callCount(types.Timeframe5m) != 1 {
		t.Errorf("calls = %d, want 1", eng.callCount(types.Timeframe5m))
	}
	if s.Stats().ForcedRefresh != 1 {
		t.Errorf("ForcedRefresh = %d, want 1", s.Stats().ForcedRefresh)
	}
}

func TestForceRefreshSharesInFlightCycle(t *testing.T) {
	eng := newFakeRefresher()
	eng.entered = make(chan struct{}, 1)
	eng.block = make(chan struct{})

	s := NewScheduler(eng, testConfig())

	g := testutil.NewGroup(t)
	g.Go(func() error {
		_, err := s.ForceRefresh(context.Background(), types.Timeframe1h)
		return err
	})
	<-eng.entered

	// The second caller joins the in-flight cycle under the same key.
	g.Go(func() error {
		_, err := s.ForceRefresh(context.Background(), types.Timeframe1h)
		return err
	})
	time.Sleep(50 * time.Millisecond)
	close(eng.block)
	g.Wait()

	if n := eng.callCount(types.Timeframe1h); n != 1 {
		t.Errorf("engine called %d times, want 1", n)
	}
}

func TestInFlightErrorEndsCycle(t *testing.T) {
	calls := 0
	eng := refresherFunc(func(ctx context.Context, tf types.Timeframe) (*aggregate.RefreshReport, error) {
		calls++
		return nil, storeerrors.ErrRefreshInFlight
	})

	cfg := testConfig()
	s := NewScheduler(eng, cfg)
	s.cycle(context.Background(), types.Timeframe1m)

	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retries on in-flight)", calls)
	}
	if s.Stats().Failures != 0 {
		t.Errorf("Failures = %d, want 0", s.Stats().Failures)
	}
}

func TestCycleExhaustsRetryBudget(t *testing.T) {
	calls := 0
	eng := refresherFunc(func(ctx context.Context, tf types.Timeframe) (*aggregate.RefreshReport, error) {
		calls++
		return nil, errors.New("disk on fire")
	})

	cfg := testConfig()
	s := NewScheduler(eng, cfg)
	s.cycle(context.Background(), types.Timeframe1d)

	want := 1 + cfg.Refresh.RetriesPerCycle
	if calls != want {
		t.Errorf("calls = %d, want %d", calls, want)
	}
	if s.Stats().Failures != int64(want) {
		t.Errorf("Failures = %d, want %d", s.Stats().Failures, want)
	}
}

func TestStopWaitsForLoops(t *testing.T) {
	eng := newFakeRefresher()
	s := NewScheduler(eng, testConfig())

	s.Start(context.Background())
	testutil.WaitFor(t, time.Second, func() bool {
		return eng.callCount(types.Timeframe1m) >= 1
	})
	s.Stop()

	n := eng.callCount(types.Timeframe1m)
	time.Sleep(30 * time.Millisecond)
	if eng.callCount(types.Timeframe1m) != n {
		t.Error("refreshes continued after Stop")
	}
}

type refresherFunc func(context.Context, types.Timeframe) (*aggregate.RefreshReport, error)

func (f refresherFunc) Refresh(ctx context.Context, tf types.Timeframe) (*aggregate.RefreshReport, error) {
	return f(ctx, tf)
}
