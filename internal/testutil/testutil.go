// Package testutil provides shared test helpers.
//
// t.Fatal and t.FailNow must not be called from goroutines: they call
// runtime.Goexit, which only terminates the calling goroutine. Group
// provides the error channel pattern as a safe alternative.
package testutil

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// WaitFor polls cond every millisecond until it returns true, failing the
// test if timeout elapses first.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// Group collects errors from test goroutines.
//
//	g := testutil.NewGroup(t)
//	g.Go(func() error { return doSomething() })
//	g.Wait()
type Group struct {
	t      *testing.T
	wg     sync.WaitGroup
	mu     sync.Mutex
	errors []error
}

// NewGroup creates a Group bound to t.
func NewGroup(t *testing.T) *Group {
	return &Group{t: t}
}

// Go runs fn in a goroutine, recording a non-nil result as a test error.
func (g *Group) Go(fn func() error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := fn(); err != nil {
			g.mu.Lock()
			g.errors = append(g.errors, err)
			g.mu.Unlock()
		}
	}()
}

// Wait blocks until every goroutine finishes, then fails the test if any
// of them returned an error. Must be called from the test goroutine.
func (g *Group) Wait() {
	g.t.Helper()
	g.wg.Wait()

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, err := range g.errors {
		g.t.Errorf("goroutine error: %v", err)
	}
	if len(g.errors) > 0 {
		g.t.FailNow()
	}
}

// RunWithTimeout runs fn, failing if it does not return within timeout.
func RunWithTimeout(timeout time.Duration, fn func()) error {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout after %v", timeout)
	}
}
