package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrAlreadyStarted is returned when Run is called on a runner that
// already ran.
var ErrAlreadyStarted = errors.New("runner: already started")

// ErrDrainTimeout is returned when in-flight work does not flush
// within the shutdown grace period.
var ErrDrainTimeout = errors.New("runner: drain timeout")

// LifecycleRunner walks a process through its lifecycle exactly once.
// Run blocks until the context is canceled or Stop is called, then
// drains with a bounded grace period before firing OnStop.
type LifecycleRunner struct {
	state    atomic.Int32
	mu       sync.Mutex
	cancel   context.CancelFunc
	stopping bool
	stopOnce sync.Once
	hooks    Hooks
	drainer  Drainer
	grace    time.Duration
	stopErr  error
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, grace time.Duration) *LifecycleRunner {
	if grace <= 0 {
		grace = 10 * time.Second
	}
	r := &LifecycleRunner{
		hooks:   hooks,
		drainer: drainer,
		grace:   grace,
	}
	r.state.Store(int32(StateNew))
	return r
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

// Run blocks until ctx is canceled or Stop is called, then drains and
// stops. It may be called at most once.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateNew), int32(StateStarting)) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		cancel()
		return r.finish()
	}
	r.cancel = cancel
	r.mu.Unlock()

	PrintBanner()
	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.state.Store(int32(StateRunning))
	<-runCtx.Done()
	return r.finish()
}

// Stop unblocks Run and performs the drain. Safe to call before Run,
// concurrently, or more than once; every caller gets the same result.
func (r *LifecycleRunner) Stop() error {
	r.mu.Lock()
	r.stopping = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return r.finish()
}

func (r *LifecycleRunner) finish() error {
	r.stopOnce.Do(func() {
		r.state.Store(int32(StateDraining))
		if r.drainer != nil && !drainWithin(r.drainer, r.grace) {
			r.stopErr = ErrDrainTimeout
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.state.Store(int32(StateStopped))
	})
	return r.stopErr
}

// drainWithin runs Drain in the background and reports whether it
// finished inside the grace period. A drain that overruns keeps
// running; the process is exiting anyway.
func drainWithin(d Drainer, grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Drain()
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}
