package pipeline

import (
	"context"
	"time"

	"github.com/tielinehq/tieline/pkg/runner"
)

// Runner ties an engine's drain hook into the shared lifecycle runner
// so sessions flush before the process exits.
type Runner struct {
	lc *runner.LifecycleRunner
}

// DrainerFunc adapts a plain func to the runner.Drainer interface.
type DrainerFunc func() error

func (fn DrainerFunc) Drain() error { return fn() }

func NewDrainRunner(drainer runner.Drainer, hooks runner.Hooks, timeout time.Duration) *Runner {
	return &Runner{lc: runner.NewLifecycleRunner(drainer, hooks, timeout)}
}

// Run blocks until ctx is canceled, then drains and stops.
func (r *Runner) Run(ctx context.Context) error { return r.lc.Run(ctx) }

func (r *Runner) Stop() error { return r.lc.Stop() }
