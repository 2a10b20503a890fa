package scheduler

import (
	"context"
	"sync"
	"time"
)

// DefaultTickInterval is used when a Runner is created with no interval.
const DefaultTickInterval = 30 * time.Second

// Runner calls Tick on a fixed interval. Several runners across processes
// are safe together; the run lock lets one of them work per tick.
type Runner struct {
	Scheduler *Scheduler
	Interval  time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

// NewRunner creates a Runner with a sensible default for a zero interval.
func NewRunner(s *Scheduler, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Runner{
		Scheduler: s,
		Interval:  interval,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start spawns the ticking goroutine.
func (r *Runner) Start(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	go func() {
		defer close(r.done)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Scheduler.Tick(ctx)
			}
		}
	}()
}

// Stop signals the goroutine to stop and waits for an in-flight tick to
// finish. Safe to call multiple times, but only after Start.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.done
}
