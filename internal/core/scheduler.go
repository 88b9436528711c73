package core

import (
	"context"
	"sync"
	"time"
)

// Scheduler runs background work detached from the caller and tracks it
// so the process can wait for it before exiting.
type Scheduler struct {
	ctx context.Context
	wg  sync.WaitGroup
}

// NewScheduler returns a scheduler whose tasks observe ctx.
func NewScheduler(ctx context.Context) *Scheduler {
	return &Scheduler{ctx: ctx}
}

// Go runs fn on its own goroutine.
func (s *Scheduler) Go(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// After runs fn once d has elapsed. The task is dropped if the scheduler's
// context ends first.
func (s *Scheduler) After(d time.Duration, fn func(ctx context.Context)) {
	s.Go(func(ctx context.Context) {
		if d > 0 {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		}
		fn(ctx)
	})
}

// Wait blocks until every scheduled task has returned.
func (s *Scheduler) Wait() { s.wg.Wait() }
