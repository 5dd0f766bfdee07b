package scheduler

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Scheduler owns the single run slot of an executor. At most one run is
// active at a time; a second request is rejected with ErrBusy.
type Scheduler struct {
	slot *semaphore.Weighted

	mu     sync.Mutex
	runID  string
	cancel context.CancelFunc
	done   chan struct{}
}

func New() *Scheduler {
	return &Scheduler{slot: semaphore.NewWeighted(1)}
}

// Start claims the slot and runs fn on its own goroutine. The run context
// keeps the values of ctx but not its cancellation, so a finished HTTP
// request does not stop the run; use Cancel for that.
func (s *Scheduler) Start(ctx context.Context, runID string, fn func(ctx context.Context)) error {
	runCtx, release, err := s.claim(context.WithoutCancel(ctx), runID)
	if err != nil {
		return err
	}
	go func() {
		defer release()
		fn(runCtx)
	}()
	return nil
}

// Run claims the slot and runs fn on the calling goroutine. Cancelling ctx
// cancels the run.
func (s *Scheduler) Run(ctx context.Context, runID string, fn func(ctx context.Context) error) error {
	runCtx, release, err := s.claim(ctx, runID)
	if err != nil {
		return err
	}
	defer release()
	return fn(runCtx)
}

func (s *Scheduler) claim(parent context.Context, runID string) (context.Context, func(), error) {
	if !s.slot.TryAcquire(1) {
		return nil, nil, ErrBusy
	}

	runCtx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	s.mu.Lock()
	s.runID = runID
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	release := func() {
		cancel()
		s.mu.Lock()
		if s.done == done {
			s.runID = ""
			s.cancel = nil
		}
		s.mu.Unlock()
		s.slot.Release(1)
		close(done)
	}
	return runCtx, release, nil
}

// Cancel aborts the active run. It reports whether there was one.
func (s *Scheduler) Cancel() bool {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Active returns the ID of the running run, if any.
func (s *Scheduler) Active() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID, s.cancel != nil
}

// Wait blocks until the most recently started run has finished.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}
