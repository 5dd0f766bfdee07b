// Package scheduler runs generation work strictly one task at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/fatih/color"
)

// DefaultDelay is the pause between two consecutive tasks.
const DefaultDelay = 500 * time.Millisecond

var (
	// ErrAborted marks a run stopped by cancellation. It is a clean stop,
	// not a failure.
	ErrAborted = errors.New("run aborted")
	// ErrBusy is returned when a run is requested while another is active.
	ErrBusy = errors.New("a run is already in progress")
)

// IsAborted reports whether err stems from cancellation.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled)
}

func aborted(err error) error {
	if errors.Is(err, ErrAborted) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrAborted, err)
}

// Progress reports how many tasks of a run have finished.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Summary counts task outcomes of a finished run.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Options configures RunSequential. All callbacks are optional.
type Options struct {
	Delay       time.Duration
	OnProgress  func(Progress)
	OnTaskError func(index int, err error)
	OnComplete  func(Summary)
}

// RunSequential executes tasks in order, awaiting each before the next and
// pausing opts.Delay in between. A failing task is logged and skipped. When
// all tasks have run, progress is reset to zero and OnComplete fires.
//
// Cancelling ctx aborts the task in flight, skips the rest and returns an
// error matching ErrAborted; OnComplete does not fire in that case.
func RunSequential[T any](ctx context.Context, tasks []T, execute func(ctx context.Context, index int, task T) error, opts Options) (Summary, error) {
	summary := Summary{Total: len(tasks)}

	for i, task := range tasks {
		if err := ctx.Err(); err != nil {
			return summary, aborted(err)
		}

		err := execute(ctx, i, task)
		if err != nil {
			if IsAborted(err) || ctx.Err() != nil {
				log.Printf("Task %d/%d %s", i+1, len(tasks), color.YellowString("aborted"))
				return summary, aborted(err)
			}
			summary.Failed++
			log.Printf("Task %d/%d %s: %v", i+1, len(tasks), color.RedString("failed"), err)
			if opts.OnTaskError != nil {
				opts.OnTaskError(i, err)
			}
		} else {
			summary.Succeeded++
		}

		if opts.OnProgress != nil {
			opts.OnProgress(Progress{Current: i + 1, Total: len(tasks)})
		}

		if i < len(tasks)-1 {
			if err := Sleep(ctx, opts.Delay); err != nil {
				return summary, aborted(err)
			}
		}
	}

	if opts.OnProgress != nil {
		opts.OnProgress(Progress{})
	}
	if opts.OnComplete != nil {
		opts.OnComplete(summary)
	}
	return summary, nil
}

// Sleep pauses for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
