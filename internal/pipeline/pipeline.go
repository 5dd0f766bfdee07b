// Package pipeline runs an ordered set of prompt steps against an initial
// image set, either chaining each step's images into the next (serial) or
// applying every step to the same images (parallel).
//
// Steps never run concurrently; "parallel" refers to the independence of
// their inputs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/sokinpui/studio.go/internal/batch"
	"github.com/sokinpui/studio.go/internal/scheduler"
	"github.com/sokinpui/studio.go/model"
)

// Mode selects the execution algorithm.
type Mode string

const (
	ModeSerial   Mode = "serial"
	ModeParallel Mode = "parallel"
)

// MaxSteps bounds the number of steps per pipeline.
const MaxSteps = 5

// ErrEmptyResult is matched by EmptyResultError.
var ErrEmptyResult = errors.New("empty result, cannot continue chain")

// ErrValidation is batch.ErrValidation; pipeline construction reports the same
// kind of error as batch building.
var ErrValidation = batch.ErrValidation

// EmptyResultError reports the serial step whose result held no images.
type EmptyResultError struct {
	Step int
}

func (e *EmptyResultError) Error() string {
	return fmt.Sprintf("pipeline step %d: %v", e.Step+1, ErrEmptyResult)
}

func (e *EmptyResultError) Is(target error) bool { return target == ErrEmptyResult }

// StepError reports the serial step whose generation failed.
type StepError struct {
	Step int
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("pipeline step %d: %v", e.Step+1, e.Err) }

func (e *StepError) Unwrap() error { return e.Err }

// FailedStep extracts the index of the step that broke a serial chain.
func FailedStep(err error) (int, bool) {
	var empty *EmptyResultError
	if errors.As(err, &empty) {
		return empty.Step, true
	}
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Step, true
	}
	return 0, false
}

// GenerateFunc runs one step against its input images. In parallel mode
// every step receives its own slice, but the ImageRef.Data buffers are shared
// with the other steps and the caller; they must be treated as read-only.
type GenerateFunc func(ctx context.Context, step Step, images []model.ImageRef) (*model.Result, error)

// RunOptions configures Run.
type RunOptions struct {
	// Delay is the pause between two steps.
	Delay time.Duration
	// Observe receives every snapshot produced during the run.
	Observe func(Snapshot)
}

// Pipeline is a validated, not yet executed set of steps.
type Pipeline struct {
	mode  Mode
	steps []Step
}

// ParseMode maps a wire value to a Mode. The empty string means serial.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "":
		return ModeSerial, nil
	case ModeSerial, ModeParallel:
		return m, nil
	}
	return "", batch.Invalid("mode", fmt.Sprintf("unknown pipeline mode %q", s))
}

// New validates steps. Steps with a blank prompt are dropped, missing IDs are
// generated and every status is reset to pending.
func New(mode Mode, steps []Step) (*Pipeline, error) {
	if mode != ModeSerial && mode != ModeParallel {
		return nil, batch.Invalid("mode", fmt.Sprintf("unknown pipeline mode %q", mode))
	}
	if len(steps) > MaxSteps {
		return nil, batch.Invalid("steps", fmt.Sprintf("at most %d steps allowed, got %d", MaxSteps, len(steps)))
	}

	kept := make([]Step, 0, len(steps))
	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		s.Prompt = strings.TrimSpace(s.Prompt)
		if s.Prompt == "" {
			continue
		}
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		if seen[s.ID] {
			return nil, batch.Invalid("steps", fmt.Sprintf("duplicate step id %q", s.ID))
		}
		seen[s.ID] = true
		s.Status = StatusPending
		s.Error = ""
		kept = append(kept, s)
	}
	if len(kept) == 0 {
		return nil, batch.Invalid("steps", "no step with a prompt")
	}

	return &Pipeline{mode: mode, steps: kept}, nil
}

func (p *Pipeline) Mode() Mode { return p.mode }

// Snapshot returns the initial, all-pending snapshot.
func (p *Pipeline) Snapshot() Snapshot { return newSnapshot(p.steps) }

// Run executes the pipeline. It fails with a ValidationError before any
// generation if initial is empty.
//
// Serial mode returns an EmptyResultError or StepError when the chain
// breaks; the remaining steps are marked failed without running. Parallel
// mode isolates failures to their step and returns nil. A cancelled ctx
// returns an error matching scheduler.ErrAborted.
func (p *Pipeline) Run(ctx context.Context, initial []model.ImageRef, generate GenerateFunc, opts RunOptions) (Snapshot, error) {
	if len(initial) == 0 {
		return p.Snapshot(), batch.Invalid("images", "no images")
	}

	r := &run{snap: p.Snapshot(), observe: opts.Observe}
	if r.observe == nil {
		r.observe = func(Snapshot) {}
	}
	r.observe(r.snap)

	if p.mode == ModeParallel {
		return r.parallel(ctx, initial, generate, opts.Delay)
	}
	return r.serial(ctx, initial, generate, opts.Delay)
}

type run struct {
	snap    Snapshot
	observe func(Snapshot)
}

func (r *run) move(i int, to Status, err error) {
	next, applyErr := Apply(r.snap, Transition{Index: i, To: to, Err: err})
	if applyErr != nil {
		// Only reachable through a bug in this package.
		panic(applyErr)
	}
	r.snap = next
	r.observe(next)
}

func (r *run) serial(ctx context.Context, initial []model.ImageRef, generate GenerateFunc, delay time.Duration) (Snapshot, error) {
	inputs := slices.Clone(initial)

	for i := 0; i < r.snap.Len(); i++ {
		if i > 0 {
			if err := scheduler.Sleep(ctx, delay); err != nil {
				return r.snap, fmt.Errorf("%w: %w", scheduler.ErrAborted, err)
			}
		}

		step := r.snap.Step(i)
		r.move(i, StatusRunning, nil)
		log.Printf("-> %s %d/%d (serial, %d input images)", color.BlueString("Running step"), i+1, r.snap.Len(), len(inputs))

		res, err := generate(ctx, step, inputs)
		if err != nil {
			if scheduler.IsAborted(err) || ctx.Err() != nil {
				r.move(i, StatusFailed, scheduler.ErrAborted)
				return r.snap, fmt.Errorf("%w: %w", scheduler.ErrAborted, err)
			}
			r.move(i, StatusFailed, err)
			r.failRemaining(i + 1)
			return r.snap, &StepError{Step: i, Err: err}
		}

		images := res.Images()
		if len(images) == 0 {
			r.move(i, StatusFailed, ErrEmptyResult)
			r.failRemaining(i + 1)
			return r.snap, &EmptyResultError{Step: i}
		}

		r.move(i, StatusDone, nil)
		inputs = images
	}
	return r.snap, nil
}

func (r *run) failRemaining(from int) {
	for j := from; j < r.snap.Len(); j++ {
		r.move(j, StatusFailed, errors.New("skipped: an earlier step failed"))
	}
}

func (r *run) parallel(ctx context.Context, initial []model.ImageRef, generate GenerateFunc, delay time.Duration) (Snapshot, error) {
	indices := make([]int, r.snap.Len())
	for i := range indices {
		indices[i] = i
	}

	_, err := scheduler.RunSequential(ctx, indices, func(ctx context.Context, _ int, i int) error {
		step := r.snap.Step(i)
		r.move(i, StatusRunning, nil)
		log.Printf("-> %s %d/%d (parallel)", color.BlueString("Running step"), i+1, r.snap.Len())

		_, err := generate(ctx, step, slices.Clone(initial))
		if err != nil {
			if scheduler.IsAborted(err) || ctx.Err() != nil {
				r.move(i, StatusFailed, scheduler.ErrAborted)
			} else {
				r.move(i, StatusFailed, err)
			}
			return err
		}
		r.move(i, StatusDone, nil)
		return nil
	}, scheduler.Options{Delay: delay})

	if err != nil {
		return r.snap, err
	}
	return r.snap, nil
}
