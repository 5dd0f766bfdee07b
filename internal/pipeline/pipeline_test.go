package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokinpui/studio.go/internal/batch"
	"github.com/sokinpui/studio.go/internal/scheduler"
	"github.com/sokinpui/studio.go/model"
)

func img(name string) model.ImageRef {
	return model.ImageRef{MIMEType: "image/png", Data: []byte(name)}
}

func steps(prompts ...string) []Step {
	out := make([]Step, len(prompts))
	for i, p := range prompts {
		out[i] = Step{ID: fmt.Sprintf("s%d", i), Prompt: p}
	}
	return out
}

type call struct {
	step   string
	images []model.ImageRef
}

// recorder answers every step with one image named after the step, unless
// the step is listed in empty or fail.
type recorder struct {
	calls []call
	empty map[string]bool
	fail  map[string]error
}

func (r *recorder) generate(ctx context.Context, step Step, images []model.ImageRef) (*model.Result, error) {
	r.calls = append(r.calls, call{step: step.ID, images: images})
	if err := r.fail[step.ID]; err != nil {
		return nil, err
	}
	if r.empty[step.ID] {
		return model.NewResult([]model.Part{model.TextPart("no image today")}), nil
	}
	return model.NewResult([]model.Part{
		model.ThoughtPart("thinking"),
		model.ImagePart("image/png", []byte("out-"+step.ID)),
	}), nil
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNewValidatesStepCount(t *testing.T) {
	_, err := New(ModeSerial, steps("a", "b", "c", "d", "e", "f"))
	assert.ErrorIs(t, err, batch.ErrValidation)

	p, err := New(ModeSerial, steps("a", "b", "c", "d", "e"))
	require.NoError(t, err)
	assert.Equal(t, 5, p.Snapshot().Len())
}

func TestNewDropsBlankPromptsAndResetsStatus(t *testing.T) {
	in := []Step{
		{Prompt: "  ", ID: "blank"},
		{Prompt: " first ", Status: StatusDone},
		{Prompt: "second", ID: "keep"},
	}
	p, err := New(ModeParallel, in)
	require.NoError(t, err)

	got := p.Snapshot().Steps()
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Prompt)
	assert.NotEmpty(t, got[0].ID)
	assert.Equal(t, StatusPending, got[0].Status)
	assert.Equal(t, "keep", got[1].ID)
}

func TestNewRejects(t *testing.T) {
	_, err := New(ModeSerial, steps("", " "))
	assert.ErrorIs(t, err, batch.ErrValidation)

	_, err = New(ModeSerial, []Step{{ID: "x", Prompt: "a"}, {ID: "x", Prompt: "b"}})
	assert.ErrorIs(t, err, batch.ErrValidation)

	_, err = New(Mode("zigzag"), steps("a"))
	assert.ErrorIs(t, err, batch.ErrValidation)
}

func TestRunRequiresImages(t *testing.T) {
	p, err := New(ModeSerial, steps("a"))
	require.NoError(t, err)

	rec := &recorder{}
	_, err = p.Run(context.Background(), nil, rec.generate, RunOptions{})
	assert.ErrorIs(t, err, batch.ErrValidation)
	assert.Empty(t, rec.calls)
}

// ---------------------------------------------------------------------------
// Serial
// ---------------------------------------------------------------------------

func TestSerialChainsImages(t *testing.T) {
	p, err := New(ModeSerial, steps("a", "b", "c"))
	require.NoError(t, err)

	rec := &recorder{}
	initial := []model.ImageRef{img("in0"), img("in1")}
	final, err := p.Run(context.Background(), initial, rec.generate, RunOptions{})
	require.NoError(t, err)

	require.Len(t, rec.calls, 3)
	assert.Equal(t, initial, rec.calls[0].images)
	assert.Equal(t, []model.ImageRef{img("out-s0")}, rec.calls[1].images)
	assert.Equal(t, []model.ImageRef{img("out-s1")}, rec.calls[2].images)
	assert.Equal(t, 3, final.Count(StatusDone))
}

func TestSerialEmptyResultStopsChain(t *testing.T) {
	p, err := New(ModeSerial, steps("a", "b"))
	require.NoError(t, err)

	rec := &recorder{empty: map[string]bool{"s0": true}}
	final, err := p.Run(context.Background(), []model.ImageRef{img("in")}, rec.generate, RunOptions{})

	assert.ErrorIs(t, err, ErrEmptyResult)
	var empty *EmptyResultError
	require.ErrorAs(t, err, &empty)
	assert.Equal(t, 0, empty.Step)

	require.Len(t, rec.calls, 1, "step 2 must never be invoked")
	assert.Equal(t, StatusFailed, final.Step(0).Status)
	assert.Equal(t, StatusFailed, final.Step(1).Status)

	idx, ok := FailedStep(err)
	assert.True(t, ok)
	assert.Equal(t, 0, idx)
}

func TestSerialGenerationErrorIsFatal(t *testing.T) {
	p, err := New(ModeSerial, steps("a", "b", "c"))
	require.NoError(t, err)

	boom := errors.New("quota exceeded")
	rec := &recorder{fail: map[string]error{"s1": boom}}
	final, err := p.Run(context.Background(), []model.ImageRef{img("in")}, rec.generate, RunOptions{})

	assert.ErrorIs(t, err, boom)
	idx, ok := FailedStep(err)
	assert.True(t, ok)
	assert.Equal(t, 1, idx)
	assert.Len(t, rec.calls, 2)
	assert.Equal(t, []Status{StatusDone, StatusFailed, StatusFailed}, statuses(final))
}

// ---------------------------------------------------------------------------
// Parallel
// ---------------------------------------------------------------------------

func TestParallelSharesInitialImages(t *testing.T) {
	p, err := New(ModeParallel, steps("a", "b", "c"))
	require.NoError(t, err)

	initial := []model.ImageRef{img("in0"), img("in1")}
	var seen [][]model.ImageRef
	gen := func(ctx context.Context, step Step, images []model.ImageRef) (*model.Result, error) {
		seen = append(seen, append([]model.ImageRef(nil), images...))
		// a misbehaving step rewrites its own input
		images[0] = img("tampered")
		return model.NewResult([]model.Part{model.ImagePart("image/png", []byte("x"))}), nil
	}

	final, err := p.Run(context.Background(), initial, gen, RunOptions{})
	require.NoError(t, err)

	require.Len(t, seen, 3)
	for _, got := range seen {
		assert.Equal(t, []model.ImageRef{img("in0"), img("in1")}, got)
	}
	assert.Equal(t, img("in0"), initial[0])
	assert.Equal(t, 3, final.Count(StatusDone))
}

func TestParallelIsolatesFailures(t *testing.T) {
	p, err := New(ModeParallel, steps("a", "b", "c"))
	require.NoError(t, err)

	rec := &recorder{fail: map[string]error{"s1": errors.New("boom")}, empty: map[string]bool{"s2": true}}
	final, err := p.Run(context.Background(), []model.ImageRef{img("in")}, rec.generate, RunOptions{})
	require.NoError(t, err)

	assert.Len(t, rec.calls, 3)
	assert.Equal(t, []Status{StatusDone, StatusFailed, StatusDone}, statuses(final))
	assert.Equal(t, "boom", final.Step(1).Error)
}

// ---------------------------------------------------------------------------
// Observation and cancellation
// ---------------------------------------------------------------------------

func TestObserverSeesMonotonicTransitions(t *testing.T) {
	p, err := New(ModeSerial, steps("a", "b"))
	require.NoError(t, err)

	var history [][]Status
	_, err = p.Run(context.Background(), []model.ImageRef{img("in")}, (&recorder{}).generate, RunOptions{
		Observe: func(s Snapshot) { history = append(history, statuses(s)) },
	})
	require.NoError(t, err)

	assert.Equal(t, [][]Status{
		{StatusPending, StatusPending},
		{StatusRunning, StatusPending},
		{StatusDone, StatusPending},
		{StatusDone, StatusRunning},
		{StatusDone, StatusDone},
	}, history)
}

func TestCancelLeavesRemainingPending(t *testing.T) {
	p, err := New(ModeSerial, steps("a", "b", "c"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	gen := func(ctx context.Context, step Step, images []model.ImageRef) (*model.Result, error) {
		calls++
		if step.ID == "s1" {
			cancel()
			return nil, ctx.Err()
		}
		return model.NewResult([]model.Part{model.ImagePart("image/png", []byte("x"))}), nil
	}

	final, err := p.Run(ctx, []model.ImageRef{img("in")}, gen, RunOptions{})
	assert.ErrorIs(t, err, scheduler.ErrAborted)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []Status{StatusDone, StatusFailed, StatusPending}, statuses(final))
}

func TestParallelCancel(t *testing.T) {
	p, err := New(ModeParallel, steps("a", "b", "c"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gen := func(ctx context.Context, step Step, images []model.ImageRef) (*model.Result, error) {
		cancel()
		return nil, ctx.Err()
	}

	final, err := p.Run(ctx, []model.ImageRef{img("in")}, gen, RunOptions{})
	assert.True(t, scheduler.IsAborted(err))
	assert.Equal(t, []Status{StatusFailed, StatusPending, StatusPending}, statuses(final))
}

// ---------------------------------------------------------------------------
// Reducer
// ---------------------------------------------------------------------------

func TestApplyIsPure(t *testing.T) {
	base := newSnapshot(steps("a"))
	next, err := Apply(base, Transition{Index: 0, To: StatusRunning})
	require.NoError(t, err)

	assert.Equal(t, StatusPending, base.Step(0).Status)
	assert.Equal(t, StatusRunning, next.Step(0).Status)
}

func TestApplyRejectsRegressions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusDone, false},
		{StatusRunning, StatusDone, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusPending, false},
		{StatusDone, StatusRunning, false},
		{StatusDone, StatusFailed, false},
		{StatusFailed, StatusPending, false},
		{StatusFailed, StatusDone, false},
	}
	for _, tc := range cases {
		snap := newSnapshot([]Step{{ID: "x", Prompt: "p", Status: tc.from}})
		_, err := Apply(snap, Transition{Index: 0, To: tc.to})
		if tc.ok {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
		} else {
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", tc.from, tc.to)
		}
	}

	_, err := Apply(newSnapshot(nil), Transition{Index: 0, To: StatusRunning})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSnapshotJSON(t *testing.T) {
	snap := newSnapshot(steps("a", "b"))
	data, err := json.Marshal(snap)
	require.NoError(t, err)

	var back Snapshot
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, snap.Steps(), back.Steps())
}

func statuses(s Snapshot) []Status {
	out := make([]Status, s.Len())
	for i := range out {
		out[i] = s.Step(i).Status
	}
	return out
}
