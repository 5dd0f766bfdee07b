package studio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokinpui/studio.go/internal/batch"
	"github.com/sokinpui/studio.go/internal/events"
	"github.com/sokinpui/studio.go/internal/history"
	"github.com/sokinpui/studio.go/internal/notify"
	"github.com/sokinpui/studio.go/internal/pipeline"
	"github.com/sokinpui/studio.go/internal/scheduler"
	"github.com/sokinpui/studio.go/model"
)

type fakeCall struct {
	model  string
	prompt string
	images []model.ImageRef
}

// fakeGen answers every prompt with one image named after the prompt unless
// respond overrides it.
type fakeGen struct {
	name    string
	mu      *sync.Mutex
	calls   *[]fakeCall
	respond func(ctx context.Context, prompt string) (*model.Result, error)
}

func (f *fakeGen) answer(ctx context.Context, prompt string, images []model.ImageRef) (*model.Result, error) {
	f.mu.Lock()
	*f.calls = append(*f.calls, fakeCall{model: f.name, prompt: prompt, images: images})
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(ctx, prompt)
	}
	return model.NewResult([]model.Part{
		model.ThoughtPart("considering " + prompt),
		model.ImagePart("image/png", []byte("out:"+prompt)),
	}), nil
}

func (f *fakeGen) Generate(ctx context.Context, prompt string, images []model.ImageRef, _ *model.Config) (*model.Result, error) {
	return f.answer(ctx, prompt, images)
}

func (f *fakeGen) GenerateStream(ctx context.Context, prompt string, images []model.ImageRef, _ *model.Config) (<-chan *model.Result, <-chan error) {
	outCh := make(chan *model.Result)
	errCh := make(chan error, 1)
	go func() {
		defer close(outCh)
		defer close(errCh)
		res, err := f.answer(ctx, prompt, images)
		if err != nil {
			errCh <- err
			return
		}
		for _, p := range res.Parts {
			select {
			case outCh <- &model.Result{Parts: []model.Part{p}}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()
	return outCh, errCh
}

type harness struct {
	studio *Studio
	sink   *history.MemorySink
	gens   map[string]*fakeGen

	mu            sync.Mutex
	calls         []fakeCall
	events        []events.Event
	notifications []string
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{sink: history.NewMemorySink(10)}
	h.gens = map[string]*fakeGen{
		"default": {name: "default", mu: &h.mu, calls: &h.calls},
		"fancy":   {name: "fancy", mu: &h.mu, calls: &h.calls},
	}
	generators := make(map[string]model.Generator, len(h.gens))
	for name, g := range h.gens {
		generators[name] = g
	}
	reg, err := model.New(model.Static(generators))
	require.NoError(t, err)

	if opts.DefaultModel == "" {
		opts.DefaultModel = "default"
	}
	h.studio = New(Deps{
		Models: reg,
		Sink:   h.sink,
		Notifier: notify.Func(func(_ context.Context, message string, level notify.Level) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.notifications = append(h.notifications, fmt.Sprintf("%s: %s", level, message))
		}),
		Events: events.PublisherFunc(func(ev events.Event) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.events = append(h.events, ev)
		}),
	}, opts)
	return h
}

func (h *harness) prompts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.calls))
	for i, c := range h.calls {
		out[i] = c.prompt
	}
	return out
}

func (h *harness) eventTypes() []events.Type {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]events.Type, len(h.events))
	for i, ev := range h.events {
		out[i] = ev.Type
	}
	return out
}

func (h *harness) last(typ events.Type) *events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.events) - 1; i >= 0; i-- {
		if h.events[i].Type == typ {
			ev := h.events[i]
			return &ev
		}
	}
	return nil
}

func pic(name string) model.ImageRef {
	return model.ImageRef{MIMEType: "image/png", Data: []byte(name)}
}

// blockOn makes gen wait for cancellation when it sees prompt, signalling
// started first.
func blockOn(gen *fakeGen, prompt string, started chan<- struct{}) {
	gen.respond = func(ctx context.Context, p string) (*model.Result, error) {
		if p == prompt {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return model.NewResult([]model.Part{model.ImagePart("image/png", []byte("out:"+p))}), nil
	}
}

// ---------------------------------------------------------------------------
// Batches
// ---------------------------------------------------------------------------

func TestBatchPairsPromptsWithImages(t *testing.T) {
	h := newHarness(t, Options{})

	runID, err := h.studio.StartBatch(context.Background(), BatchRequest{
		Prompt: "A, B, C",
		Images: []model.ImageRef{pic("img0"), pic("img1")},
		Mode:   batch.ModePairPrompts,
	})
	require.NoError(t, err)
	require.NotEmpty(t, runID)
	h.studio.Wait()

	assert.Equal(t, []string{"A", "B"}, h.prompts())
	assert.Equal(t, []model.ImageRef{pic("img0")}, h.calls[0].images)
	assert.Equal(t, []model.ImageRef{pic("img1")}, h.calls[1].images)

	turns, _ := h.sink.Transcript(context.Background())
	require.Len(t, turns, 2)
	assert.Equal(t, "A", turns[0].Prompt)
	assert.Equal(t, "B", turns[1].Prompt)
	assert.Equal(t, "default", turns[0].Model)

	images, _ := h.sink.Images(context.Background())
	require.Len(t, images, 2)
	assert.Equal(t, []byte("out:A"), images[0].Data)

	assert.Equal(t, []events.Type{
		events.TypeProgress, events.TypeProgress, events.TypeProgress, events.TypeBatchDone,
	}, h.eventTypes())
	done := h.last(events.TypeBatchDone)
	require.NotNil(t, done)
	assert.Equal(t, runID, done.RunID)
	assert.Equal(t, scheduler.Summary{Total: 2, Succeeded: 2}, *done.Summary)
	assert.Equal(t, []string{"success: Batch complete: 2 task(s) processed"}, h.notifications)
}

func TestBatchContinuesPastFailedTask(t *testing.T) {
	h := newHarness(t, Options{})
	calls := 0
	h.gens["default"].respond = func(ctx context.Context, prompt string) (*model.Result, error) {
		calls++
		if calls == 2 {
			return nil, fmt.Errorf("%w: 503", model.ErrGeneration)
		}
		return model.NewResult([]model.Part{model.TextPart("ok")}), nil
	}

	require.NoError(t, h.studio.RunBatch(context.Background(), BatchRequest{
		Prompt: "same", Mode: batch.ModeRepeat, Count: 3,
	}))

	assert.Len(t, h.prompts(), 3)
	done := h.last(events.TypeBatchDone)
	require.NotNil(t, done)
	assert.Equal(t, scheduler.Summary{Total: 3, Succeeded: 2, Failed: 1}, *done.Summary)

	var progress []scheduler.Progress
	for _, ev := range h.events {
		if ev.Type == events.TypeProgress {
			progress = append(progress, *ev.Progress)
		}
	}
	assert.Equal(t, []scheduler.Progress{{Current: 1, Total: 3}, {Current: 2, Total: 3}, {Current: 3, Total: 3}, {Current: 0, Total: 0}}, progress)

	turns, _ := h.sink.Transcript(context.Background())
	assert.Len(t, turns, 2)
	assert.Equal(t, []string{"warning: Batch complete: 3 task(s) processed"}, h.notifications)
}

func TestCancelMidBatch(t *testing.T) {
	h := newHarness(t, Options{})
	started := make(chan struct{})
	blockOn(h.gens["default"], "p2", started)

	_, err := h.studio.StartBatch(context.Background(), BatchRequest{
		Prompt: "p1\np2\np3\np4",
		Images: []model.ImageRef{pic("a"), pic("b"), pic("c"), pic("d")},
		Mode:   batch.ModePairPrompts,
	})
	require.NoError(t, err)

	<-started
	h.studio.Cancel()
	h.studio.Wait()
	h.studio.Cancel() // idempotent

	assert.Equal(t, []string{"p1", "p2"}, h.prompts())
	assert.Empty(t, h.notifications)
	assert.Nil(t, h.last(events.TypeBatchDone))
	assert.NotNil(t, h.last(events.TypeCancelled))

	turns, _ := h.sink.Transcript(context.Background())
	assert.Len(t, turns, 1, "completed work is kept")

	_, active := h.studio.Active()
	assert.False(t, active)
}

func TestSecondRunIsRejected(t *testing.T) {
	h := newHarness(t, Options{})
	started := make(chan struct{})
	blockOn(h.gens["default"], "slow", started)

	_, err := h.studio.StartBatch(context.Background(), BatchRequest{Prompt: "slow"})
	require.NoError(t, err)
	<-started

	_, err = h.studio.StartBatch(context.Background(), BatchRequest{Prompt: "other"})
	assert.ErrorIs(t, err, scheduler.ErrBusy)

	_, err = h.studio.StartPipeline(context.Background(), PipelineRequest{
		Steps:  []pipeline.Step{{Prompt: "x"}},
		Images: []model.ImageRef{pic("a")},
	})
	assert.ErrorIs(t, err, scheduler.ErrBusy)

	h.studio.Cancel()
	h.studio.Wait()
	assert.Equal(t, []string{"slow"}, h.prompts())
}

func TestBatchValidationHappensBeforeGeneration(t *testing.T) {
	h := newHarness(t, Options{})

	_, err := h.studio.StartBatch(context.Background(), BatchRequest{Prompt: "x", Mode: batch.ModeFanOutImages})
	assert.ErrorIs(t, err, batch.ErrValidation)

	_, err = h.studio.StartBatch(context.Background(), BatchRequest{Prompt: "x", Mode: batch.ModeRepeat, Count: 9})
	assert.ErrorIs(t, err, batch.ErrValidation)

	_, err = h.studio.StartBatch(context.Background(), BatchRequest{Prompt: "x", Model: "nope"})
	assert.ErrorIs(t, err, model.ErrModelNotFound)

	assert.Empty(t, h.prompts())
	assert.Empty(t, h.eventTypes())
}

func TestBatchStreamingRecordsThinking(t *testing.T) {
	h := newHarness(t, Options{Stream: true})

	require.NoError(t, h.studio.RunBatch(context.Background(), BatchRequest{Prompt: "fox", Model: "fancy"}))

	turns, _ := h.sink.Transcript(context.Background())
	require.Len(t, turns, 1)
	assert.Equal(t, "fancy", turns[0].Model)
	require.Len(t, turns[0].Parts, 2)
	assert.Equal(t, model.PartThought, turns[0].Parts[0].Kind)
	assert.False(t, turns[0].ThinkingApproximate)

	images, _ := h.sink.Images(context.Background())
	assert.Len(t, images, 1)
}

// ---------------------------------------------------------------------------
// Pipelines
// ---------------------------------------------------------------------------

func TestSerialPipelineChainsAndHonoursOverride(t *testing.T) {
	h := newHarness(t, Options{})

	err := h.studio.RunPipeline(context.Background(), PipelineRequest{
		Mode: pipeline.ModeSerial,
		Steps: []pipeline.Step{
			{ID: "one", Prompt: "sketch"},
			{ID: "two", Prompt: "ink", ModelOverride: "fancy"},
		},
		Images: []model.ImageRef{pic("photo")},
	})
	require.NoError(t, err)

	require.Len(t, h.calls, 2)
	assert.Equal(t, "default", h.calls[0].model)
	assert.Equal(t, []model.ImageRef{pic("photo")}, h.calls[0].images)
	assert.Equal(t, "fancy", h.calls[1].model)
	assert.Equal(t, []model.ImageRef{pic("out:sketch")}, h.calls[1].images)

	done := h.last(events.TypePipelineDone)
	require.NotNil(t, done)
	assert.Equal(t, 2, done.Steps.Count(pipeline.StatusDone))
	assert.Equal(t, []string{"success: Pipeline complete: 2/2 step(s) succeeded"}, h.notifications)
}

func TestSerialPipelineEmptyResult(t *testing.T) {
	h := newHarness(t, Options{})
	h.gens["default"].respond = func(ctx context.Context, prompt string) (*model.Result, error) {
		return model.NewResult([]model.Part{model.TextPart("I cannot draw that")}), nil
	}

	err := h.studio.RunPipeline(context.Background(), PipelineRequest{
		Steps:  []pipeline.Step{{Prompt: "first"}, {Prompt: "second"}},
		Images: []model.ImageRef{pic("photo")},
	})
	assert.ErrorIs(t, err, pipeline.ErrEmptyResult)

	assert.Equal(t, []string{"first"}, h.prompts())
	failed := h.last(events.TypePipelineFailed)
	require.NotNil(t, failed)
	require.NotNil(t, failed.FailedStep)
	assert.Equal(t, 0, *failed.FailedStep)
	assert.Equal(t, 2, failed.Steps.Count(pipeline.StatusFailed))
	assert.Equal(t, []string{"error: Pipeline failed at step 1"}, h.notifications)

	turns, _ := h.sink.Transcript(context.Background())
	assert.Len(t, turns, 1, "the text-only reply is still recorded")
}

func TestParallelPipelineIsolatesFailures(t *testing.T) {
	h := newHarness(t, Options{})
	h.gens["default"].respond = func(ctx context.Context, prompt string) (*model.Result, error) {
		if prompt == "bad" {
			return nil, errors.New("safety block")
		}
		return model.NewResult([]model.Part{model.ImagePart("image/png", []byte(prompt))}), nil
	}

	initial := []model.ImageRef{pic("a"), pic("b")}
	_, err := h.studio.StartPipeline(context.Background(), PipelineRequest{
		Mode:   pipeline.ModeParallel,
		Steps:  []pipeline.Step{{Prompt: "good"}, {Prompt: "bad"}, {Prompt: "fine"}},
		Images: initial,
	})
	require.NoError(t, err)
	h.studio.Wait()

	require.Len(t, h.calls, 3)
	for _, c := range h.calls {
		assert.Equal(t, initial, c.images)
	}
	done := h.last(events.TypePipelineDone)
	require.NotNil(t, done)
	assert.Equal(t, 2, done.Steps.Count(pipeline.StatusDone))
	assert.Equal(t, 1, done.Steps.Count(pipeline.StatusFailed))
	assert.Equal(t, []string{"warning: Pipeline complete: 2/3 step(s) succeeded"}, h.notifications)
}

func TestPipelineValidation(t *testing.T) {
	h := newHarness(t, Options{})

	_, err := h.studio.StartPipeline(context.Background(), PipelineRequest{
		Steps: []pipeline.Step{{Prompt: "x"}},
	})
	assert.ErrorIs(t, err, batch.ErrValidation)

	_, err = h.studio.StartPipeline(context.Background(), PipelineRequest{
		Steps:  []pipeline.Step{{Prompt: " "}},
		Images: []model.ImageRef{pic("a")},
	})
	assert.ErrorIs(t, err, batch.ErrValidation)

	_, err = h.studio.StartPipeline(context.Background(), PipelineRequest{
		Steps:  []pipeline.Step{{Prompt: "x", ModelOverride: "ghost"}},
		Images: []model.ImageRef{pic("a")},
	})
	assert.ErrorIs(t, err, model.ErrModelNotFound)

	assert.Empty(t, h.prompts())
}

func TestCancelPipeline(t *testing.T) {
	h := newHarness(t, Options{})
	started := make(chan struct{})
	blockOn(h.gens["default"], "second", started)

	_, err := h.studio.StartPipeline(context.Background(), PipelineRequest{
		Steps:  []pipeline.Step{{Prompt: "first"}, {Prompt: "second"}, {Prompt: "third"}},
		Images: []model.ImageRef{pic("a")},
	})
	require.NoError(t, err)

	<-started
	h.studio.Cancel()
	h.studio.Wait()

	assert.Equal(t, []string{"first", "second"}, h.prompts())
	assert.Empty(t, h.notifications)
	cancelled := h.last(events.TypeCancelled)
	require.NotNil(t, cancelled)
	assert.Equal(t, 1, cancelled.Steps.Count(pipeline.StatusPending))
}
