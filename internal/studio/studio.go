// Package studio is the orchestration core: it turns batch and pipeline
// requests into a strictly sequential series of generation calls and folds
// every result into the history sink.
package studio

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/sokinpui/studio.go/internal/batch"
	"github.com/sokinpui/studio.go/internal/events"
	"github.com/sokinpui/studio.go/internal/history"
	"github.com/sokinpui/studio.go/internal/metrics"
	"github.com/sokinpui/studio.go/internal/notify"
	"github.com/sokinpui/studio.go/internal/pipeline"
	"github.com/sokinpui/studio.go/internal/scheduler"
	"github.com/sokinpui/studio.go/model"
)

const (
	kindBatch    = "batch"
	kindPipeline = "pipeline"
)

// Models resolves a model code to a generator. *model.Registry satisfies it.
type Models interface {
	GetModel(modelCode string) (model.Generator, error)
}

// Deps are the collaborators of a Studio. Notifier, Events and Metrics are
// optional.
type Deps struct {
	Models   Models
	Sink     history.Sink
	Notifier notify.Notifier
	Events   events.Publisher
	Metrics  *metrics.Metrics
}

// Options tune how runs execute.
type Options struct {
	// DefaultModel is used by every task without a model of its own.
	DefaultModel string
	// TaskDelay is the pause between consecutive tasks or steps.
	TaskDelay time.Duration
	// Stream selects streaming generation calls.
	Stream bool
	// Generation is passed to every call.
	Generation model.Config
}

// BatchRequest is one user submission in batch form.
type BatchRequest struct {
	Prompt    string           `json:"prompt"`
	Images    []model.ImageRef `json:"images,omitempty"`
	Mode      batch.Mode       `json:"mode,omitempty"`
	Count     int              `json:"count,omitempty"`
	Delimiter batch.Delimiter  `json:"delimiter,omitempty"`
	Model     string           `json:"model,omitempty"`
}

// PipelineRequest asks for steps to run against Images.
type PipelineRequest struct {
	Mode   pipeline.Mode    `json:"mode,omitempty"`
	Steps  []pipeline.Step  `json:"steps"`
	Images []model.ImageRef `json:"images"`
}

type Studio struct {
	models   Models
	sink     history.Sink
	notifier notify.Notifier
	events   events.Publisher
	metrics  *metrics.Metrics
	sched    *scheduler.Scheduler
	opts     Options
}

func New(deps Deps, opts Options) *Studio {
	s := &Studio{
		models:   deps.Models,
		sink:     deps.Sink,
		notifier: deps.Notifier,
		events:   deps.Events,
		metrics:  deps.Metrics,
		sched:    scheduler.New(),
		opts:     opts,
	}
	if s.notifier == nil {
		s.notifier = notify.Log{}
	}
	if s.events == nil {
		s.events = events.Discard
	}
	return s
}

// StartBatch validates req and runs it in the background. Only validation
// errors and scheduler.ErrBusy are returned; everything after that is
// reported through events and notifications.
func (s *Studio) StartBatch(ctx context.Context, req BatchRequest) (string, error) {
	job, err := s.prepareBatch(req)
	if err != nil {
		return "", err
	}
	err = s.sched.Start(ctx, job.runID, func(ctx context.Context) {
		_ = s.runBatch(ctx, job)
	})
	if err != nil {
		return "", err
	}
	return job.runID, nil
}

// RunBatch is StartBatch on the calling goroutine. It returns nil when every
// task was attempted, or an error matching scheduler.ErrAborted.
func (s *Studio) RunBatch(ctx context.Context, req BatchRequest) error {
	job, err := s.prepareBatch(req)
	if err != nil {
		return err
	}
	return s.sched.Run(ctx, job.runID, func(ctx context.Context) error {
		return s.runBatch(ctx, job)
	})
}

// StartPipeline validates req and runs it in the background.
func (s *Studio) StartPipeline(ctx context.Context, req PipelineRequest) (string, error) {
	job, err := s.preparePipeline(req)
	if err != nil {
		return "", err
	}
	err = s.sched.Start(ctx, job.runID, func(ctx context.Context) {
		_ = s.runPipeline(ctx, job)
	})
	if err != nil {
		return "", err
	}
	return job.runID, nil
}

// RunPipeline is StartPipeline on the calling goroutine. A broken serial
// chain is returned as the pipeline error.
func (s *Studio) RunPipeline(ctx context.Context, req PipelineRequest) error {
	job, err := s.preparePipeline(req)
	if err != nil {
		return err
	}
	return s.sched.Run(ctx, job.runID, func(ctx context.Context) error {
		return s.runPipeline(ctx, job)
	})
}

// Cancel stops the active run, if any. Completed tasks are kept.
func (s *Studio) Cancel() {
	if s.sched.Cancel() {
		log.Printf("%s requested", color.YellowString("Cancellation"))
	}
}

// Active returns the ID of the run in flight.
func (s *Studio) Active() (string, bool) { return s.sched.Active() }

// Wait blocks until the most recently started run has finished.
func (s *Studio) Wait() { s.sched.Wait() }

type batchJob struct {
	runID     string
	tasks     []batch.Task
	modelCode string
}

func (s *Studio) prepareBatch(req BatchRequest) (*batchJob, error) {
	tasks, err := batch.BuildTasks(req.Prompt, req.Images, req.Mode, req.Count, req.Delimiter)
	if err != nil {
		return nil, err
	}
	modelCode := s.resolveModel(req.Model)
	if _, err := s.models.GetModel(modelCode); err != nil {
		return nil, err
	}
	return &batchJob{runID: uuid.NewString(), tasks: tasks, modelCode: modelCode}, nil
}

type pipelineJob struct {
	runID  string
	p      *pipeline.Pipeline
	images []model.ImageRef
}

func (s *Studio) preparePipeline(req PipelineRequest) (*pipelineJob, error) {
	mode := req.Mode
	if mode == "" {
		mode = pipeline.ModeSerial
	}
	p, err := pipeline.New(mode, req.Steps)
	if err != nil {
		return nil, err
	}
	if len(req.Images) == 0 {
		return nil, batch.Invalid("images", "no images")
	}
	for _, step := range p.Snapshot().Steps() {
		if _, err := s.models.GetModel(s.resolveModel(step.ModelOverride)); err != nil {
			return nil, err
		}
	}
	return &pipelineJob{runID: uuid.NewString(), p: p, images: req.Images}, nil
}

func (s *Studio) resolveModel(override string) string {
	if override != "" {
		return override
	}
	return s.opts.DefaultModel
}

func (s *Studio) runBatch(ctx context.Context, job *batchJob) error {
	log.Printf("-> %s %s: %d task(s) on %s", color.BlueString("Starting batch"), job.runID, len(job.tasks), job.modelCode)
	s.metrics.RunStarted()

	summary, err := scheduler.RunSequential(ctx, job.tasks,
		func(ctx context.Context, i int, task batch.Task) error {
			_, err := s.generate(ctx, kindBatch, task.Prompt, task.Images, job.modelCode)
			return err
		},
		scheduler.Options{
			Delay: s.opts.TaskDelay,
			OnProgress: func(p scheduler.Progress) {
				s.publish(events.Event{Type: events.TypeProgress, RunID: job.runID, Progress: &p})
			},
			OnComplete: func(sum scheduler.Summary) {
				level := notify.LevelSuccess
				if sum.Failed > 0 {
					level = notify.LevelWarning
				}
				s.notifier.Notify(ctx, fmt.Sprintf("Batch complete: %d task(s) processed", sum.Total), level)
				s.publish(events.Event{Type: events.TypeBatchDone, RunID: job.runID, Summary: &sum})
			},
		})

	if err != nil {
		s.metrics.RunFinished(kindBatch, "cancelled")
		log.Printf("<- %s %s after %d/%d task(s)", color.YellowString("Cancelled batch"), job.runID, summary.Succeeded+summary.Failed, summary.Total)
		s.publish(events.Event{Type: events.TypeCancelled, RunID: job.runID})
		return err
	}

	s.metrics.RunFinished(kindBatch, "done")
	log.Printf("<- %s %s: %d ok, %d failed", color.GreenString("Finished batch"), job.runID, summary.Succeeded, summary.Failed)
	return nil
}

func (s *Studio) runPipeline(ctx context.Context, job *pipelineJob) error {
	log.Printf("-> %s %s: %d %s step(s)", color.BlueString("Starting pipeline"), job.runID, job.p.Snapshot().Len(), job.p.Mode())
	s.metrics.RunStarted()

	final, err := job.p.Run(ctx, job.images,
		func(ctx context.Context, step pipeline.Step, images []model.ImageRef) (*model.Result, error) {
			return s.generate(ctx, kindPipeline, step.Prompt, images, s.resolveModel(step.ModelOverride))
		},
		pipeline.RunOptions{
			Delay: s.opts.TaskDelay,
			Observe: func(snap pipeline.Snapshot) {
				s.publish(events.Event{Type: events.TypeStep, RunID: job.runID, Steps: &snap})
			},
		})

	switch {
	case scheduler.IsAborted(err):
		s.metrics.RunFinished(kindPipeline, "cancelled")
		log.Printf("<- %s %s", color.YellowString("Cancelled pipeline"), job.runID)
		s.publish(events.Event{Type: events.TypeCancelled, RunID: job.runID, Steps: &final})

	case err != nil:
		s.metrics.RunFinished(kindPipeline, "failed")
		log.Printf("<- %s %s: %v", color.RedString("Pipeline failed"), job.runID, err)
		ev := events.Event{Type: events.TypePipelineFailed, RunID: job.runID, Steps: &final, Message: err.Error()}
		msg := fmt.Sprintf("Pipeline failed: %v", err)
		if idx, ok := pipeline.FailedStep(err); ok {
			ev.FailedStep = &idx
			msg = fmt.Sprintf("Pipeline failed at step %d", idx+1)
		}
		s.notifier.Notify(ctx, msg, notify.LevelError)
		s.publish(ev)

	default:
		outcome, level := "done", notify.LevelSuccess
		if final.Count(pipeline.StatusFailed) > 0 {
			outcome, level = "partial", notify.LevelWarning
		}
		s.metrics.RunFinished(kindPipeline, outcome)
		log.Printf("<- %s %s: %d/%d step(s) done", color.GreenString("Finished pipeline"), job.runID, final.Count(pipeline.StatusDone), final.Len())
		s.notifier.Notify(ctx, fmt.Sprintf("Pipeline complete: %d/%d step(s) succeeded", final.Count(pipeline.StatusDone), final.Len()), level)
		s.publish(events.Event{Type: events.TypePipelineDone, RunID: job.runID, Steps: &final})
	}
	return err
}

// generate runs a single task and records its result. A recording failure is
// logged but does not fail the task.
func (s *Studio) generate(ctx context.Context, kind, prompt string, images []model.ImageRef, modelCode string) (*model.Result, error) {
	gen, err := s.models.GetModel(modelCode)
	if err != nil {
		return nil, err
	}

	cfg := s.opts.Generation
	start := time.Now()

	var res *model.Result
	if s.opts.Stream {
		res, err = model.Collect(ctx, gen, prompt, images, &cfg)
	} else {
		res, err = model.Call(ctx, gen, prompt, images, &cfg)
	}

	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			s.metrics.ObserveTask(kind, "cancelled", time.Since(start), 0)
			return nil, fmt.Errorf("%w: %w", scheduler.ErrAborted, err)
		}
		s.metrics.ObserveTask(kind, "error", time.Since(start), 0)
		return nil, err
	}
	s.metrics.ObserveTask(kind, "ok", time.Since(start), res.Thinking)

	if err := history.Record(context.WithoutCancel(ctx), s.sink, res, prompt, modelCode); err != nil {
		log.Printf("Failed to record result: %v", err)
	}
	return res, nil
}

func (s *Studio) publish(ev events.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	s.events.Publish(ev)
}
