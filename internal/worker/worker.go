package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"

	"github.com/sokinpui/studio.go/internal/batch"
	"github.com/sokinpui/studio.go/internal/models"
	"github.com/sokinpui/studio.go/internal/queue"
	"github.com/sokinpui/studio.go/internal/scheduler"
	"github.com/sokinpui/studio.go/internal/studio"
)

// DefaultPollTimeout is how long a single dequeue blocks. Redis rounds
// blocking timeouts below one second up, so shorter values buy nothing.
const DefaultPollTimeout = time.Second

// Runner executes a job synchronously. *studio.Studio satisfies it.
type Runner interface {
	RunBatch(ctx context.Context, req studio.BatchRequest) error
	RunPipeline(ctx context.Context, req studio.PipelineRequest) error
}

// JobWorker dequeues batch and pipeline jobs and runs them one at a time.
type JobWorker struct {
	workerID    string
	queue       *queue.RQueue
	runner      Runner
	pollTimeout time.Duration
}

type Option func(*JobWorker)

func WithPollTimeout(d time.Duration) Option {
	return func(w *JobWorker) {
		if d > 0 {
			w.pollTimeout = d
		}
	}
}

func New(q *queue.RQueue, runner Runner, opts ...Option) *JobWorker {
	w := &JobWorker{
		workerID:    fmt.Sprintf("JobWorker-%d", os.Getpid()),
		queue:       q,
		runner:      runner,
		pollTimeout: DefaultPollTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run takes one job at a time: the next job is dequeued only after the
// previous one has finished.
func (w *JobWorker) Run(ctx context.Context) {
	log.Printf("%s started. Waiting for jobs...", w.workerID)

	for {
		if ctx.Err() != nil {
			log.Printf("%s shutting down.", w.workerID)
			return
		}

		job, err := w.queue.Dequeue(ctx, w.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				log.Printf("%s shutting down.", w.workerID)
				return
			}
			log.Printf("Failed to dequeue from Redis: %v", err)
			if err := scheduler.Sleep(ctx, w.pollTimeout); err != nil {
				return
			}
			continue
		}
		if job == nil {
			continue
		}

		if ctx.Err() != nil {
			// Popped during shutdown; hand it back untouched.
			if err := w.queue.Requeue(context.WithoutCancel(ctx), job); err != nil {
				log.Printf("Failed to requeue job %s on shutdown: %v", job.ID, err)
			}
			log.Printf("%s shutting down.", w.workerID)
			return
		}
		w.processJob(ctx, job)
	}
}

func (w *JobWorker) processJob(ctx context.Context, job *models.Job) {
	log.Printf("-> %s %s job: %s", color.BlueString("Processing"), job.Kind, job.ID)
	defer log.Printf("<- %s job: %s", color.GreenString("Finished"), job.ID)

	// State writes must land even when the worker is shutting down.
	stateCtx := context.WithoutCancel(ctx)

	if err := job.Validate(); err != nil {
		w.setState(stateCtx, job.ID, models.JobRejected, err)
		return
	}

	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()

	pubsub := w.queue.SubscribeCancel(jobCtx, job.ID)
	defer pubsub.Close()
	// Wait for the subscription so a cancel sent from here on is not missed.
	if _, err := pubsub.Receive(jobCtx); err != nil {
		log.Printf("Failed to subscribe to cancellation for job %s: %v", job.ID, err)
	}

	cancelled, err := w.queue.CancelRequested(jobCtx, job.ID)
	if err != nil {
		log.Printf("Failed to check cancellation for job %s: %v", job.ID, err)
	}
	if cancelled {
		log.Printf("Job %s was cancelled before it started.", job.ID)
		w.setState(stateCtx, job.ID, models.JobCancelled, nil)
		return
	}

	go listenForCancellation(jobCtx, pubsub.Channel(), job.ID, cancelJob)

	w.setState(stateCtx, job.ID, models.JobRunning, nil)

	switch job.Kind {
	case models.JobBatch:
		err = w.runner.RunBatch(jobCtx, *job.Batch)
	case models.JobPipeline:
		err = w.runner.RunPipeline(jobCtx, *job.Pipeline)
	}

	switch {
	case err == nil:
		w.setState(stateCtx, job.ID, models.JobDone, nil)
	case errors.Is(err, scheduler.ErrBusy):
		log.Printf("Runner busy, requeueing job %s", job.ID)
		if qerr := w.queue.Requeue(stateCtx, job); qerr != nil {
			w.setState(stateCtx, job.ID, models.JobFailed, qerr)
			return
		}
		w.setState(stateCtx, job.ID, models.JobQueued, nil)
		_ = scheduler.Sleep(ctx, w.pollTimeout)
	case scheduler.IsAborted(err):
		log.Printf("Job %s was cancelled.", job.ID)
		w.setState(stateCtx, job.ID, models.JobCancelled, nil)
	case errors.Is(err, batch.ErrValidation):
		w.setState(stateCtx, job.ID, models.JobRejected, err)
	default:
		log.Printf("Error processing job %s: %v", job.ID, err)
		w.setState(stateCtx, job.ID, models.JobFailed, err)
	}
}

func (w *JobWorker) setState(ctx context.Context, id string, status models.JobStatus, err error) {
	state := models.JobState{ID: id, Status: status}
	if err != nil {
		state.Error = err.Error()
	}
	if err := w.queue.SetState(ctx, state); err != nil {
		log.Printf("Failed to store state %s for job %s: %v", status, id, err)
	}
}

func listenForCancellation(ctx context.Context, msgs <-chan *redis.Message, jobID string, cancel context.CancelFunc) {
	select {
	case _, ok := <-msgs:
		if ok {
			log.Printf("%s received for job %s. Canceling.", color.YellowString("Cancellation signal"), jobID)
			cancel()
		}
	case <-ctx.Done():
	}
}
