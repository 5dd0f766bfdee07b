package models

import (
	"fmt"
	"time"

	"github.com/sokinpui/studio.go/internal/batch"
	"github.com/sokinpui/studio.go/internal/pipeline"
	"github.com/sokinpui/studio.go/internal/studio"
)

type JobKind string

const (
	JobBatch    JobKind = "batch"
	JobPipeline JobKind = "pipeline"
)

// Job is a batch or pipeline request waiting in the Redis queue.
type Job struct {
	ID         string                  `json:"id"`
	Kind       JobKind                 `json:"kind"`
	Batch      *studio.BatchRequest    `json:"batch,omitempty"`
	Pipeline   *studio.PipelineRequest `json:"pipeline,omitempty"`
	EnqueuedAt time.Time               `json:"enqueued_at"`
}

// Validate checks that the payload matches Kind and passes the checks the
// orchestrator runs before starting. Model codes are left to the worker.
func (j *Job) Validate() error {
	switch j.Kind {
	case JobBatch:
		if j.Batch == nil {
			return batch.Invalid("batch", "missing batch payload")
		}
		b := j.Batch
		if _, err := batch.BuildTasks(b.Prompt, b.Images, b.Mode, b.Count, b.Delimiter); err != nil {
			return err
		}
	case JobPipeline:
		if j.Pipeline == nil {
			return batch.Invalid("pipeline", "missing pipeline payload")
		}
		mode := j.Pipeline.Mode
		if mode == "" {
			mode = pipeline.ModeSerial
		}
		if _, err := pipeline.New(mode, j.Pipeline.Steps); err != nil {
			return err
		}
		if len(j.Pipeline.Images) == 0 {
			return batch.Invalid("images", "no images")
		}
	default:
		return batch.Invalid("kind", fmt.Sprintf("unknown job kind %q", j.Kind))
	}
	return nil
}

// JobStatus is the lifecycle state of a queued job.
//
// Lifecycle: queued -> running -> done | failed | cancelled
//
//	queued -> cancelled | rejected
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobDone      JobStatus = "done"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobRejected  JobStatus = "rejected"
)

type JobState struct {
	ID        string    `json:"id"`
	Status    JobStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
