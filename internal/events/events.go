// Package events defines what an orchestration run reports to its observers.
package events

import (
	"time"

	"github.com/sokinpui/studio.go/internal/notify"
	"github.com/sokinpui/studio.go/internal/pipeline"
	"github.com/sokinpui/studio.go/internal/scheduler"
)

type Type string

const (
	TypeProgress       Type = "progress"
	TypeBatchDone      Type = "batch_done"
	TypeStep           Type = "step"
	TypePipelineDone   Type = "pipeline_done"
	TypePipelineFailed Type = "pipeline_failed"
	TypeCancelled      Type = "cancelled"
	TypeNotification   Type = "notification"
)

// Event is a single observation. Only the fields relevant to Type are set.
type Event struct {
	Type  Type      `json:"type"`
	RunID string    `json:"run_id,omitempty"`
	Time  time.Time `json:"time"`

	Progress *scheduler.Progress `json:"progress,omitempty"`
	Summary  *scheduler.Summary  `json:"summary,omitempty"`
	Steps    *pipeline.Snapshot  `json:"steps,omitempty"`

	// FailedStep is the zero-based index of the step that broke a serial chain.
	FailedStep *int `json:"failed_step,omitempty"`

	Message string       `json:"message,omitempty"`
	Level   notify.Level `json:"level,omitempty"`
}

// Terminal reports whether the event ends a run.
func (e Event) Terminal() bool {
	switch e.Type {
	case TypeBatchDone, TypePipelineDone, TypePipelineFailed, TypeCancelled:
		return true
	}
	return false
}

type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(Event) {})
