package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// Status is the lifecycle state of a step.
//
// Lifecycle: pending -> running -> done | failed
//
//	pending -> failed (a failure upstream in a serial chain)
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Step is one stage of a pipeline.
type Step struct {
	ID            string `json:"id"`
	Prompt        string `json:"prompt"`
	ModelOverride string `json:"model,omitempty"`
	Status        Status `json:"status"`
	Error         string `json:"error,omitempty"`
}

// ErrInvalidTransition is returned by Apply for a transition the lifecycle
// does not allow.
var ErrInvalidTransition = errors.New("invalid step transition")

// Snapshot is an immutable view of every step of a pipeline run.
type Snapshot struct {
	steps []Step
}

func newSnapshot(steps []Step) Snapshot {
	return Snapshot{steps: slices.Clone(steps)}
}

// Steps returns a copy of the steps.
func (s Snapshot) Steps() []Step { return slices.Clone(s.steps) }

func (s Snapshot) Len() int { return len(s.steps) }

func (s Snapshot) Step(i int) Step { return s.steps[i] }

func (s Snapshot) MarshalJSON() ([]byte, error) { return json.Marshal(s.steps) }

func (s *Snapshot) UnmarshalJSON(data []byte) error { return json.Unmarshal(data, &s.steps) }

// Count returns how many steps are in status st.
func (s Snapshot) Count(st Status) int {
	n := 0
	for _, step := range s.steps {
		if step.Status == st {
			n++
		}
	}
	return n
}

// Transition moves one step to a new status.
type Transition struct {
	Index int
	To    Status
	Err   error
}

// Apply returns the snapshot that results from t. s is left untouched.
func Apply(s Snapshot, t Transition) (Snapshot, error) {
	if t.Index < 0 || t.Index >= len(s.steps) {
		return s, fmt.Errorf("%w: step %d out of range", ErrInvalidTransition, t.Index)
	}
	from := s.steps[t.Index].Status
	if !allowed(from, t.To) {
		return s, fmt.Errorf("%w: step %d %s -> %s", ErrInvalidTransition, t.Index, from, t.To)
	}

	next := slices.Clone(s.steps)
	next[t.Index].Status = t.To
	if t.Err != nil {
		next[t.Index].Error = t.Err.Error()
	}
	return Snapshot{steps: next}, nil
}

func allowed(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusDone || to == StatusFailed
	}
	return false
}
