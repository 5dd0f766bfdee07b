// Package batch expands one user submission into the ordered list of
// generation tasks it stands for.
package batch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sokinpui/studio.go/model"
)

// Mode selects how a submission is split into tasks.
type Mode string

const (
	ModeOff          Mode = "off"
	ModeRepeat       Mode = "repeat"
	ModeFanOutImages Mode = "fan-out-images"
	ModePairPrompts  Mode = "pair-prompts-to-images"
)

// Delimiter selects how a prompt is split into sub-prompts in pairing mode.
type Delimiter string

const (
	// DelimiterQuick splits on commas and newlines.
	DelimiterQuick Delimiter = "quick"
	// DelimiterPipeline splits on "---".
	DelimiterPipeline Delimiter = "pipeline"
)

const (
	MinRepeat = 1
	MaxRepeat = 4
)

// ErrValidation matches every ValidationError.
var ErrValidation = errors.New("validation error")

// ValidationError describes a malformed batch or pipeline request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Task is one prompt plus the images it applies to. Tasks are not modified
// after BuildTasks returns them.
type Task struct {
	Prompt string
	Images []model.ImageRef
}

// ParseMode maps a wire value to a Mode. The empty string means ModeOff.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "":
		return ModeOff, nil
	case ModeOff, ModeRepeat, ModeFanOutImages, ModePairPrompts:
		return m, nil
	}
	return "", Invalid("mode", fmt.Sprintf("unknown batch mode %q", s))
}

// BuildTasks turns a submission into tasks. The result is never empty when
// err is nil.
func BuildTasks(prompt string, images []model.ImageRef, mode Mode, count int, delim Delimiter) ([]Task, error) {
	switch mode {
	case ModeOff, "":
		return []Task{{Prompt: prompt, Images: images}}, nil

	case ModeRepeat:
		if count < MinRepeat || count > MaxRepeat {
			return nil, Invalid("count", fmt.Sprintf("repeat count must be between %d and %d, got %d", MinRepeat, MaxRepeat, count))
		}
		tasks := make([]Task, count)
		for i := range tasks {
			tasks[i] = Task{Prompt: prompt, Images: images}
		}
		return tasks, nil

	case ModeFanOutImages:
		if len(images) == 0 {
			return nil, Invalid("images", "no images")
		}
		tasks := make([]Task, len(images))
		for i, img := range images {
			tasks[i] = Task{Prompt: prompt, Images: []model.ImageRef{img}}
		}
		return tasks, nil

	case ModePairPrompts:
		if len(images) == 0 {
			return nil, Invalid("images", "no images")
		}
		subs := SplitPrompts(prompt, delim)
		if len(subs) == 0 {
			return nil, Invalid("prompt", "no prompts")
		}
		tasks := make([]Task, len(images))
		for i, img := range images {
			tasks[i] = Task{Prompt: subs[i%len(subs)], Images: []model.ImageRef{img}}
		}
		return tasks, nil
	}

	return nil, Invalid("mode", fmt.Sprintf("unknown batch mode %q", mode))
}

// SplitPrompts cuts prompt into trimmed, non-empty sub-prompts.
func SplitPrompts(prompt string, delim Delimiter) []string {
	var raw []string
	switch delim {
	case DelimiterPipeline:
		raw = strings.Split(prompt, "---")
	default:
		raw = strings.FieldsFunc(prompt, func(r rune) bool { return r == ',' || r == '\n' })
	}

	subs := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			subs = append(subs, s)
		}
	}
	return subs
}
