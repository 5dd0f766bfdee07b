// Package notify delivers short user-facing messages (toasts).
package notify

import (
	"context"
	"log"

	"github.com/fatih/color"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

type Notifier interface {
	Notify(ctx context.Context, message string, level Level)
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, message string, level Level)

func (f Func) Notify(ctx context.Context, message string, level Level) { f(ctx, message, level) }

// Log writes notifications to the standard logger.
type Log struct{}

func (Log) Notify(_ context.Context, message string, level Level) {
	log.Printf("[%s] %s", paint(level), message)
}

func paint(level Level) string {
	switch level {
	case LevelSuccess:
		return color.GreenString(string(level))
	case LevelWarning:
		return color.YellowString(string(level))
	case LevelError:
		return color.RedString(string(level))
	}
	return color.BlueString(string(level))
}

// Multi fans a notification out to every notifier.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, message string, level Level) {
	for _, n := range m {
		n.Notify(ctx, message, level)
	}
}
