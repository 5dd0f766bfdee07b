// Package history keeps the conversation transcript and the image ledger
// that generation results are folded into.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sokinpui/studio.go/model"
)

// DefaultCapacity is the ledger size used when none is configured.
const DefaultCapacity = 50

// Turn is one model reply in the transcript. Parts keep their original
// order, thoughts included.
type Turn struct {
	ID                  string        `json:"id"`
	Role                string        `json:"role"`
	Prompt              string        `json:"prompt"`
	Model               string        `json:"model"`
	Parts               []model.Part  `json:"parts"`
	ThoughtOnly         bool          `json:"thought_only,omitempty"`
	Thinking            time.Duration `json:"thinking,omitempty"`
	ThinkingApproximate bool          `json:"thinking_approximate,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
}

// Entry is one generated image in the ledger.
type Entry struct {
	ID           string    `json:"id"`
	MIMEType     string    `json:"mime_type"`
	Data         []byte    `json:"data"`
	SourcePrompt string    `json:"source_prompt"`
	Timestamp    time.Time `json:"timestamp"`
	Model        string    `json:"model"`
}

// Sink receives completed generations.
type Sink interface {
	AppendTurn(ctx context.Context, turn Turn) error
	AppendImage(ctx context.Context, entry Entry) error
}

// Reader exposes what a sink has stored, oldest first.
type Reader interface {
	Transcript(ctx context.Context) ([]Turn, error)
	Images(ctx context.Context) ([]Entry, error)
}

// Store is a sink that can be read back.
type Store interface {
	Sink
	Reader
}

// Record appends res to the transcript and each of its non-thought images to
// the ledger. A result without images only produces the transcript turn.
func Record(ctx context.Context, sink Sink, res *model.Result, prompt, modelUsed string) error {
	if res == nil {
		return errors.New("history: nil result")
	}
	now := time.Now()

	turn := Turn{
		ID:                  uuid.NewString(),
		Role:                "model",
		Prompt:              prompt,
		Model:               modelUsed,
		Parts:               res.Parts,
		ThoughtOnly:         res.ThoughtOnly,
		Thinking:            res.Thinking,
		ThinkingApproximate: res.ThinkingApproximate,
		CreatedAt:           now,
	}
	if err := sink.AppendTurn(ctx, turn); err != nil {
		return err
	}

	for _, img := range res.Images() {
		entry := Entry{
			ID:           uuid.NewString(),
			MIMEType:     img.MIMEType,
			Data:         img.Data,
			SourcePrompt: prompt,
			Timestamp:    now,
			Model:        modelUsed,
		}
		if err := sink.AppendImage(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}
