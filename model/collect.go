package model

import (
	"context"
	"fmt"
	"time"
)

// Call runs a single non-streaming generation and stamps the thinking time.
// Any thought part makes the whole call duration count as thinking.
func Call(ctx context.Context, gen Generator, prompt string, images []ImageRef, config *Config) (*Result, error) {
	start := time.Now()
	res, err := gen.Generate(ctx, prompt, images, config)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("%w: no result", ErrGeneration)
	}
	if res.HasThoughts() {
		res.Thinking = time.Since(start)
		res.ThinkingApproximate = true
	}
	return res, nil
}

// Collect drains a streaming generation into a single result. Thinking lasts
// until the first non-thought part arrives, or the whole stream if none does.
func Collect(ctx context.Context, gen Generator, prompt string, images []ImageRef, config *Config) (*Result, error) {
	start := time.Now()
	outCh, errCh := gen.GenerateStream(ctx, prompt, images, config)

	var (
		parts     []Part
		thinking  time.Duration
		answered  bool
		sawThink  bool
		streamErr error
	)

	for outCh != nil || errCh != nil {
		select {
		case chunk, ok := <-outCh:
			if !ok {
				outCh = nil
				continue
			}
			if chunk == nil {
				continue
			}
			for _, p := range chunk.Parts {
				if p.Kind == PartThought {
					if !answered {
						sawThink = true
					}
				} else if !answered {
					answered = true
					thinking = time.Since(start)
				}
				parts = append(parts, p)
			}
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				streamErr = err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if streamErr != nil {
		return nil, streamErr
	}

	res := NewResult(parts)
	if sawThink {
		if !answered {
			thinking = time.Since(start)
		}
		res.Thinking = thinking
	}
	return res, nil
}
