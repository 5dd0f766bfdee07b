package model

import (
	"context"
	"fmt"
	"log"
	"slices"

	"github.com/fatih/color"
)

// Generator is a model that turns a prompt plus reference images into parts.
type Generator interface {
	Generate(ctx context.Context, prompt string, images []ImageRef, config *Config) (*Result, error)
	// GenerateStream emits partial results, each holding only the parts that
	// arrived in that chunk. Both channels are closed when the stream ends; at
	// most one error is sent.
	GenerateStream(ctx context.Context, prompt string, images []ImageRef, config *Config) (<-chan *Result, <-chan error)
}

// Provider builds a set of named generators.
type Provider func() (map[string]Generator, error)

type Registry struct {
	models map[string]Generator
}

// New builds a registry from the given providers. Later providers win on
// name collisions.
func New(providers ...Provider) (*Registry, error) {
	allModels := make(map[string]Generator)
	for _, provider := range providers {
		providerModels, err := provider()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize a model provider: %w", err)
		}
		for name, model := range providerModels {
			if _, exists := allModels[name]; exists {
				log.Printf("%s: model '%s' is being overwritten by a new provider", color.YellowString("Warning"), name)
			}
			allModels[name] = model
		}
	}

	return &Registry{models: allModels}, nil
}

// Static returns a provider that serves fixed generators.
func Static(models map[string]Generator) Provider {
	return func() (map[string]Generator, error) {
		return models, nil
	}
}

func (r *Registry) GetModel(modelCode string) (Generator, error) {
	model, ok := r.models[modelCode]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelCode)
	}
	return model, nil
}

// ListModels returns the registered model codes, sorted.
func (r *Registry) ListModels() []string {
	keys := make([]string, 0, len(r.models))
	for k := range r.models {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
