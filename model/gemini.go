package model

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sokinpui/studio.go/internal/imageprep"
	"google.golang.org/genai"
)

// GeminiProvider registers one GeminiModel per model code, all sharing the
// same API key pool.
func GeminiProvider(modelCodes []string, apiKeys []string, opts ...GeminiOption) Provider {
	return func() (map[string]Generator, error) {
		models := make(map[string]Generator)
		for _, code := range modelCodes {
			if code == "" {
				continue
			}
			models[code] = NewGeminiModel(code, apiKeys, opts...)
		}
		return models, nil
	}
}

type GeminiOption func(*GeminiModel)

// WithMaxImageEdge downsizes reference images whose longest edge is larger
// than px before upload.
func WithMaxImageEdge(px int) GeminiOption {
	return func(m *GeminiModel) { m.maxImageEdge = px }
}

// WithTimeout bounds every call. Zero means no bound.
func WithTimeout(d time.Duration) GeminiOption {
	return func(m *GeminiModel) { m.timeout = d }
}

type GeminiModel struct {
	model        string
	apiKeys      []string
	maxImageEdge int
	timeout      time.Duration
}

func NewGeminiModel(modelCode string, apiKeys []string, opts ...GeminiOption) *GeminiModel {
	m := &GeminiModel{
		model:   modelCode,
		apiKeys: apiKeys,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *GeminiModel) getShuffledKeys() []string {
	shuffledKeys := make([]string, len(m.apiKeys))
	copy(shuffledKeys, m.apiKeys)

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	r.Shuffle(len(shuffledKeys), func(i, j int) { shuffledKeys[i], shuffledKeys[j] = shuffledKeys[j], shuffledKeys[i] })

	return shuffledKeys
}

func (m *GeminiModel) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}

// Generate performs a non-streaming generation.
func (m *GeminiModel) Generate(ctx context.Context, prompt string, images []ImageRef, config *Config) (*Result, error) {
	if len(m.apiKeys) == 0 {
		return nil, fmt.Errorf("%w: API key is required for generation", ErrConfiguration)
	}

	content, err := m.buildContent(prompt, images)
	if err != nil {
		return nil, err
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	genConfig := getGenConfig(config)
	var lastErr error

	for _, apiKey := range m.getShuffledKeys() {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
		if err != nil {
			lastErr = fmt.Errorf("failed to create genai client: %w", err)
			continue
		}

		resp, err := client.Models.GenerateContent(ctx, m.model, content, genConfig)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("%w: %v", ErrGeneration, err)
			continue
		}

		parts := convertResponse(resp)
		if len(parts) == 0 {
			return nil, fmt.Errorf("%w: no content in response", ErrGeneration)
		}

		return NewResult(parts), nil
	}

	return nil, fmt.Errorf("all API keys failed: %w", lastErr)
}

// GenerateStream performs a streaming generation. Keys are only rotated
// while nothing has been emitted yet.
func (m *GeminiModel) GenerateStream(ctx context.Context, prompt string, images []ImageRef, config *Config) (<-chan *Result, <-chan error) {
	genConfig := getGenConfig(config)
	outCh := make(chan *Result)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		if len(m.apiKeys) == 0 {
			errCh <- fmt.Errorf("%w: API key is required for generation", ErrConfiguration)
			return
		}

		content, err := m.buildContent(prompt, images)
		if err != nil {
			errCh <- err
			return
		}

		ctx, cancel := m.withTimeout(ctx)
		defer cancel()

		var lastErr error
		emitted := false

		for _, apiKey := range m.getShuffledKeys() {
			client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
			if err != nil {
				lastErr = fmt.Errorf("failed to create genai client: %w", err)
				continue
			}

			streamErr := func() error {
				iter := client.Models.GenerateContentStream(ctx, m.model, content, genConfig)
				for resp, err := range iter {
					if err != nil {
						return err
					}
					parts := convertResponse(resp)
					if len(parts) == 0 {
						continue
					}
					select {
					case outCh <- &Result{Parts: parts}:
						emitted = true
					case <-ctx.Done():
						return ctx.Err()
					}
				}
				return nil
			}()

			if streamErr == nil {
				return // Success
			}
			if ctx.Err() != nil {
				errCh <- ctx.Err()
				return
			}
			lastErr = fmt.Errorf("%w: %v", ErrGeneration, streamErr)
			if emitted {
				errCh <- lastErr
				return
			}
		}

		errCh <- fmt.Errorf("all API keys failed: %w", lastErr)
	}()
	return outCh, errCh
}

func (m *GeminiModel) buildContent(prompt string, images []ImageRef) ([]*genai.Content, error) {
	parts := []*genai.Part{genai.NewPartFromText(prompt)}

	for _, img := range images {
		data, mimeType, err := imageprep.Fit(img.Data, img.MIMEType, m.maxImageEdge)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare reference image: %w", err)
		}
		if mimeType == "" {
			mimeType = "image/jpeg"
		}
		parts = append(parts, genai.NewPartFromBytes(data, mimeType))
	}

	contents := []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}

	return contents, nil
}

func convertResponse(resp *genai.GenerateContentResponse) []Part {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}

	var parts []Part
	for _, p := range resp.Candidates[0].Content.Parts {
		if p == nil {
			continue
		}
		switch {
		case p.Thought:
			part := Part{Kind: PartThought, Text: p.Text}
			if p.InlineData != nil {
				part.Image = &ImageRef{MIMEType: p.InlineData.MIMEType, Data: p.InlineData.Data}
			}
			parts = append(parts, part)
		case p.InlineData != nil:
			parts = append(parts, ImagePart(p.InlineData.MIMEType, p.InlineData.Data))
		case p.Text != "":
			parts = append(parts, TextPart(p.Text))
		}
	}
	return parts
}

func getGenConfig(config *Config) *genai.GenerateContentConfig {
	genConfig := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	}
	if config == nil {
		return genConfig
	}

	genConfig.Temperature = config.Temperature
	genConfig.TopP = config.TopP
	genConfig.TopK = config.TopK
	genConfig.MaxOutputTokens = config.OutputLength
	if config.IncludeThoughts {
		genConfig.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
	}
	return genConfig
}
