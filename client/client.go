// Package client talks to a studio server over HTTP.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sokinpui/studio.go/internal/events"
	"github.com/sokinpui/studio.go/internal/models"
	"github.com/sokinpui/studio.go/internal/studio"
)

// Request and response types shared with the server.
type (
	BatchRequest    = studio.BatchRequest
	PipelineRequest = studio.PipelineRequest
	ModelList       = models.ModelList
	Event           = events.Event
)

// Result holds either an event from the stream or an error.
type Result struct {
	Event Event
	Err   error
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("studio: %d %s", e.StatusCode, e.Message)
}

// Client is the interface for interacting with the studio service.
type Client interface {
	// StartBatch submits a batch run and returns its run ID.
	StartBatch(ctx context.Context, req BatchRequest) (string, error)

	// StartPipeline submits a pipeline run and returns its run ID.
	StartPipeline(ctx context.Context, req PipelineRequest) (string, error)

	// Cancel stops the active run, if any.
	Cancel(ctx context.Context) error

	// Models lists the registered model codes and the default.
	Models(ctx context.Context) (*ModelList, error)

	// Events streams orchestration events for runID, or for every run when
	// runID is empty. The channel is closed when ctx ends or the stream
	// breaks; a broken stream sends one Result with Err set first.
	Events(ctx context.Context, runID string) (<-chan Result, error)
}

type httpClient struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the server at baseURL, e.g. http://localhost:8080.
// A nil hc uses http.DefaultClient.
func New(baseURL string, hc *http.Client) Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &httpClient{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

func (c *httpClient) StartBatch(ctx context.Context, req BatchRequest) (string, error) {
	var resp models.RunResponse
	if err := c.do(ctx, http.MethodPost, "/batch", req, &resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

func (c *httpClient) StartPipeline(ctx context.Context, req PipelineRequest) (string, error) {
	var resp models.RunResponse
	if err := c.do(ctx, http.MethodPost, "/pipeline", req, &resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

func (c *httpClient) Cancel(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/cancel", nil, nil)
}

func (c *httpClient) Models(ctx context.Context) (*ModelList, error) {
	var list ModelList
	if err := c.do(ctx, http.MethodGet, "/models", nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *httpClient) Events(ctx context.Context, runID string) (<-chan Result, error) {
	path := "/events"
	if runID != "" {
		path += "?run=" + url.QueryEscape(runID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}

	resultChan := make(chan Result)

	go func() {
		defer close(resultChan)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 64<<20)
		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok {
				continue // event names, comments and blank separators
			}
			var res Result
			if err := json.Unmarshal([]byte(data), &res.Event); err != nil {
				res = Result{Err: err}
			}
			select {
			case resultChan <- res:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			select {
			case resultChan <- Result{Err: err}:
			case <-ctx.Done():
			}
		}
	}()

	return resultChan, nil
}

func (c *httpClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(resp *http.Response) error {
	var body models.ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}
	return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
}
