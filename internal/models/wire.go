package models

import "github.com/sokinpui/studio.go/internal/history"

type ModelList struct {
	Models  []string `json:"models"`
	Default string   `json:"default"`
}

type RunResponse struct {
	RunID string `json:"run_id"`
}

type JobResponse struct {
	JobID string `json:"job_id"`
}

type StatusResponse struct {
	RunID  string `json:"run_id,omitempty"`
	Active bool   `json:"active"`
}

type HistoryResponse struct {
	Transcript []history.Turn  `json:"transcript"`
	Images     []history.Entry `json:"images"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
