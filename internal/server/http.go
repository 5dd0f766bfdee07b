package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/sokinpui/studio.go/internal/batch"
	"github.com/sokinpui/studio.go/internal/broker"
	"github.com/sokinpui/studio.go/internal/history"
	"github.com/sokinpui/studio.go/internal/models"
	"github.com/sokinpui/studio.go/internal/queue"
	"github.com/sokinpui/studio.go/internal/scheduler"
	"github.com/sokinpui/studio.go/internal/studio"
	"github.com/sokinpui/studio.go/model"
)

// maxBodyBytes bounds request bodies, which carry base64 reference images.
const maxBodyBytes = 64 << 20

// Orchestrator is the part of *studio.Studio the server drives.
type Orchestrator interface {
	StartBatch(ctx context.Context, req studio.BatchRequest) (string, error)
	StartPipeline(ctx context.Context, req studio.PipelineRequest) (string, error)
	Cancel()
	Active() (string, bool)
}

type ModelLister interface {
	ListModels() []string
}

// Deps wires an HTTPServer. History, Queue and Metrics are optional; their
// routes answer 404 or 503 when unset.
type Deps struct {
	Studio       Orchestrator
	Models       ModelLister
	DefaultModel string
	Broker       *broker.MemoryBroker
	History      history.Reader
	Queue        *queue.RQueue
	Metrics      http.Handler
}

type HTTPServer struct {
	studio       Orchestrator
	models       ModelLister
	defaultModel string
	broker       *broker.MemoryBroker
	history      history.Reader
	queue        *queue.RQueue
	metrics      http.Handler
	keepAlive    time.Duration
}

func NewHTTPServer(deps Deps) *HTTPServer {
	return &HTTPServer{
		studio:       deps.Studio,
		models:       deps.Models,
		defaultModel: deps.DefaultModel,
		broker:       deps.Broker,
		history:      deps.History,
		queue:        deps.Queue,
		metrics:      deps.Metrics,
		keepAlive:    defaultKeepAlive,
	}
}

func (s *HTTPServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /models", s.handleListModels)
	mux.HandleFunc("POST /batch", s.handleBatch)
	mux.HandleFunc("POST /pipeline", s.handlePipeline)
	mux.HandleFunc("POST /cancel", s.handleCancel)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /history", s.handleHistory)

	// Redis job queue
	mux.HandleFunc("POST /jobs", s.handleEnqueueJob)
	mux.HandleFunc("GET /jobs/{id}", s.handleJobStatus)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancelJob)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
}

func (s *HTTPServer) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.ModelList{Models: s.models.ListModels(), Default: s.defaultModel})
}

func (s *HTTPServer) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req studio.BatchRequest
	if !decodeBody(w, r, &req) {
		return
	}

	runID, err := s.studio.StartBatch(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	log.Printf("-> %s (HTTP), run_id: %s", color.BlueString("Accepted batch"), runID)
	writeJSON(w, http.StatusAccepted, models.RunResponse{RunID: runID})
}

func (s *HTTPServer) handlePipeline(w http.ResponseWriter, r *http.Request) {
	var req studio.PipelineRequest
	if !decodeBody(w, r, &req) {
		return
	}

	runID, err := s.studio.StartPipeline(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	log.Printf("-> %s (HTTP), run_id: %s", color.BlueString("Accepted pipeline"), runID)
	writeJSON(w, http.StatusAccepted, models.RunResponse{RunID: runID})
}

func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.studio.Cancel()
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	runID, active := s.studio.Active()
	writeJSON(w, http.StatusOK, models.StatusResponse{RunID: runID, Active: active})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "history not available", http.StatusNotFound)
		return
	}

	transcript, err := s.history.Transcript(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	images, err := s.history.Images(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.HistoryResponse{Transcript: transcript, Images: images})
}

func (s *HTTPServer) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		http.Error(w, "job queue not configured", http.StatusServiceUnavailable)
		return
	}

	var job models.Job
	if !decodeBody(w, r, &job) {
		return
	}
	if err := job.Validate(); err != nil {
		writeError(w, err)
		return
	}

	job.ID = uuid.New().String()
	job.EnqueuedAt = time.Now()

	ctx := r.Context()
	if err := s.queue.SetState(ctx, models.JobState{ID: job.ID, Status: models.JobQueued}); err != nil {
		writeError(w, err)
		return
	}
	if err := s.queue.Enqueue(ctx, &job); err != nil {
		writeError(w, err)
		return
	}
	log.Printf("-> %s %s job, job_id: %s", color.BlueString("Enqueued"), job.Kind, job.ID)
	writeJSON(w, http.StatusAccepted, models.JobResponse{JobID: job.ID})
}

func (s *HTTPServer) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		http.Error(w, "job queue not configured", http.StatusServiceUnavailable)
		return
	}

	state, err := s.queue.State(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if state == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *HTTPServer) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		http.Error(w, "job queue not configured", http.StatusServiceUnavailable)
		return
	}

	id := r.PathValue("id")
	if err := s.queue.SignalCancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	log.Printf("Cancellation published for job %s", id)
	w.WriteHeader(http.StatusAccepted)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("%s: %v", color.RedString("Request failed"), err)
	}
	writeJSON(w, status, models.ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, batch.ErrValidation), errors.Is(err, model.ErrModelNotFound):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
