package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/sokinpui/studio.go/internal/events"
)

const defaultKeepAlive = 5 * time.Second

// handleEvents streams orchestration events as SSE. With ?run=<id> only that
// run's events (and untargeted notifications) are sent.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		http.Error(w, "events not available", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	subID := uuid.New().String()
	runFilter := r.URL.Query().Get("run")
	log.Printf("-> %s, subscriber: %s", color.BlueString("Event stream opened"), subID)
	defer log.Printf("<- %s, subscriber: %s", color.GreenString("Event stream closed"), subID)

	ch := s.broker.Subscribe(subID)
	defer s.broker.Unsubscribe(subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	streamEvents(r.Context(), w, flusher, ch, runFilter, s.keepAlive)
}

func streamEvents(ctx context.Context, w io.Writer, flusher http.Flusher, ch <-chan events.Event, runFilter string, keepAlive time.Duration) {
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if runFilter != "" && ev.RunID != "" && ev.RunID != runFilter {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Printf("Error marshalling %s event: %v", ev.Type, err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
