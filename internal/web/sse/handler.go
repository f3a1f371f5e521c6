// Package sse streams orchestration events to HTTP clients as Server-Sent Events.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hugo-lorenzo-mato/squads/internal/events"
)

// Source is the part of the event bus the handler observes.
type Source interface {
	Tap(bufferSize int, types ...string) <-chan events.Event
	Untap(ch <-chan events.Event)
}

// Handler streams bus events to connected clients. Clients may filter by
// project and run with the "project" and "run" query parameters.
type Handler struct {
	bus           Source
	mu            sync.Mutex
	clients       map[chan struct{}]struct{}
	heartbeatFreq time.Duration
}

// NewHandler creates a handler observing bus.
func NewHandler(bus Source) *Handler {
	return &Handler{
		bus:           bus,
		clients:       make(map[chan struct{}]struct{}),
		heartbeatFreq: 30 * time.Second,
	}
}

// Register mounts the handler at /events.
func (h *Handler) Register(r chi.Router) {
	r.Get("/events", h.ServeHTTP)
}

// SetHeartbeatFrequency sets the interval between heartbeat comments.
func (h *Handler) SetHeartbeatFrequency(d time.Duration) {
	h.heartbeatFreq = d
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	project := r.URL.Query().Get("project")
	run := r.URL.Query().Get("run")

	done := make(chan struct{})
	h.mu.Lock()
	h.clients[done] = struct{}{}
	h.mu.Unlock()
	defer h.remove(done)

	eventCh := h.bus.Tap(100)
	defer h.bus.Untap(eventCh)

	send(w, flusher, "connected", map[string]string{"project": project, "run": run})

	heartbeat := time.NewTicker(h.heartbeatFreq)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			if project != "" && event.ProjectID() != project {
				continue
			}
			if run != "" && runID(event) != run {
				continue
			}
			send(w, flusher, event.EventType(), event)
		}
	}
}

func runID(e events.Event) string {
	switch ev := e.(type) {
	case events.NodeEvent:
		return ev.RunID
	case events.AdvanceEvent:
		return ev.RunID
	}
	return ""
}

func send(w http.ResponseWriter, flusher http.Flusher, eventType string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, payload)
	flusher.Flush()
}

func (h *Handler) remove(done chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[done]; ok {
		delete(h.clients, done)
		close(done)
	}
}

// ClientCount returns the number of connected clients.
func (h *Handler) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown disconnects every client.
func (h *Handler) Shutdown(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for done := range h.clients {
		close(done)
	}
	h.clients = make(map[chan struct{}]struct{})
	return nil
}
