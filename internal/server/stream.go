package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ProgressEvent is one SSE update: the orchestrator's status plus the
// job's lifecycle state, which the engine itself has no concept of.
type ProgressEvent struct {
	JobID                string    `json:"jobId"`
	State                JobState  `json:"state"`
	Iteration            int       `json:"iteration"`
	ItersPerSec          float64   `json:"itersPerSec"`
	N                    int       `json:"n"`
	NextDensifyIteration int       `json:"nextDensifyIteration"`
	Timestamp            time.Time `json:"timestamp"`
}

// EventBroadcaster fans out progress events to any number of SSE clients
// per job, replaying the last event to a client that (re)subscribes.
type EventBroadcaster struct {
	mu        sync.RWMutex
	clients   map[string]map[chan ProgressEvent]bool
	lastEvent map[string]ProgressEvent
}

// NewEventBroadcaster creates an empty broadcaster.
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		clients:   make(map[string]map[chan ProgressEvent]bool),
		lastEvent: make(map[string]ProgressEvent),
	}
}

// Subscribe registers a buffered channel for a job's events.
func (eb *EventBroadcaster) Subscribe(jobID string) chan ProgressEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan ProgressEvent, 10)
	if eb.clients[jobID] == nil {
		eb.clients[jobID] = make(map[chan ProgressEvent]bool)
	}
	eb.clients[jobID][ch] = true

	if last, ok := eb.lastEvent[jobID]; ok {
		select {
		case ch <- last:
		default:
		}
	}
	return ch
}

// Unsubscribe removes and closes a client channel.
func (eb *EventBroadcaster) Unsubscribe(jobID string, ch chan ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if clients, ok := eb.clients[jobID]; ok {
		delete(clients, ch)
		close(ch)
		if len(clients) == 0 {
			delete(eb.clients, jobID)
		}
	}
}

// Broadcast delivers an event to every subscribed client for its job,
// dropping it for any client whose buffer is full rather than blocking.
func (eb *EventBroadcaster) Broadcast(event ProgressEvent) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	eb.lastEvent[event.JobID] = event
	clients, ok := eb.clients[event.JobID]
	if !ok {
		return
	}
	for ch := range clients {
		select {
		case ch <- event:
		default:
			slog.Warn("SSE channel full, dropping event", "jobID", event.JobID)
		}
	}
}

// CleanupJob closes and forgets every client and cached event for a job.
func (eb *EventBroadcaster) CleanupJob(jobID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if clients, ok := eb.clients[jobID]; ok {
		for ch := range clients {
			close(ch)
		}
		delete(eb.clients, jobID)
	}
	delete(eb.lastEvent, jobID)
}

// handleJobStream serves GET /api/v1/jobs/:id/stream as text/event-stream.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	eventChan := s.jobManager.broadcaster.Subscribe(jobID)
	defer s.jobManager.broadcaster.Unsubscribe(jobID, eventChan)

	status := job.Status()
	initial := ProgressEvent{
		JobID:                job.ID,
		State:                job.State,
		Iteration:            status.Iteration,
		ItersPerSec:          status.ItersPerSec,
		N:                    status.N,
		NextDensifyIteration: status.NextDensifyIteration,
		Timestamp:            time.Now(),
	}
	if err := writeSSEEvent(w, initial); err != nil {
		slog.Error("failed to write initial SSE event", "error", err)
		return
	}
	flusher.Flush()

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-eventChan:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				slog.Error("failed to write SSE event", "error", err)
				return
			}
			flusher.Flush()
		case <-pingTicker.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, event ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
