package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bnema/coachfeed/internal/service"
)

const defaultKeepAlive = 15 * time.Second

type SSEHandler struct {
	eventBus  *service.EventBus
	jobs      JobService
	keepAlive time.Duration
}

func NewSSEHandler(eventBus *service.EventBus, jobs JobService) *SSEHandler {
	return &SSEHandler{
		eventBus:  eventBus,
		jobs:      jobs,
		keepAlive: defaultKeepAlive,
	}
}

// sseWrite writes an SSE event, handling multi-line data correctly.
func sseWrite(w http.ResponseWriter, eventName string, data string) {
	_, _ = fmt.Fprintf(w, "event: %s\n", eventName)
	for _, line := range strings.Split(data, "\n") {
		_, _ = fmt.Fprintf(w, "data: %s\n", line)
	}
	_, _ = fmt.Fprint(w, "\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func sendEvent(w http.ResponseWriter, event service.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	sseWrite(w, string(event.Type), string(data))
}

// sendKeepAlive writes an SSE comment to keep the connection active.
func sendKeepAlive(w http.ResponseWriter) {
	_, _ = fmt.Fprint(w, ": keep-alive\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// Events streams a job's status and progress. The current state is sent
// first; the stream ends once the job reaches a terminal status.
func (h *SSEHandler) Events() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := jobID(r)
		if err != nil {
			writeJSON(w, errorStatus(err), errorBody{Error: err.Error()})
			return
		}

		// Subscribe before the snapshot so no transition falls in between.
		ch := h.eventBus.Subscribe(id)
		defer h.eventBus.Unsubscribe(id, ch)

		view, err := h.jobs.JobStatus(r.Context(), id)
		if err != nil {
			writeJSON(w, errorStatus(err), errorBody{Error: err.Error()})
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		sendEvent(w, service.Event{
			Type:     service.EventStatus,
			JobID:    id,
			Status:   view.Status,
			Progress: view.Progress,
			Message:  view.Error,
			At:       time.Now().UTC(),
		})
		if view.Status.IsTerminal() && !view.Queued && !view.InFlight {
			return
		}

		ctx := r.Context()
		keepAlive := time.NewTicker(h.keepAlive)
		defer keepAlive.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-keepAlive.C:
				sendKeepAlive(w)
			case event, ok := <-ch:
				if !ok {
					return
				}
				sendEvent(w, event)
				if event.Type == service.EventStatus && event.Status.IsTerminal() {
					return
				}
			}
		}
	}
}
