package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/bnema/coachfeed/internal/adapter/http/middleware"
	"github.com/bnema/coachfeed/internal/adapter/http/validation"
	"github.com/bnema/coachfeed/internal/domain"
	"github.com/bnema/coachfeed/internal/service"
)

const maxRequestBody = 64 << 10

// JobService is the set of worker pool operations the API exposes.
type JobService interface {
	Register(ctx context.Context, job *domain.Job) error
	Enqueue(ctx context.Context, jobID string, priority int) error
	Cancel(jobID string) (service.CancelResult, error)
	Reset(ctx context.Context, jobID string) error
	JobStatus(ctx context.Context, jobID string) (*service.JobView, error)
	Analysis(ctx context.Context, jobID string) (*domain.SynthesizedAnalysis, error)
	QueueStatus() domain.QueueStatus
}

type HealthReporter interface {
	States() []domain.CircuitState
}

type Handlers struct {
	jobs   JobService
	health HealthReporter
	log    *logrus.Entry
}

func NewHandlers(jobs JobService, health HealthReporter, log *logrus.Entry) *Handlers {
	return &Handlers{jobs: jobs, health: health, log: log}
}

type errorBody struct {
	Error string `json:"error"`
}

type registerRequest struct {
	ID           string `json:"id,omitempty"`
	MediaKey     string `json:"media_key"`
	ExpectedSize int64  `json:"expected_size"`
	Priority     int    `json:"priority"`
	ClientName   string `json:"client_name,omitempty"`
	SessionType  string `json:"session_type,omitempty"`
	Language     string `json:"language,omitempty"`
	Enqueue      bool   `json:"enqueue"`
}

type cancelResponse struct {
	JobID  string               `json:"job_id"`
	Result service.CancelResult `json:"result"`
}

type healthResponse struct {
	Status    string                `json:"status"`
	Providers []domain.CircuitState `json:"providers"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, validation.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyInFlight),
		errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps domain errors to status codes. Internal errors are logged
// and hidden from the caller.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		middleware.LogEntry(r.Context(), h.log).WithError(err).Error("request failed")
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Error: msg})
}

// jobID reads and validates the {id} route parameter.
func jobID(r *http.Request) (string, error) {
	id := chi.URLParam(r, "id")
	if err := validation.ValidateJobID(id); err != nil {
		return "", err
	}
	return id, nil
}

func (h *Handlers) Register() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			h.writeError(w, r, fmt.Errorf("%w: %v", validation.ErrInvalid, err))
			return
		}
		if err := validation.ValidateMediaKey(req.MediaKey); err != nil {
			h.writeError(w, r, err)
			return
		}
		if req.ExpectedSize < 0 {
			h.writeError(w, r, fmt.Errorf("%w: expected_size is negative", validation.ErrInvalid))
			return
		}

		job := domain.NewJob(req.MediaKey, req.ExpectedSize, req.Priority)
		if req.ID != "" {
			if err := validation.ValidateJobID(req.ID); err != nil {
				h.writeError(w, r, err)
				return
			}
			job.ID = req.ID
		}
		job.ClientName = strings.TrimSpace(req.ClientName)
		job.SessionType = strings.TrimSpace(req.SessionType)
		job.Language = strings.TrimSpace(req.Language)

		if err := h.jobs.Register(r.Context(), job); err != nil {
			h.writeError(w, r, err)
			return
		}
		if req.Enqueue {
			if err := h.jobs.Enqueue(r.Context(), job.ID, req.Priority); err != nil {
				h.writeError(w, r, err)
				return
			}
		}
		h.respondJob(w, r, job.ID, http.StatusCreated)
	}
}

func (h *Handlers) Enqueue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := jobID(r)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		priority := 0
		if raw := r.URL.Query().Get("priority"); raw != "" {
			if priority, err = strconv.Atoi(raw); err != nil {
				h.writeError(w, r, fmt.Errorf("%w: priority %q is not an integer", validation.ErrInvalid, raw))
				return
			}
		}
		if err := h.jobs.Enqueue(r.Context(), id, priority); err != nil {
			h.writeError(w, r, err)
			return
		}
		h.respondJob(w, r, id, http.StatusAccepted)
	}
}

func (h *Handlers) Cancel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := jobID(r)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		result, err := h.jobs.Cancel(id)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, cancelResponse{JobID: id, Result: result})
	}
}

func (h *Handlers) Reset() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := jobID(r)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if err := h.jobs.Reset(r.Context(), id); err != nil {
			h.writeError(w, r, err)
			return
		}
		h.respondJob(w, r, id, http.StatusOK)
	}
}

func (h *Handlers) Job() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := jobID(r)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.respondJob(w, r, id, http.StatusOK)
	}
}

func (h *Handlers) Analysis() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := jobID(r)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		analysis, err := h.jobs.Analysis(r.Context(), id)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, analysis)
	}
}

func (h *Handlers) Queue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := h.jobs.QueueStatus()
		if status.InFlightIDs == nil {
			status.InFlightIDs = []string{}
		}
		writeJSON(w, http.StatusOK, status)
	}
}

// Health always answers 200; an open circuit marks the process degraded,
// not dead.
func (h *Handlers) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok", Providers: []domain.CircuitState{}}
		if h.health != nil {
			for _, s := range h.health.States() {
				if s.Open {
					resp.Status = "degraded"
				}
				resp.Providers = append(resp.Providers, s)
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *Handlers) respondJob(w http.ResponseWriter, r *http.Request, id string, status int) {
	view, err := h.jobs.JobStatus(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, status, view)
}
