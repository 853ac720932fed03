// Package server exposes the Scheduler's Schedule/Cancel/Describe operations over
// HTTP with JSON bodies, in the same handler style as the teacher's
// internal/master/api.go. The reference system fronts this with a gRPC service;
// this module plays that role using net/http and encoding/json instead, since
// producing real protoc-generated Go bindings is outside what this exercise can
// do and a hand-written "generated" stub would not be a genuine dependency.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"heracles-go/internal/herrors"
	"heracles-go/internal/model"
)

// Scheduler is the subset of scheduler.Scheduler the HTTP frontend depends on.
type Scheduler interface {
	Schedule(job *model.Job) (string, error)
	Cancel(jobID string) error
	Describe(jobID string) (*model.Job, error)
}

// Server wires the three RPC-surface operations to HTTP handlers.
type Server struct {
	scheduler Scheduler
	logger    zerolog.Logger
	mux       *http.ServeMux
}

// New builds a Server ready to be wrapped in an http.Server by the caller.
func New(sched Scheduler, logger zerolog.Logger) *Server {
	s := &Server{scheduler: sched, logger: logger, mux: http.NewServeMux()}
	s.mux.HandleFunc("/v1/jobs", s.handleJobsCollection)
	s.mux.HandleFunc("/v1/jobs/", s.handleJobsItem)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type scheduleResponse struct {
	JobID string `json:"job_id"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch herrors.KindOf(err) {
	case herrors.KindInvalidInput:
		status = http.StatusBadRequest
	case herrors.KindQueueFull:
		status = http.StatusServiceUnavailable
	case herrors.KindStateStore, herrors.KindInvariant:
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: err.Error(), Kind: herrors.KindOf(err).String()})
}

// handleJobsCollection serves POST /v1/jobs, the Schedule operation.
func (s *Server) handleJobsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var job model.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		s.writeError(w, herrors.InvalidInput("server: decode job request: %v", err))
		return
	}

	jobID, err := s.scheduler.Schedule(&job)
	if err != nil {
		s.logger.Warn().Err(err).Msg("schedule failed")
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(scheduleResponse{JobID: jobID})
}

// handleJobsItem serves GET /v1/jobs/{id} (Describe) and DELETE /v1/jobs/{id}
// (Cancel).
func (s *Server) handleJobsItem(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Path[len("/v1/jobs/"):]
	if jobID == "" {
		http.Error(w, "missing job id", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		job, err := s.scheduler.Describe(jobID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(job)

	case http.MethodDelete:
		if err := s.scheduler.Cancel(jobID); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
