package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/me/shardsched/pkg/model"
)

// handleListJobs lists job definitions.
// GET /api/v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	jobs, err := s.queues.Jobs(r.Context())
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if jobs == nil {
		jobs = []*model.JobDefinition{}
	}
	respondOK(w, reqID, jobs)
}

// handleGetJob returns one job definition.
// GET /api/v1/jobs/{name}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	name := chi.URLParam(r, "name")

	job, err := s.queues.LoadJob(r.Context(), name)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if job == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("job", name))
		return
	}
	respondOK(w, reqID, job)
}
