package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/me/shardsched/internal/cluster"
	"github.com/me/shardsched/internal/resource"
	"github.com/me/shardsched/pkg/model"
)

// handleRegisterAgent admits a new agent.
// POST /api/v1/agents
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.RegisterAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "invalid JSON body: " + err.Error(),
		})
		return
	}
	if req.Hostname == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "hostname", Message: "hostname is required"}))
		return
	}

	agent, err := s.cluster.RegisterAgent(r.Context(), req)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondCreated(w, reqID, agent)
}

// handleListAgents lists registered agents.
// GET /api/v1/agents
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	respondOK(w, RequestIDFromContext(r.Context()), s.cluster.Agents())
}

// handleAgentHeartbeat refreshes an agent's last_seen timestamp. Unknown
// agents get a 404 and are expected to register again.
// PUT /api/v1/agents/{id}/heartbeat
func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	agent, err := s.cluster.Heartbeat(r.Context(), id)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if agent == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("agent", id))
		return
	}
	respondOK(w, reqID, map[string]any{
		"agent_id": agent.ID,
		"state":    agent.State,
	})
}

// handleAgentTasks hands out the tasks launched on the agent.
// GET /api/v1/agents/{id}/tasks
func (s *Server) handleAgentTasks(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	tasks, err := s.cluster.PollTasks(r.Context(), id)
	if errors.Is(err, cluster.ErrAgentNotFound) {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("agent", id))
		return
	}
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if tasks == nil {
		tasks = []resource.TaskInfo{}
	}
	respondOK(w, reqID, tasks)
}

// handleTaskStatus relays a task state change to the scheduler.
// PUT /api/v1/agents/{id}/tasks/{tid}/status
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	tid := chi.URLParam(r, "tid")

	var body struct {
		State   string `json:"state"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "invalid JSON body: " + err.Error(),
		})
		return
	}
	state, ok := model.ParseTaskState(body.State)
	if !ok {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid task state",
				model.FieldError{Field: "state", Message: "unknown state " + body.State}))
		return
	}
	if _, err := model.ParseTaskContext(tid); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid task id",
				model.FieldError{Field: "tid", Message: err.Error()}))
		return
	}

	err := s.cluster.ReportStatus(r.Context(), id, tid, model.TaskStatusReport{State: state, Message: body.Message})
	if errors.Is(err, cluster.ErrAgentNotFound) {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("agent", id))
		return
	}
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"task_id": tid, "state": state})
}

// handleDeregisterAgent removes an agent.
// DELETE /api/v1/agents/{id}
func (s *Server) handleDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	err := s.cluster.DeregisterAgent(r.Context(), id)
	if errors.Is(err, cluster.ErrAgentNotFound) {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("agent", id))
		return
	}
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
