package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/me/shardsched/pkg/model"
)

// handleListQueues returns every queue.
// GET /api/v1/queues
func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	snap, err := s.queues.Snapshot(r.Context())
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, normalize(snap))
}

// handleGetQueue returns one queue by name.
// GET /api/v1/queues/{queue}
func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	queue := chi.URLParam(r, "queue")

	var pick func(model.QueueSnapshot) any
	switch queue {
	case "ready":
		pick = func(q model.QueueSnapshot) any { return q.Ready }
	case "misfired":
		pick = func(q model.QueueSnapshot) any { return q.Misfired }
	case "failover":
		pick = func(q model.QueueSnapshot) any { return q.Failover }
	case "running":
		pick = func(q model.QueueSnapshot) any { return q.Running }
	default:
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("queue", queue))
		return
	}

	snap, err := s.queues.Snapshot(r.Context())
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, pick(normalize(snap)))
}

// normalize replaces nil collections so they encode as {} and [].
func normalize(q model.QueueSnapshot) model.QueueSnapshot {
	if q.Ready == nil {
		q.Ready = map[string]int{}
	}
	if q.Misfired == nil {
		q.Misfired = []string{}
	}
	if q.Failover == nil {
		q.Failover = map[string][]int{}
	}
	if q.Running == nil {
		q.Running = map[string][]model.TaskContext{}
	}
	return q
}
