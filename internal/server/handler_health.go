package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/me/shardsched/internal/producer"
	"github.com/me/shardsched/pkg/model"
)

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Scheduler string `json:"scheduler"`
	Agents    int    `json:"agents"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	resp := healthResponse{
		Status:    "healthy",
		Version:   "0.1.0",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Scheduler: "not_started",
	}
	if s.scheduler != nil {
		resp.Scheduler = s.scheduler.State().String()
	}
	if s.cluster != nil {
		resp.Agents = len(s.cluster.Agents())
	}
	respondOK(w, reqID, resp)
}

type schedulerResponse struct {
	State       model.SchedulerState `json:"state"`
	FrameworkID string               `json:"framework_id,omitempty"`
	Schedules   []producer.Entry     `json:"schedules"`
}

// handleScheduler reports the engine state and cron schedules.
// GET /api/v1/scheduler
func (s *Server) handleScheduler(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	resp := schedulerResponse{
		State:     model.SchedulerUnregistered,
		Schedules: s.queues.Schedules(),
	}
	if s.scheduler != nil {
		resp.State = s.scheduler.State()
		resp.FrameworkID = s.scheduler.FrameworkID()
	}
	if resp.Schedules == nil {
		resp.Schedules = []producer.Entry{}
	}
	respondOK(w, reqID, resp)
}
