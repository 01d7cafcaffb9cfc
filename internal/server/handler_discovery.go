package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "shardsched API",
		Version:     "v1",
		Description: "Sharded cron job scheduler: queues, job definitions and agent protocol",
		Endpoints: []endpointInfo{
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
			{"/api/v1/scheduler", []string{"GET"}, "Engine state and cron schedules"},
			{"/api/v1/jobs", []string{"GET"}, "List job definitions"},
			{"/api/v1/jobs/{name}", []string{"GET"}, "Single job definition"},
			{"/api/v1/queues", []string{"GET"}, "Snapshot of ready, misfired, failover and running"},
			{"/api/v1/queues/{queue}", []string{"GET"}, "One queue: ready, misfired, failover or running"},
			{"/api/v1/agents", []string{"GET", "POST"}, "List or register agents"},
			{"/api/v1/agents/{id}", []string{"DELETE"}, "Deregister an agent; its tasks are reported lost"},
			{"/api/v1/agents/{id}/heartbeat", []string{"PUT"}, "Agent heartbeat"},
			{"/api/v1/agents/{id}/tasks", []string{"GET"}, "Tasks launched on the agent since its last poll"},
			{"/api/v1/agents/{id}/tasks/{tid}/status", []string{"PUT"}, "Report a task state change"},
			{"/metrics", []string{"GET"}, "Prometheus metrics"},
		},
	})
}
