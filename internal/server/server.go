// Package server exposes the scheduler's queues, job definitions and the
// built-in cluster's agent protocol over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/shardsched/internal/config"
	"github.com/me/shardsched/internal/producer"
	"github.com/me/shardsched/internal/resource"
	"github.com/me/shardsched/pkg/model"
)

// Queues is the read side of the scheduling facade.
type Queues interface {
	Snapshot(ctx context.Context) (model.QueueSnapshot, error)
	Jobs(ctx context.Context) ([]*model.JobDefinition, error)
	LoadJob(ctx context.Context, name string) (*model.JobDefinition, error)
	Schedules() []producer.Entry
}

// SchedulerStatus reports the engine's lifecycle.
type SchedulerStatus interface {
	State() model.SchedulerState
	FrameworkID() string
}

// Cluster is the agent-facing side of the built-in resource manager.
type Cluster interface {
	RegisterAgent(ctx context.Context, req model.RegisterAgentRequest) (*model.Agent, error)
	Heartbeat(ctx context.Context, id string) (*model.Agent, error)
	Agents() []*model.Agent
	PollTasks(ctx context.Context, id string) ([]resource.TaskInfo, error)
	ReportStatus(ctx context.Context, agentID, taskID string, report model.TaskStatusReport) error
	DeregisterAgent(ctx context.Context, id string) error
}

// Server is the shardsched REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	queues    Queues
	scheduler SchedulerStatus // optional
	cluster   Cluster         // optional; agent routes answer 503 without it
	metrics   http.Handler    // optional
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithScheduler reports engine state on /health and /scheduler.
func WithScheduler(s SchedulerStatus) Option {
	return func(srv *Server) {
		srv.scheduler = s
	}
}

// WithCluster enables the agent protocol routes.
func WithCluster(c Cluster) Option {
	return func(srv *Server) {
		srv.cluster = c
	}
}

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(srv *Server) {
		srv.metrics = h
	}
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, q Queues, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		queues:    q,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.config.Addr)
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	s.logger.Info("shutting down http server")
	return httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)
		r.Get("/scheduler", s.handleScheduler)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Get("/{name}", s.handleGetJob)
		})

		r.Route("/queues", func(r chi.Router) {
			r.Get("/", s.handleListQueues)
			r.Get("/{queue}", s.handleGetQueue)
		})

		r.Route("/agents", func(r chi.Router) {
			r.Use(s.requireCluster)
			r.Get("/", s.handleListAgents)
			r.Post("/", s.handleRegisterAgent)
			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", s.handleDeregisterAgent)
				r.Put("/heartbeat", s.handleAgentHeartbeat)
				r.Get("/tasks", s.handleAgentTasks)
				r.Put("/tasks/{tid}/status", s.handleTaskStatus)
			})
		})
	})
}
