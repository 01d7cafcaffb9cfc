package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/me/shardsched/internal/cluster"
	"github.com/me/shardsched/internal/config"
	"github.com/me/shardsched/internal/facade"
	"github.com/me/shardsched/internal/jobconfig"
	"github.com/me/shardsched/internal/metrics"
	"github.com/me/shardsched/internal/resource"
	"github.com/me/shardsched/internal/store"
	"github.com/me/shardsched/pkg/model"
)

type fixture struct {
	srv     *Server
	facade  *facade.Facade
	jobs    *jobconfig.Repository
	cluster *cluster.Manager
	sched   *statusRecorder
}

// statusRecorder stands in for the engine.
type statusRecorder struct {
	offers   []resource.Offer
	statuses []resource.TaskStatus
	lost     []string
}

func (s *statusRecorder) State() model.SchedulerState { return model.SchedulerIdle }
func (s *statusRecorder) FrameworkID() string         { return "fw-test" }

func (s *statusRecorder) Registered(context.Context, string, string)          {}
func (s *statusRecorder) Reregistered(context.Context, string)                {}
func (s *statusRecorder) OfferRescinded(context.Context, string)              {}
func (s *statusRecorder) FrameworkMessage(context.Context, string, string, []byte) {}
func (s *statusRecorder) Disconnected(context.Context)                        {}
func (s *statusRecorder) ExecutorLost(context.Context, string, string, int)   {}
func (s *statusRecorder) Error(context.Context, string)                       {}
func (s *statusRecorder) StatusUpdate(_ context.Context, st resource.TaskStatus) {
	s.statuses = append(s.statuses, st)
}
func (s *statusRecorder) ResourceOffers(_ context.Context, o []resource.Offer) {
	s.offers = append(s.offers, o...)
}
func (s *statusRecorder) SlaveLost(_ context.Context, id string) { s.lost = append(s.lost, id) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	jobs := jobconfig.NewRepository(st, logger)
	f := facade.New(facade.DefaultConfig(), st, jobs, logger)
	t.Cleanup(func() {
		f.Close(context.Background())
		st.Close()
	})

	sched := &statusRecorder{}
	mgr := cluster.New(cluster.DefaultConfig(), logger)
	mgr.SetScheduler(sched)

	reg := prometheus.NewRegistry()
	metrics.NewCollector(reg)

	srv := New(config.DefaultConfig().Server, f, logger,
		WithScheduler(sched),
		WithCluster(mgr),
		WithMetrics(metrics.Handler(reg)),
	)
	return &fixture{srv: srv, facade: f, jobs: jobs, cluster: mgr, sched: sched}
}

// envelope is used to decode the standard response envelope.
type envelope struct {
	Status    string          `json:"status"`
	RequestID string          `json:"request_id"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Error     *model.APIError `json:"error"`
}

func do(t *testing.T, srv *Server, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	var env envelope
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("%s %s: invalid JSON: %v", method, path, err)
		}
	}
	return w, env
}

func doGet(t *testing.T, srv *Server, path string) envelope {
	t.Helper()
	w, env := do(t, srv, http.MethodGet, path, "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET %s: status=%d, want 200, body=%s", path, w.Code, w.Body.String())
	}
	return env
}

func TestDiscovery(t *testing.T) {
	fx := newFixture(t)
	env := doGet(t, fx.srv, "/api/v1/")
	if env.Status != "ok" {
		t.Errorf("status = %q, want ok", env.Status)
	}
	if !strings.HasPrefix(env.RequestID, "req_") {
		t.Errorf("request_id = %q, want req_ prefix", env.RequestID)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	fx := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "trace-123")
	w := httptest.NewRecorder()
	fx.srv.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "trace-123" {
		t.Errorf("X-Request-ID = %q, want trace-123", got)
	}
}

func TestHealth(t *testing.T) {
	fx := newFixture(t)
	env := doGet(t, fx.srv, "/api/v1/health")

	var data healthResponse
	json.Unmarshal(env.Data, &data)
	if data.Status != "healthy" {
		t.Errorf("status = %q, want healthy", data.Status)
	}
	if data.Scheduler != "IDLE" {
		t.Errorf("scheduler = %q, want IDLE", data.Scheduler)
	}
}

func TestScheduler(t *testing.T) {
	fx := newFixture(t)
	env := doGet(t, fx.srv, "/api/v1/scheduler")

	var data schedulerResponse
	json.Unmarshal(env.Data, &data)
	if data.FrameworkID != "fw-test" {
		t.Errorf("framework_id = %q, want fw-test", data.FrameworkID)
	}
	if data.Schedules == nil {
		t.Error("schedules should encode as an empty list")
	}
}

func sampleJob(name string) *model.JobDefinition {
	return &model.JobDefinition{
		Name:          name,
		AppName:       "app",
		CPU:           1,
		MemoryMB:      128,
		ExecutionType: model.ExecutionTransient,
		ShardCount:    3,
		Cron:          "0 0 0 1 1 ?",
		Failover:      true,
	}
}

func TestJobs(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	if err := fx.jobs.Put(ctx, sampleJob("billing")); err != nil {
		t.Fatalf("put job: %v", err)
	}

	env := doGet(t, fx.srv, "/api/v1/jobs")
	var jobs []model.JobDefinition
	json.Unmarshal(env.Data, &jobs)
	if len(jobs) != 1 || jobs[0].Name != "billing" {
		t.Fatalf("jobs = %+v, want [billing]", jobs)
	}

	env = doGet(t, fx.srv, "/api/v1/jobs/billing")
	var job model.JobDefinition
	json.Unmarshal(env.Data, &job)
	if job.ShardCount != 3 {
		t.Errorf("shard_count = %d, want 3", job.ShardCount)
	}

	w, env := do(t, fx.srv, http.MethodGet, "/api/v1/jobs/missing", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if env.Error == nil || env.Error.Code != model.ErrNotFound {
		t.Errorf("error = %+v, want NOT_FOUND", env.Error)
	}
}

func TestQueues(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	if err := fx.jobs.Put(ctx, sampleJob("billing")); err != nil {
		t.Fatalf("put job: %v", err)
	}
	if err := fx.facade.RecordFailover(ctx, model.TaskKey{JobName: "billing", ShardIndex: 2}); err != nil {
		t.Fatalf("record failover: %v", err)
	}
	if err := fx.facade.AddRunning(ctx, model.TaskContext{JobName: "billing", ShardIndex: 0, Reason: model.ReasonReady, AgentID: "a1", Seq: 9}); err != nil {
		t.Fatalf("add running: %v", err)
	}

	env := doGet(t, fx.srv, "/api/v1/queues")
	var snap model.QueueSnapshot
	json.Unmarshal(env.Data, &snap)
	if got := snap.Failover["billing"]; len(got) != 1 || got[0] != 2 {
		t.Errorf("failover = %v, want [2]", got)
	}
	if got := snap.Running["billing"]; len(got) != 1 || got[0].AgentID != "a1" {
		t.Errorf("running = %+v, want one task on a1", got)
	}
	if snap.Ready == nil || snap.Misfired == nil {
		t.Error("empty queues should encode as {} and []")
	}

	env = doGet(t, fx.srv, "/api/v1/queues/failover")
	var failover map[string][]int
	json.Unmarshal(env.Data, &failover)
	if len(failover["billing"]) != 1 {
		t.Errorf("failover = %v", failover)
	}

	w, _ := do(t, fx.srv, http.MethodGet, "/api/v1/queues/bogus", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func registerAgent(t *testing.T, fx *fixture) string {
	t.Helper()
	w, env := do(t, fx.srv, http.MethodPost, "/api/v1/agents", `{"hostname":"node1","cpu":4,"memory_mb":4096}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("register agent: status=%d, body=%s", w.Code, w.Body.String())
	}
	var agent model.Agent
	json.Unmarshal(env.Data, &agent)
	if !strings.HasPrefix(agent.ID, "agt_") {
		t.Fatalf("agent id = %q, want agt_ prefix", agent.ID)
	}
	return agent.ID
}

func TestRegisterAgent_Validation(t *testing.T) {
	fx := newFixture(t)

	w, _ := do(t, fx.srv, http.MethodPost, "/api/v1/agents", `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad json: status = %d, want 400", w.Code)
	}
	w, _ = do(t, fx.srv, http.MethodPost, "/api/v1/agents", `{"cpu":1,"memory_mb":1}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing hostname: status = %d, want 400", w.Code)
	}
	w, env := do(t, fx.srv, http.MethodPost, "/api/v1/agents", `{"hostname":"h"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("no resources: status = %d, want 400", w.Code)
	}
	if env.Error == nil || env.Error.Code != model.ErrValidation {
		t.Errorf("error = %+v, want VALIDATION_ERROR", env.Error)
	}
}

func TestAgentLifecycle(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	id := registerAgent(t, fx)

	w, _ := do(t, fx.srv, http.MethodPut, "/api/v1/agents/"+id+"/heartbeat", "")
	if w.Code != http.StatusOK {
		t.Fatalf("heartbeat: status = %d", w.Code)
	}

	env := doGet(t, fx.srv, "/api/v1/agents/"+id+"/tasks")
	var tasks []resource.TaskInfo
	json.Unmarshal(env.Data, &tasks)
	if len(tasks) != 0 {
		t.Fatalf("tasks = %v, want none", tasks)
	}

	// Launch one task through the driver side and let the agent pick it up.
	fx.cluster.Tick(ctx)
	if len(fx.sched.offers) != 1 {
		t.Fatalf("offers = %d, want 1", len(fx.sched.offers))
	}
	taskID := "billing@-@0@-@READY@-@" + id + "@-@5"
	task := resource.TaskInfo{TaskID: taskID, AgentID: id, CPU: 1, MemoryMB: 128}
	if err := fx.cluster.LaunchTasks(ctx, []string{fx.sched.offers[0].ID}, []resource.TaskInfo{task}); err != nil {
		t.Fatalf("launch: %v", err)
	}

	env = doGet(t, fx.srv, "/api/v1/agents/"+id+"/tasks")
	json.Unmarshal(env.Data, &tasks)
	if len(tasks) != 1 || tasks[0].TaskID != taskID {
		t.Fatalf("tasks = %+v, want %s", tasks, taskID)
	}

	w, _ = do(t, fx.srv, http.MethodPut, "/api/v1/agents/"+id+"/tasks/"+taskID+"/status", `{"state":"RUNNING"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status report: %d %s", w.Code, w.Body.String())
	}
	if len(fx.sched.statuses) != 1 || fx.sched.statuses[0].State != model.TaskRunning {
		t.Fatalf("statuses = %+v, want one TASK_RUNNING", fx.sched.statuses)
	}

	w, _ = do(t, fx.srv, http.MethodPut, "/api/v1/agents/"+id+"/tasks/"+taskID+"/status", `{"state":"EXPLODED"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad state: status = %d, want 400", w.Code)
	}
	w, _ = do(t, fx.srv, http.MethodPut, "/api/v1/agents/"+id+"/tasks/nonsense/status", `{"state":"TASK_FINISHED"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad task id: status = %d, want 400", w.Code)
	}

	w, _ = do(t, fx.srv, http.MethodDelete, "/api/v1/agents/"+id, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("deregister: status = %d", w.Code)
	}
	if len(fx.sched.lost) != 1 || fx.sched.lost[0] != id {
		t.Errorf("lost = %v, want [%s]", fx.sched.lost, id)
	}

	w, _ = do(t, fx.srv, http.MethodPut, "/api/v1/agents/"+id+"/heartbeat", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("heartbeat after deregister: status = %d, want 404", w.Code)
	}
	w, _ = do(t, fx.srv, http.MethodGet, "/api/v1/agents/"+id+"/tasks", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("poll after deregister: status = %d, want 404", w.Code)
	}
}

func TestAgentsWithoutCluster(t *testing.T) {
	fx := newFixture(t)
	srv := New(config.DefaultConfig().Server, fx.facade, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	w, _ := do(t, srv, http.MethodGet, "/api/v1/agents", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	fx := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	fx.srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "shardsched_agents_lost_total") {
		t.Errorf("metrics output missing shardsched counters")
	}
}
