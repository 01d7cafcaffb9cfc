package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/shardsched/internal/cluster"
	"github.com/me/shardsched/internal/config"
	"github.com/me/shardsched/internal/executor"
	"github.com/me/shardsched/internal/producer"
	"github.com/me/shardsched/internal/resource"
	"github.com/me/shardsched/internal/server"
	"github.com/me/shardsched/pkg/model"
)

type noQueues struct{}

func (noQueues) Snapshot(context.Context) (model.QueueSnapshot, error) { return model.QueueSnapshot{}, nil }
func (noQueues) Jobs(context.Context) ([]*model.JobDefinition, error)  { return nil, nil }
func (noQueues) LoadJob(context.Context, string) (*model.JobDefinition, error) {
	return nil, nil
}
func (noQueues) Schedules() []producer.Entry { return nil }

// recorder captures what the cluster forwards to the scheduler.
type recorder struct {
	mu       sync.Mutex
	offers   []resource.Offer
	statuses []resource.TaskStatus
	lost     []string
}

func (r *recorder) Registered(context.Context, string, string) {}
func (r *recorder) Reregistered(context.Context, string)       {}
func (r *recorder) ResourceOffers(_ context.Context, o []resource.Offer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offers = append(r.offers, o...)
}
func (r *recorder) OfferRescinded(context.Context, string) {}
func (r *recorder) StatusUpdate(_ context.Context, s resource.TaskStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}
func (r *recorder) FrameworkMessage(context.Context, string, string, []byte) {}
func (r *recorder) Disconnected(context.Context)                             {}
func (r *recorder) SlaveLost(_ context.Context, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lost = append(r.lost, id)
}
func (r *recorder) ExecutorLost(context.Context, string, string, int) {}
func (r *recorder) Error(context.Context, string)                     {}

func (r *recorder) states(taskID string) []model.TaskState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.TaskState
	for _, s := range r.statuses {
		if s.TaskID == taskID {
			out = append(out, s.State)
		}
	}
	return out
}

type fakeRunner struct {
	result executor.Result
	err    error
}

func (f fakeRunner) Run(context.Context, resource.TaskInfo) (executor.Result, error) {
	return f.result, f.err
}

type harness struct {
	mgr   *cluster.Manager
	rec   *recorder
	agent *Agent
	stop  func()
}

func start(t *testing.T, runner executor.Runner) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := cluster.New(cluster.DefaultConfig(), logger)
	rec := &recorder{}
	mgr.SetScheduler(rec)
	srv := server.New(config.DefaultConfig().Server, noQueues{}, logger, server.WithCluster(mgr))
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	a := New(Config{ServerURL: ts.URL, Hostname: "node1", CPU: 2, MemoryMB: 1024, Poll: 10 * time.Millisecond}, runner, logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return len(mgr.Agents()) == 1 }, 2*time.Second, 10*time.Millisecond)
	h := &harness{mgr: mgr, rec: rec, agent: a}
	h.stop = func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("agent did not stop")
		}
	}
	return h
}

func (h *harness) launch(t *testing.T, taskID string) {
	t.Helper()
	ctx := context.Background()
	h.mgr.Tick(ctx)
	h.rec.mu.Lock()
	require.NotEmpty(t, h.rec.offers)
	offer := h.rec.offers[len(h.rec.offers)-1]
	h.rec.mu.Unlock()
	require.NoError(t, h.mgr.LaunchTasks(ctx, []string{offer.ID},
		[]resource.TaskInfo{{TaskID: taskID, AgentID: offer.AgentID, CPU: 1, MemoryMB: 128, Command: "true"}}))
}

func TestAgent_RunsTaskAndReports(t *testing.T) {
	h := start(t, fakeRunner{})
	taskID := "j@-@0@-@READY@-@" + h.agent.ID() + "@-@1"
	h.launch(t, taskID)

	require.Eventually(t, func() bool { return len(h.rec.states(taskID)) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []model.TaskState{model.TaskRunning, model.TaskFinished}, h.rec.states(taskID))

	h.stop()
	assert.Empty(t, h.mgr.Agents(), "agent deregisters on shutdown")
}

func TestAgent_ReportsFailure(t *testing.T) {
	h := start(t, fakeRunner{result: executor.Result{ExitCode: 2, Stderr: "boom"}})
	defer h.stop()
	taskID := "j@-@1@-@FAILOVER@-@" + h.agent.ID() + "@-@2"
	h.launch(t, taskID)

	require.Eventually(t, func() bool { return len(h.rec.states(taskID)) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.TaskFailed, h.rec.states(taskID)[1])

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	assert.Contains(t, h.rec.statuses[len(h.rec.statuses)-1].Message, "exit code 2: boom")
}

func TestAgent_ReportsRunnerError(t *testing.T) {
	h := start(t, fakeRunner{err: errors.New("no shell")})
	defer h.stop()
	taskID := "j@-@2@-@READY@-@" + h.agent.ID() + "@-@3"
	h.launch(t, taskID)

	require.Eventually(t, func() bool { return len(h.rec.states(taskID)) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.TaskError, h.rec.states(taskID)[1])
}

func TestAgent_ReregistersWhenForgotten(t *testing.T) {
	h := start(t, fakeRunner{})
	defer h.stop()
	first := h.agent.ID()

	require.NoError(t, h.mgr.DeregisterAgent(context.Background(), first))

	require.Eventually(t, func() bool {
		id := h.agent.ID()
		return id != first && h.mgr.Agent(id) != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(&StatusError{Code: 404}))
	assert.False(t, IsNotFound(&StatusError{Code: 500}))
	assert.False(t, IsNotFound(errors.New("x")))
}

func TestTail(t *testing.T) {
	assert.Equal(t, "cdef", tail("  abcdef\n", 4))
	assert.Equal(t, "ab", tail("ab", 10))
}
