// Package agent is the worker process: it registers with the server,
// heartbeats, polls for launched tasks and runs each one through an
// executor.Runner, reporting state changes back.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/me/shardsched/internal/executor"
	"github.com/me/shardsched/internal/resource"
	"github.com/me/shardsched/pkg/model"
)

// Config holds agent configuration.
type Config struct {
	ServerURL string
	Hostname  string
	CPU       float64
	MemoryMB  float64
	Poll      time.Duration
}

// Agent is the work loop of one node.
type Agent struct {
	client *Client
	runner executor.Runner
	cfg    Config
	logger *slog.Logger

	tasks sync.WaitGroup
}

// New creates an Agent.
func New(cfg Config, runner executor.Runner, logger *slog.Logger) *Agent {
	if cfg.Poll <= 0 {
		cfg.Poll = 2 * time.Second
	}
	return &Agent{
		client: NewClient(cfg.ServerURL),
		runner: runner,
		cfg:    cfg,
		logger: logger.With("component", "agent"),
	}
}

// ID returns the current agent ID.
func (a *Agent) ID() string {
	return a.client.AgentID()
}

// Run registers with the server, then polls for tasks until ctx is
// cancelled. Running tasks are cancelled and reported before deregistering.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return err
	}

	go a.heartbeatLoop(ctx)

	ticker := time.NewTicker(a.cfg.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.tasks.Wait()
			a.logger.Info("shutting down, deregistering")
			deregCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			err := a.client.Deregister(deregCtx)
			cancel()
			if err != nil {
				a.logger.Error("deregister failed", "error", err)
			}
			return nil
		case <-ticker.C:
			if err := a.poll(ctx); err != nil {
				a.logger.Error("poll error", "error", err)
			}
		}
	}
}

func (a *Agent) register(ctx context.Context) error {
	agent, err := a.client.Register(ctx, model.RegisterAgentRequest{
		Hostname: a.cfg.Hostname,
		CPU:      a.cfg.CPU,
		MemoryMB: a.cfg.MemoryMB,
	})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	a.logger.Info("registered with server",
		"agent_id", agent.ID,
		"hostname", agent.Hostname,
		"cpu", agent.CPU,
		"memory_mb", agent.MemoryMB,
	)
	return nil
}

// heartbeatLoop keeps the agent alive. A 404 means the server forgot this
// agent, so it registers again under a new ID.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := a.client.Heartbeat(ctx)
			if err == nil {
				continue
			}
			if IsNotFound(err) {
				a.logger.Warn("server no longer knows this agent, re-registering", "agent_id", a.ID())
				if err := a.register(ctx); err != nil {
					a.logger.Error("re-register failed", "error", err)
				}
				continue
			}
			a.logger.Warn("heartbeat failed", "error", err)
		}
	}
}

// poll fetches new tasks and starts each one in its own goroutine.
func (a *Agent) poll(ctx context.Context) error {
	tasks, err := a.client.PollTasks(ctx)
	if IsNotFound(err) {
		return a.register(ctx)
	}
	if err != nil {
		return err
	}
	for _, task := range tasks {
		a.logger.Info("task received", "task_id", task.TaskID, "name", task.Name)
		a.tasks.Add(1)
		go func(task resource.TaskInfo) {
			defer a.tasks.Done()
			a.execute(ctx, task)
		}(task)
	}
	return nil
}

// execute runs one task and reports RUNNING followed by a terminal state.
func (a *Agent) execute(ctx context.Context, task resource.TaskInfo) {
	a.report(ctx, task.TaskID, model.TaskStatusReport{State: model.TaskRunning})

	res, err := a.runner.Run(ctx, task)
	report := model.TaskStatusReport{State: model.TaskFinished}
	switch {
	case ctx.Err() != nil:
		report = model.TaskStatusReport{State: model.TaskKilled, Message: "agent shutting down"}
	case err != nil:
		report = model.TaskStatusReport{State: model.TaskError, Message: err.Error()}
	case !res.Succeeded():
		report = model.TaskStatusReport{
			State:   model.TaskFailed,
			Message: fmt.Sprintf("exit code %d: %s", res.ExitCode, tail(res.Stderr, 512)),
		}
	}
	a.logger.Info("task done", "task_id", task.TaskID, "state", report.State, "exit_code", res.ExitCode)
	a.report(context.WithoutCancel(ctx), task.TaskID, report)
}

func (a *Agent) report(ctx context.Context, taskID string, report model.TaskStatusReport) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.client.ReportStatus(ctx, taskID, report); err != nil {
		a.logger.Error("report status failed", "task_id", taskID, "state", report.State, "error", err)
	}
}

// tail returns the last n bytes of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}
