// Package facade composes the scheduling queues into the single view the
// offer-matching engine works against.
package facade

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/me/shardsched/internal/jobconfig"
	"github.com/me/shardsched/internal/producer"
	"github.com/me/shardsched/internal/state"
	"github.com/me/shardsched/internal/store"
	"github.com/me/shardsched/pkg/model"
)

// Config controls the facade.
type Config struct {
	MaxQueueSize int
	Producer     producer.Config
}

// DefaultConfig returns the default queue cap and producer settings.
func DefaultConfig() Config {
	return Config{MaxQueueSize: 10000, Producer: producer.DefaultConfig()}
}

// Facade owns the running registry, the three queues, the cron producer and
// the job listener. It is the explicit context object passed to the engine.
type Facade struct {
	jobs     *jobconfig.Repository
	running  *state.Running
	ready    *state.Ready
	misfired *state.Misfired
	failover *state.Failover
	producer *producer.Producer
	listener *Listener
	logger   *slog.Logger
}

// New wires the queues on st.
func New(cfg Config, st store.Store, jobs *jobconfig.Repository, logger *slog.Logger) *Facade {
	running := state.NewRunning(st, logger)
	ready := state.NewReady(st, jobs, running, cfg.MaxQueueSize, logger)
	misfired := state.NewMisfired(st, jobs, running, cfg.MaxQueueSize, logger)
	failover := state.NewFailover(st, jobs, running, cfg.MaxQueueSize, logger)
	prod := producer.New(cfg.Producer, jobs, ready, misfired, running, logger)

	return &Facade{
		jobs:     jobs,
		running:  running,
		ready:    ready,
		misfired: misfired,
		failover: failover,
		producer: prod,
		listener: NewListener(st, jobs, ready, prod, logger),
		logger:   logger.With("component", "facade"),
	}
}

// EligibleJobContexts returns this pass's work in priority order: failover
// contexts, then misfired contexts for jobs without failover work, then
// ready contexts for jobs claimed by neither.
func (f *Facade) EligibleJobContexts(ctx context.Context) ([]model.JobContext, error) {
	failover, err := f.failover.EligibleJobContexts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failover contexts: %w", err)
	}
	claimed := make(map[string]bool, len(failover))
	for _, jc := range failover {
		claimed[jc.Job.Name] = true
	}

	misfired, err := f.misfired.EligibleJobContexts(ctx, claimed)
	if err != nil {
		return nil, fmt.Errorf("misfired contexts: %w", err)
	}
	for _, jc := range misfired {
		claimed[jc.Job.Name] = true
	}

	ready, err := f.ready.EligibleJobContexts(ctx, claimed)
	if err != nil {
		return nil, fmt.Errorf("ready contexts: %w", err)
	}

	out := make([]model.JobContext, 0, len(failover)+len(misfired)+len(ready))
	out = append(out, failover...)
	out = append(out, misfired...)
	out = append(out, ready...)
	return out, nil
}

// ReleaseLaunched removes launched work from the queue it came from:
// failover tasks by shard, misfired and ready tasks by job name.
func (f *Facade) ReleaseLaunched(ctx context.Context, tasks []model.TaskContext) error {
	var failoverKeys []model.TaskKey
	var misfiredNames, readyNames []string
	for _, t := range tasks {
		switch t.Reason {
		case model.ReasonFailover:
			failoverKeys = append(failoverKeys, t.Key())
		case model.ReasonMisfired:
			misfiredNames = append(misfiredNames, t.JobName)
		case model.ReasonReady:
			readyNames = append(readyNames, t.JobName)
		default:
			f.logger.Warn("launched task has unknown reason", "task_id", t.ID())
		}
	}

	if err := f.failover.Remove(ctx, failoverKeys); err != nil {
		return err
	}
	if err := f.misfired.Remove(ctx, misfiredNames); err != nil {
		return err
	}
	return f.ready.Remove(ctx, readyNames)
}

// Start clears the running registry, arms the job listener and starts the
// producer. Re-arming an armed listener is a no-op.
func (f *Facade) Start(ctx context.Context) error {
	if err := f.running.Clear(ctx); err != nil {
		return err
	}
	if err := f.listener.Start(ctx); err != nil {
		return err
	}
	f.producer.Start()
	return nil
}

// Stop clears the running registry.
func (f *Facade) Stop(ctx context.Context) error {
	return f.running.Clear(ctx)
}

// Close stops the listener and producer for process shutdown.
func (f *Facade) Close(ctx context.Context) {
	f.listener.Stop()
	f.producer.Stop(ctx)
}

// --- Pass-throughs used by the engine ---

func (f *Facade) AddRunning(ctx context.Context, task model.TaskContext) error {
	return f.running.Add(ctx, task)
}

func (f *Facade) UpdateRunning(ctx context.Context, task model.TaskContext) error {
	return f.running.Update(ctx, task)
}

func (f *Facade) RemoveRunning(ctx context.Context, k model.TaskKey) error {
	return f.running.Remove(ctx, k)
}

func (f *Facade) RunningTask(ctx context.Context, k model.TaskKey) (model.TaskContext, bool, error) {
	return f.running.Get(ctx, k)
}

func (f *Facade) RunningOnAgent(ctx context.Context, agentID string) ([]model.TaskContext, error) {
	return f.running.OnAgent(ctx, agentID)
}

// RecordFailover queues the shard for relaunch unless it is still running.
func (f *Facade) RecordFailover(ctx context.Context, k model.TaskKey) error {
	return f.failover.Add(ctx, k)
}

func (f *Facade) AddDaemon(ctx context.Context, name string) error {
	return f.ready.AddDaemon(ctx, name)
}

// LoadJob returns the job definition or nil if it no longer exists.
func (f *Facade) LoadJob(ctx context.Context, name string) (*model.JobDefinition, error) {
	return f.jobs.Get(ctx, name)
}

// --- Read-only views ---

// Snapshot reads every queue for reporting.
func (f *Facade) Snapshot(ctx context.Context) (model.QueueSnapshot, error) {
	var snap model.QueueSnapshot
	var err error
	if snap.Ready, err = f.ready.List(ctx); err != nil {
		return snap, err
	}
	if snap.Misfired, err = f.misfired.List(ctx); err != nil {
		return snap, err
	}
	if snap.Failover, err = f.failover.List(ctx); err != nil {
		return snap, err
	}
	if snap.Running, err = f.running.All(ctx); err != nil {
		return snap, err
	}
	if snap.Misfired == nil {
		snap.Misfired = []string{}
	}
	return snap, nil
}

// Jobs lists every job definition.
func (f *Facade) Jobs(ctx context.Context) ([]*model.JobDefinition, error) {
	return f.jobs.List(ctx)
}

// Schedules lists the producer's cron entries.
func (f *Facade) Schedules() []producer.Entry {
	return f.producer.Entries()
}
