package state

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/me/shardsched/internal/store"
	"github.com/me/shardsched/pkg/model"
)

// Running tracks task contexts currently executing, one node per shard
// at state/running/{job}/{job}@-@{shard} holding the full task ID.
type Running struct {
	store  store.Store
	logger *slog.Logger
}

// NewRunning creates a Running registry on st.
func NewRunning(st store.Store, logger *slog.Logger) *Running {
	return &Running{store: st, logger: logger.With("component", "running")}
}

func runningJobKey(job string) string {
	return store.Join(RunningRoot, job)
}

func runningKey(k model.TaskKey) string {
	return store.Join(RunningRoot, k.JobName, k.String())
}

// Add records task as running. Adding a shard that is already present is a no-op.
func (r *Running) Add(ctx context.Context, task model.TaskContext) error {
	key := runningKey(task.Key())
	err := r.store.Txn(ctx, store.CheckAbsentOp(key), store.PutOp(key, task.ID()))
	if err := ignoreConflict(err); err != nil {
		return fmt.Errorf("add running %s: %w", task.ID(), err)
	}
	return nil
}

// Update rewrites the stored context of a shard that is already running,
// for example once the agent binding is known. Absent shards are left alone.
func (r *Running) Update(ctx context.Context, task model.TaskContext) error {
	key := runningKey(task.Key())
	err := r.store.Txn(ctx, store.CheckExistsOp(key), store.PutOp(key, task.ID()))
	if err := ignoreConflict(err); err != nil {
		return fmt.Errorf("update running %s: %w", task.ID(), err)
	}
	return nil
}

// Remove drops the shard. Removing an absent shard is a no-op.
func (r *Running) Remove(ctx context.Context, k model.TaskKey) error {
	if err := r.store.Delete(ctx, runningKey(k)); err != nil {
		return fmt.Errorf("remove running %s: %w", k, err)
	}
	return nil
}

// Get returns the stored context of a running shard.
func (r *Running) Get(ctx context.Context, k model.TaskKey) (model.TaskContext, bool, error) {
	raw, ok, err := r.store.Get(ctx, runningKey(k))
	if err != nil || !ok {
		return model.TaskContext{}, false, err
	}
	tc, err := model.ParseTaskContext(raw)
	if err != nil {
		return model.TaskContext{}, false, fmt.Errorf("decode running %s: %w", k, err)
	}
	return tc, true, nil
}

// IsShardRunning reports whether the shard has a running entry.
func (r *Running) IsShardRunning(ctx context.Context, k model.TaskKey) (bool, error) {
	return r.store.Exists(ctx, runningKey(k))
}

// IsJobRunning reports whether any shard of the job is running.
func (r *Running) IsJobRunning(ctx context.Context, job string) (bool, error) {
	n, err := r.store.NumChildren(ctx, runningJobKey(job))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RunningTasks returns the running contexts of one job ordered by shard.
// Entries whose value cannot be decoded are skipped.
func (r *Running) RunningTasks(ctx context.Context, job string) ([]model.TaskContext, error) {
	keys, err := r.store.Children(ctx, runningJobKey(job))
	if err != nil {
		return nil, err
	}
	var out []model.TaskContext
	for _, k := range keys {
		raw, ok, err := r.store.Get(ctx, store.Join(RunningRoot, job, k))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		tc, err := model.ParseTaskContext(raw)
		if err != nil {
			r.logger.Warn("skip malformed running entry", "job", job, "key", k, "error", err)
			continue
		}
		out = append(out, tc)
	}
	sortTasks(out)
	return out, nil
}

// All returns every running context keyed by job name.
func (r *Running) All(ctx context.Context) (map[string][]model.TaskContext, error) {
	jobs, err := r.store.Children(ctx, RunningRoot)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]model.TaskContext, len(jobs))
	for _, job := range jobs {
		tasks, err := r.RunningTasks(ctx, job)
		if err != nil {
			return nil, err
		}
		if len(tasks) > 0 {
			out[job] = tasks
		}
	}
	return out, nil
}

// OnAgent returns the running contexts bound to agentID.
func (r *Running) OnAgent(ctx context.Context, agentID string) ([]model.TaskContext, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.TaskContext
	for _, tasks := range all {
		for _, tc := range tasks {
			if tc.AgentID == agentID {
				out = append(out, tc)
			}
		}
	}
	sortTasks(out)
	return out, nil
}

// Clear discards every running entry.
func (r *Running) Clear(ctx context.Context) error {
	r.logger.Info("clearing running registry")
	if err := r.store.Delete(ctx, RunningRoot); err != nil {
		return fmt.Errorf("clear running: %w", err)
	}
	return nil
}

func sortTasks(tasks []model.TaskContext) {
	sort.Slice(tasks, func(i, k int) bool {
		if tasks[i].JobName != tasks[k].JobName {
			return tasks[i].JobName < tasks[k].JobName
		}
		return tasks[i].ShardIndex < tasks[k].ShardIndex
	})
}
