package state

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/me/shardsched/internal/store"
	"github.com/me/shardsched/pkg/model"
)

// Failover holds shards that must be relaunched after a failure, one empty
// node per shard at state/failover/{job}/{job}@-@{shard}.
type Failover struct {
	store   store.Store
	jobs    JobLoader
	running *Running
	cap     capacity
	logger  *slog.Logger
}

// NewFailover creates the failover queue. maxSize caps the number of jobs
// with pending failover shards.
func NewFailover(st store.Store, jobs JobLoader, running *Running, maxSize int, logger *slog.Logger) *Failover {
	logger = logger.With("component", "failover")
	return &Failover{
		store:   st,
		jobs:    jobs,
		running: running,
		cap:     capacity{store: st, root: FailoverRoot, max: maxSize, logger: logger},
		logger:  logger,
	}
}

func failoverJobKey(job string) string {
	return store.Join(FailoverRoot, job)
}

func failoverKey(k model.TaskKey) string {
	return store.Join(FailoverRoot, k.JobName, k.String())
}

// Add queues the shard for relaunch. It is a no-op if the shard is already
// queued or is currently running.
func (q *Failover) Add(ctx context.Context, k model.TaskKey) error {
	key := failoverKey(k)
	exists, err := q.store.Exists(ctx, key)
	if err != nil || exists {
		return err
	}
	if full, err := q.cap.full(ctx); err != nil || full {
		return err
	}
	busy, err := q.running.IsShardRunning(ctx, k)
	if err != nil {
		return err
	}
	if busy {
		q.logger.Debug("shard still running, skipping failover", "task", k.String())
		return nil
	}
	if err := ignoreConflict(q.store.Txn(ctx, store.CheckAbsentOp(key), store.PutOp(key, ""))); err != nil {
		return fmt.Errorf("add failover %s: %w", k, err)
	}
	q.logger.Info("failover recorded", "task", k.String())
	return nil
}

// EligibleJobContexts groups the queued shards of each job into one
// FAILOVER context. Entries for deleted jobs, malformed keys and shards
// beyond the job's shard count are removed.
func (q *Failover) EligibleJobContexts(ctx context.Context) ([]model.JobContext, error) {
	names, err := q.store.Children(ctx, FailoverRoot)
	if err != nil {
		return nil, fmt.Errorf("list failover: %w", err)
	}
	var out []model.JobContext
	for _, name := range names {
		jobKey := failoverJobKey(name)
		job, err := q.jobs.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		if job == nil {
			q.logger.Warn("removing orphaned failover entries", "job", name)
			if err := q.store.Delete(ctx, jobKey); err != nil {
				return nil, fmt.Errorf("delete orphan %s: %w", jobKey, err)
			}
			continue
		}

		shards, err := q.shards(ctx, job)
		if err != nil {
			return nil, err
		}
		if len(shards) > 0 {
			out = append(out, model.JobContext{Job: *job, Reason: model.ReasonFailover, ShardIndices: shards})
		}
	}
	return out, nil
}

func (q *Failover) shards(ctx context.Context, job *model.JobDefinition) ([]int, error) {
	jobKey := failoverJobKey(job.Name)
	children, err := q.store.Children(ctx, jobKey)
	if err != nil {
		return nil, err
	}
	var shards []int
	for _, c := range children {
		k, err := model.ParseTaskKey(c)
		if err == nil && k.JobName == job.Name && k.ShardIndex < job.ShardCount {
			shards = append(shards, k.ShardIndex)
			continue
		}
		q.logger.Warn("removing stale failover entry", "job", job.Name, "key", c)
		if err := q.store.Delete(ctx, store.Join(jobKey, c)); err != nil {
			return nil, err
		}
	}
	sort.Ints(shards)
	return shards, nil
}

// Remove deletes the named shard entries.
func (q *Failover) Remove(ctx context.Context, keys []model.TaskKey) error {
	ops := make([]store.Op, 0, len(keys))
	for _, k := range keys {
		ops = append(ops, store.DeleteOp(failoverKey(k)))
	}
	if err := q.store.Txn(ctx, ops...); err != nil {
		return fmt.Errorf("remove failover: %w", err)
	}
	return nil
}

// List returns the queued shard indices keyed by job name.
func (q *Failover) List(ctx context.Context) (map[string][]int, error) {
	names, err := q.store.Children(ctx, FailoverRoot)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]int, len(names))
	for _, name := range names {
		children, err := q.store.Children(ctx, failoverJobKey(name))
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if k, err := model.ParseTaskKey(c); err == nil {
				out[name] = append(out[name], k.ShardIndex)
			}
		}
		sort.Ints(out[name])
	}
	return out, nil
}
