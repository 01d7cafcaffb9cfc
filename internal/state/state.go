// Package state holds the durable scheduling queues: the running registry
// and the ready, misfired and failover queues. Every operation is an
// idempotent read-modify-write against the store so it can be re-applied.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/me/shardsched/internal/store"
	"github.com/me/shardsched/pkg/model"
)

// Store roots of the queues.
const (
	RunningRoot  = "state/running"
	ReadyRoot    = "state/ready"
	MisfiredRoot = "state/misfired"
	FailoverRoot = "state/failover"
)

// casAttempts bounds retries of compare-and-set updates that lose a race
// against another writer.
const casAttempts = 5

// JobLoader resolves job definitions. A nil definition means the job no
// longer exists.
type JobLoader interface {
	Get(ctx context.Context, name string) (*model.JobDefinition, error)
}

// capacity enforces the per-root child limit. A max of zero or less
// disables the limit.
type capacity struct {
	store  store.Store
	root   string
	max    int
	logger *slog.Logger
}

func (c capacity) full(ctx context.Context) (bool, error) {
	if c.max <= 0 {
		return false, nil
	}
	n, err := c.store.NumChildren(ctx, c.root)
	if err != nil {
		return false, fmt.Errorf("count %s: %w", c.root, err)
	}
	if n >= c.max {
		c.logger.Warn("queue full, dropping add", "root", c.root, "size", n, "max", c.max)
		return true, nil
	}
	return false, nil
}

// ignoreConflict treats a failed transaction guard as a no-op.
func ignoreConflict(err error) error {
	if errors.Is(err, store.ErrTxnConflict) {
		return nil
	}
	return err
}

// eligibleJob applies the orphan and not-running checks shared by the ready
// and misfired queues. It returns nil when the job should be skipped.
func eligibleJob(ctx context.Context, jobs JobLoader, running *Running, st store.Store, key, name string, logger *slog.Logger) (*model.JobDefinition, error) {
	job, err := jobs.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if job == nil {
		logger.Warn("removing orphaned queue entry", "key", key, "job", name)
		if err := st.Delete(ctx, key); err != nil {
			return nil, fmt.Errorf("delete orphan %s: %w", key, err)
		}
		return nil, nil
	}
	busy, err := running.IsJobRunning(ctx, name)
	if err != nil {
		return nil, err
	}
	if busy {
		return nil, nil
	}
	return job, nil
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
