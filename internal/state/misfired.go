package state

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/me/shardsched/internal/store"
	"github.com/me/shardsched/pkg/model"
)

// Misfired is the set of jobs whose fire was missed while a previous run
// was still in progress. Entries at state/misfired/{job} are empty.
type Misfired struct {
	store   store.Store
	jobs    JobLoader
	running *Running
	cap     capacity
	logger  *slog.Logger
}

// NewMisfired creates the misfired queue. maxSize caps the number of queued jobs.
func NewMisfired(st store.Store, jobs JobLoader, running *Running, maxSize int, logger *slog.Logger) *Misfired {
	logger = logger.With("component", "misfired")
	return &Misfired{
		store:   st,
		jobs:    jobs,
		running: running,
		cap:     capacity{store: st, root: MisfiredRoot, max: maxSize, logger: logger},
		logger:  logger,
	}
}

func misfiredKey(job string) string {
	return store.Join(MisfiredRoot, job)
}

// Add marks a job misfired. DAEMON and unknown jobs are ignored.
func (q *Misfired) Add(ctx context.Context, name string) error {
	if full, err := q.cap.full(ctx); err != nil || full {
		return err
	}
	job, err := q.jobs.Get(ctx, name)
	if err != nil {
		return err
	}
	if job == nil || job.IsDaemon() {
		return nil
	}
	key := misfiredKey(name)
	if err := ignoreConflict(q.store.Txn(ctx, store.CheckAbsentOp(key), store.PutOp(key, ""))); err != nil {
		return fmt.Errorf("add misfired %s: %w", name, err)
	}
	return nil
}

// EligibleJobContexts returns a MISFIRED context for each marked job that
// is neither excluded nor running. Entries for deleted jobs are removed.
func (q *Misfired) EligibleJobContexts(ctx context.Context, excluded map[string]bool) ([]model.JobContext, error) {
	names, err := q.store.Children(ctx, MisfiredRoot)
	if err != nil {
		return nil, fmt.Errorf("list misfired: %w", err)
	}
	var out []model.JobContext
	for _, name := range names {
		if excluded[name] {
			continue
		}
		job, err := eligibleJob(ctx, q.jobs, q.running, q.store, misfiredKey(name), name, q.logger)
		if err != nil {
			return nil, err
		}
		if job != nil {
			out = append(out, model.NewJobContext(job, model.ReasonMisfired))
		}
	}
	return out, nil
}

// Remove clears the marks of the named jobs.
func (q *Misfired) Remove(ctx context.Context, names []string) error {
	names = dedupe(names)
	ops := make([]store.Op, 0, len(names))
	for _, name := range names {
		ops = append(ops, store.DeleteOp(misfiredKey(name)))
	}
	if err := q.store.Txn(ctx, ops...); err != nil {
		return fmt.Errorf("remove misfired: %w", err)
	}
	return nil
}

// List returns the marked job names in order.
func (q *Misfired) List(ctx context.Context) ([]string, error) {
	return q.store.Children(ctx, MisfiredRoot)
}
