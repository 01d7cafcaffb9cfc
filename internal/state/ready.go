package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/me/shardsched/internal/store"
	"github.com/me/shardsched/pkg/model"
)

// Ready holds jobs eligible for a fresh launch. Each entry at
// state/ready/{job} stores the number of fires still owed as decimal text.
type Ready struct {
	store   store.Store
	jobs    JobLoader
	running *Running
	cap     capacity
	logger  *slog.Logger
}

// NewReady creates the ready queue. maxSize caps the number of queued jobs.
func NewReady(st store.Store, jobs JobLoader, running *Running, maxSize int, logger *slog.Logger) *Ready {
	logger = logger.With("component", "ready")
	return &Ready{
		store:   st,
		jobs:    jobs,
		running: running,
		cap:     capacity{store: st, root: ReadyRoot, max: maxSize, logger: logger},
		logger:  logger,
	}
}

func readyKey(job string) string {
	return store.Join(ReadyRoot, job)
}

// AddTransient queues a cron fire of a TRANSIENT job. With misfire enabled
// repeated fires accumulate in the counter; otherwise the counter is reset to 1.
func (q *Ready) AddTransient(ctx context.Context, name string) error {
	if full, err := q.cap.full(ctx); err != nil || full {
		return err
	}
	job, err := q.jobs.Get(ctx, name)
	if err != nil {
		return err
	}
	if job == nil || job.ExecutionType != model.ExecutionTransient {
		return nil
	}

	key := readyKey(name)
	return q.update(ctx, key, func(times int, present bool) int {
		if present && job.Misfire {
			return times + 1
		}
		return 1
	})
}

// AddDaemon arms a DAEMON job once. It is a no-op while any shard of the
// job is running; daemon entries never accumulate.
func (q *Ready) AddDaemon(ctx context.Context, name string) error {
	if full, err := q.cap.full(ctx); err != nil || full {
		return err
	}
	job, err := q.jobs.Get(ctx, name)
	if err != nil {
		return err
	}
	if job == nil || job.ExecutionType != model.ExecutionDaemon {
		return nil
	}
	busy, err := q.running.IsJobRunning(ctx, name)
	if err != nil {
		return err
	}
	if busy {
		return nil
	}
	if err := q.store.Put(ctx, readyKey(name), "1"); err != nil {
		return fmt.Errorf("add daemon %s: %w", name, err)
	}
	return nil
}

// SetMisfireDisabled collapses a pending entry's counter to 1.
func (q *Ready) SetMisfireDisabled(ctx context.Context, name string) error {
	key := readyKey(name)
	err := q.store.Txn(ctx, store.CheckExistsOp(key), store.PutOp(key, "1"))
	return ignoreConflict(err)
}

// EligibleJobContexts returns a READY context covering every shard for each
// queued job that is not excluded and not running. Entries for deleted jobs
// are removed.
func (q *Ready) EligibleJobContexts(ctx context.Context, excluded map[string]bool) ([]model.JobContext, error) {
	names, err := q.store.Children(ctx, ReadyRoot)
	if err != nil {
		return nil, fmt.Errorf("list ready: %w", err)
	}
	var out []model.JobContext
	for _, name := range names {
		if excluded[name] {
			continue
		}
		job, err := eligibleJob(ctx, q.jobs, q.running, q.store, readyKey(name), name, q.logger)
		if err != nil {
			return nil, err
		}
		if job != nil {
			out = append(out, model.NewJobContext(job, model.ReasonReady))
		}
	}
	return out, nil
}

// Remove decrements the counter of each named job once, deleting entries
// that reach zero. Repeated names count once.
func (q *Ready) Remove(ctx context.Context, names []string) error {
	names = dedupe(names)
	if len(names) == 0 {
		return nil
	}

	for attempt := 0; ; attempt++ {
		var ops []store.Op
		for _, name := range names {
			key := readyKey(name)
			raw, ok, err := q.store.Get(ctx, key)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			ops = append(ops, store.CheckValueOp(key, raw))
			if n := q.parse(key, raw); n > 1 {
				ops = append(ops, store.PutOp(key, strconv.Itoa(n-1)))
			} else {
				ops = append(ops, store.DeleteOp(key))
			}
		}
		err := q.store.Txn(ctx, ops...)
		if !errors.Is(err, store.ErrTxnConflict) || attempt+1 >= casAttempts {
			if err != nil {
				return fmt.Errorf("remove ready: %w", err)
			}
			return nil
		}
	}
}

// List returns every queued job with its counter.
func (q *Ready) List(ctx context.Context) (map[string]int, error) {
	names, err := q.store.Children(ctx, ReadyRoot)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(names))
	for _, name := range names {
		key := readyKey(name)
		raw, ok, err := q.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[name] = q.parse(key, raw)
		}
	}
	return out, nil
}

// Times returns the counter of one job, or 0 if it is not queued.
func (q *Ready) Times(ctx context.Context, name string) (int, error) {
	key := readyKey(name)
	raw, ok, err := q.store.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	return q.parse(key, raw), nil
}

// update applies fn to the current counter with compare-and-set retries.
func (q *Ready) update(ctx context.Context, key string, fn func(times int, present bool) int) error {
	for attempt := 0; ; attempt++ {
		raw, present, err := q.store.Get(ctx, key)
		if err != nil {
			return err
		}
		times := 0
		if present {
			times = q.parse(key, raw)
		}
		next := fn(times, present)

		guard := store.CheckAbsentOp(key)
		if present {
			guard = store.CheckValueOp(key, raw)
		}
		err = q.store.Txn(ctx, guard, store.PutOp(key, strconv.Itoa(next)))
		if !errors.Is(err, store.ErrTxnConflict) || attempt+1 >= casAttempts {
			if err != nil {
				return fmt.Errorf("update %s: %w", key, err)
			}
			return nil
		}
	}
}

func (q *Ready) parse(key, raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		q.logger.Warn("malformed ready counter, treating as 1", "key", key, "value", raw)
		return 1
	}
	return n
}
