// Package jobconfig owns job definitions: the store-backed repository the
// scheduler reads from, and the file loader and watcher that feed it.
package jobconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/me/shardsched/internal/store"
	"github.com/me/shardsched/pkg/model"
)

// Root is the store path under which job definitions live.
const Root = "config/job"

// Key returns the store key of a job definition.
func Key(name string) string {
	return store.Join(Root, name)
}

// Repository reads and writes job definitions as JSON nodes.
type Repository struct {
	store  store.Store
	logger *slog.Logger
}

// NewRepository creates a Repository on st.
func NewRepository(st store.Store, logger *slog.Logger) *Repository {
	return &Repository{store: st, logger: logger.With("component", "jobconfig")}
}

// Get returns the named job, or nil if it is not defined.
func (r *Repository) Get(ctx context.Context, name string) (*model.JobDefinition, error) {
	raw, ok, err := r.store.Get(ctx, Key(name))
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", name, err)
	}
	if !ok {
		return nil, nil
	}
	return Decode(raw)
}

// List returns every defined job sorted by name.
func (r *Repository) List(ctx context.Context) ([]*model.JobDefinition, error) {
	names, err := r.store.Children(ctx, Root)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs := make([]*model.JobDefinition, 0, len(names))
	for _, name := range names {
		job, err := r.Get(ctx, name)
		if err != nil {
			r.logger.Warn("skip unreadable job", "job", name, "error", err)
			continue
		}
		if job != nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// Put validates and stores job, replacing any previous definition.
func (r *Repository) Put(ctx context.Context, job *model.JobDefinition) error {
	if err := job.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.Name, err)
	}
	r.logger.Debug("put job", "job", job.Name)
	return r.store.Put(ctx, Key(job.Name), string(data))
}

// Delete removes the job definition. Deleting an absent job is a no-op.
func (r *Repository) Delete(ctx context.Context, name string) error {
	r.logger.Debug("delete job", "job", name)
	return r.store.Delete(ctx, Key(name))
}

// Decode parses a stored job definition.
func Decode(raw string) (*model.JobDefinition, error) {
	var job model.JobDefinition
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}
