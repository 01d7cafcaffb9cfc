package facade

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/me/shardsched/internal/jobconfig"
	"github.com/me/shardsched/internal/producer"
	"github.com/me/shardsched/internal/state"
	"github.com/me/shardsched/internal/store"
	"github.com/me/shardsched/pkg/model"
)

// JobChangeType classifies a job definition change.
type JobChangeType string

const (
	JobPut     JobChangeType = "PUT"
	JobDeleted JobChangeType = "DELETED"
)

// JobChange is a typed job definition event.
type JobChange struct {
	Type JobChangeType
	Name string
	Job  *model.JobDefinition // nil for JobDeleted
}

// Listener applies job definition changes to the ready queue and the cron
// producer from a single goroutine.
type Listener struct {
	store    store.Store
	jobs     *jobconfig.Repository
	ready    *state.Ready
	producer *producer.Producer
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// applied is signalled after each change; tests wait on it.
	applied chan JobChange
}

// NewListener creates a Listener. Start arms it.
func NewListener(st store.Store, jobs *jobconfig.Repository, ready *state.Ready, prod *producer.Producer, logger *slog.Logger) *Listener {
	return &Listener{
		store:    st,
		jobs:     jobs,
		ready:    ready,
		producer: prod,
		logger:   logger.With("component", "joblistener"),
	}
}

// Start subscribes to job changes, applies every existing job once and
// then follows the change stream. It is a no-op when already armed.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	events, unwatch := l.store.Watch(jobconfig.Root)

	jobs, err := l.jobs.List(runCtx)
	if err != nil {
		unwatch()
		cancel()
		return err
	}
	for _, job := range jobs {
		l.apply(runCtx, JobChange{Type: JobPut, Name: job.Name, Job: job})
	}

	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(runCtx, events, unwatch, l.done)
	l.logger.Info("job listener armed", "jobs", len(jobs))
	return nil
}

// Stop disarms the listener and waits for its goroutine to exit.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *Listener) run(ctx context.Context, events <-chan store.Event, unwatch func(), done chan struct{}) {
	defer close(done)
	defer unwatch()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			change, ok := l.decode(ev)
			if !ok {
				continue
			}
			l.apply(ctx, change)
		}
	}
}

func (l *Listener) decode(ev store.Event) (JobChange, bool) {
	name := strings.TrimPrefix(ev.Key, jobconfig.Root+"/")
	if name == ev.Key || name == "" || strings.Contains(name, "/") {
		return JobChange{}, false
	}
	if ev.Type == store.EventDelete {
		return JobChange{Type: JobDeleted, Name: name}, true
	}
	job, err := jobconfig.Decode(ev.Value)
	if err != nil {
		l.logger.Warn("ignoring undecodable job change", "job", name, "error", err)
		return JobChange{}, false
	}
	return JobChange{Type: JobPut, Name: name, Job: job}, true
}

func (l *Listener) apply(ctx context.Context, change JobChange) {
	switch change.Type {
	case JobDeleted:
		l.producer.Deregister(change.Name)
		l.logger.Info("job removed", "job", change.Name)

	case JobPut:
		job := change.Job
		switch job.ExecutionType {
		case model.ExecutionDaemon:
			l.producer.Deregister(job.Name)
			if err := l.ready.AddDaemon(ctx, job.Name); err != nil {
				l.logger.Error("arm daemon job", "job", job.Name, "error", err)
			}
		case model.ExecutionTransient:
			if err := l.producer.Register(job); err != nil {
				l.logger.Error("register cron", "job", job.Name, "error", err)
			}
		}
		if !job.Misfire {
			if err := l.ready.SetMisfireDisabled(ctx, job.Name); err != nil {
				l.logger.Error("collapse ready counter", "job", job.Name, "error", err)
			}
		}
	}

	if l.applied != nil {
		l.applied <- change
	}
}
