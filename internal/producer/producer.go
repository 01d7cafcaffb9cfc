// Package producer turns cron ticks of TRANSIENT jobs into queue entries.
package producer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/me/shardsched/pkg/model"
)

// Parser accepts an optional leading seconds field, "?" in the day fields
// and descriptors such as "@hourly".
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateCron reports whether spec parses.
func ValidateCron(spec string) error {
	if _, err := Parser.Parse(spec); err != nil {
		return fmt.Errorf("cron %q: %w", spec, err)
	}
	return nil
}

// JobLoader resolves job definitions.
type JobLoader interface {
	Get(ctx context.Context, name string) (*model.JobDefinition, error)
}

// ReadyQueue receives fires of idle jobs.
type ReadyQueue interface {
	AddTransient(ctx context.Context, name string) error
}

// MisfiredQueue receives fires of jobs that are still running.
type MisfiredQueue interface {
	Add(ctx context.Context, name string) error
}

// RunningRegistry answers whether a job is occupied.
type RunningRegistry interface {
	IsJobRunning(ctx context.Context, name string) (bool, error)
}

// Config controls the producer.
type Config struct {
	Location    *time.Location
	FireTimeout time.Duration
}

// DefaultConfig returns a Config using UTC.
func DefaultConfig() Config {
	return Config{Location: time.UTC, FireTimeout: 10 * time.Second}
}

// Entry describes one registered schedule.
type Entry struct {
	Job  string    `json:"job"`
	Spec string    `json:"cron"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

type entry struct {
	spec string
	id   cron.EntryID
}

// Producer owns one cron schedule per TRANSIENT job.
type Producer struct {
	cfg      Config
	jobs     JobLoader
	ready    ReadyQueue
	misfired MisfiredQueue
	running  RunningRegistry
	logger   *slog.Logger

	mu      sync.Mutex
	c       *cron.Cron
	entries map[string]entry
	started bool
}

// New creates a Producer. Start must be called before schedules fire.
func New(cfg Config, jobs JobLoader, ready ReadyQueue, misfired MisfiredQueue, running RunningRegistry, logger *slog.Logger) *Producer {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.FireTimeout <= 0 {
		cfg.FireTimeout = DefaultConfig().FireTimeout
	}
	return &Producer{
		cfg:      cfg,
		jobs:     jobs,
		ready:    ready,
		misfired: misfired,
		running:  running,
		logger:   logger.With("component", "producer"),
		c:        cron.New(cron.WithParser(Parser), cron.WithLocation(cfg.Location)),
		entries:  make(map[string]entry),
	}
}

// Start begins firing registered schedules. Calling Start twice is a no-op.
func (p *Producer) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.c.Start()
	p.logger.Info("producer started", "schedules", len(p.entries))
}

// Stop halts the cron loop and waits for running fires up to ctx.
func (p *Producer) Stop(ctx context.Context) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	done := p.c.Stop()
	p.mu.Unlock()

	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	p.logger.Info("producer stopped")
}

// Register schedules a TRANSIENT job, replacing a previous schedule whose
// cron expression changed. Other job types are deregistered.
func (p *Producer) Register(job *model.JobDefinition) error {
	if job.ExecutionType != model.ExecutionTransient {
		p.Deregister(job.Name)
		return nil
	}
	sched, err := Parser.Parse(job.Cron)
	if err != nil {
		return fmt.Errorf("job %s: cron %q: %w", job.Name, job.Cron, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.entries[job.Name]; ok {
		if prev.spec == job.Cron {
			return nil
		}
		p.c.Remove(prev.id)
	}

	name := job.Name
	id := p.c.Schedule(sched, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.FireTimeout)
		defer cancel()
		if err := p.Fire(ctx, name); err != nil {
			p.logger.Error("fire failed", "job", name, "error", err)
		}
	}))
	p.entries[name] = entry{spec: job.Cron, id: id}
	p.logger.Debug("schedule registered", "job", name, "cron", job.Cron)
	return nil
}

// Deregister removes the job's schedule if it has one.
func (p *Producer) Deregister(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.entries[name]; ok {
		p.c.Remove(prev.id)
		delete(p.entries, name)
		p.logger.Debug("schedule removed", "job", name)
	}
}

// Fire handles one cron tick of the named job. A job that is still running
// is recorded as misfired when misfire is enabled and skipped otherwise;
// an idle job is queued as ready.
func (p *Producer) Fire(ctx context.Context, name string) error {
	job, err := p.jobs.Get(ctx, name)
	if err != nil {
		return err
	}
	if job == nil {
		p.Deregister(name)
		return nil
	}

	busy, err := p.running.IsJobRunning(ctx, name)
	if err != nil {
		return err
	}
	switch {
	case busy && job.Misfire:
		p.logger.Info("job still running, recording misfire", "job", name)
		return p.misfired.Add(ctx, name)
	case busy:
		p.logger.Info("job still running, skipping fire", "job", name)
		return nil
	default:
		return p.ready.AddTransient(ctx, name)
	}
}

// Entries returns the registered schedules sorted by job name.
func (p *Producer) Entries() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Entry, 0, len(p.entries))
	for name, e := range p.entries {
		ce := p.c.Entry(e.id)
		out = append(out, Entry{Job: name, Spec: e.spec, Next: ce.Next, Prev: ce.Prev})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Job < out[k].Job })
	return out
}
