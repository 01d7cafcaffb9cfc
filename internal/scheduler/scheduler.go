// Package scheduler matches resource offers against eligible shards and
// reacts to task status changes. All callbacks run on one goroutine.
package scheduler

import (
	"context"
	"time"

	"github.com/me/shardsched/pkg/model"
)

// Facade is the queue view the engine works against.
type Facade interface {
	EligibleJobContexts(ctx context.Context) ([]model.JobContext, error)
	ReleaseLaunched(ctx context.Context, tasks []model.TaskContext) error

	AddRunning(ctx context.Context, task model.TaskContext) error
	UpdateRunning(ctx context.Context, task model.TaskContext) error
	RemoveRunning(ctx context.Context, key model.TaskKey) error
	RunningTask(ctx context.Context, key model.TaskKey) (model.TaskContext, bool, error)
	RunningOnAgent(ctx context.Context, agentID string) ([]model.TaskContext, error)

	RecordFailover(ctx context.Context, key model.TaskKey) error
	AddDaemon(ctx context.Context, name string) error
	LoadJob(ctx context.Context, name string) (*model.JobDefinition, error)

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Recorder receives engine activity for metrics.
type Recorder interface {
	OfferAccepted()
	OfferDeclined()
	TaskLaunched(reason model.ExecutionReason)
	StatusUpdate(state model.TaskState)
	FailoverRecorded()
	AgentLost()
	ObservePass(d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) OfferAccepted()                     {}
func (nopRecorder) OfferDeclined()                     {}
func (nopRecorder) TaskLaunched(model.ExecutionReason) {}
func (nopRecorder) StatusUpdate(model.TaskState)       {}
func (nopRecorder) FailoverRecorded()                  {}
func (nopRecorder) AgentLost()                         {}
func (nopRecorder) ObservePass(time.Duration)          {}

// Config holds engine configuration.
type Config struct {
	// Recorder defaults to a no-op.
	Recorder Recorder
	// Sequence issues launch counters. It defaults to one seeded from the
	// wall clock.
	Sequence *model.Sequence
}

// DefaultConfig returns a Config with a no-op recorder and a clock-seeded sequence.
func DefaultConfig() Config {
	return Config{
		Recorder: nopRecorder{},
		Sequence: model.NewSequence(uint64(time.Now().UnixNano())),
	}
}
