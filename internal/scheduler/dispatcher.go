package scheduler

import (
	"context"
	"log/slog"

	"github.com/me/shardsched/internal/resource"
)

// event is one deferred callback.
type event struct {
	name string
	fn   func(ctx context.Context)
}

// Dispatcher serializes resource manager callbacks onto a single goroutine.
// Callers enqueue and return; Run delivers events to the wrapped scheduler
// in arrival order.
type Dispatcher struct {
	target resource.Scheduler
	events chan event
	done   chan struct{}
	logger *slog.Logger
}

var _ resource.Scheduler = (*Dispatcher)(nil)

// NewDispatcher wraps target with a queue of the given depth.
func NewDispatcher(target resource.Scheduler, depth int, logger *slog.Logger) *Dispatcher {
	if depth <= 0 {
		depth = 256
	}
	return &Dispatcher{
		target: target,
		events: make(chan event, depth),
		done:   make(chan struct{}),
		logger: logger.With("component", "dispatcher"),
	}
}

// Run delivers events until ctx is cancelled. Pending events are dropped.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	d.logger.Info("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped", "pending", len(d.events))
			return
		case ev := <-d.events:
			d.logger.Debug("dispatch", "event", ev.name)
			ev.fn(ctx)
		}
	}
}

// Done is closed when Run returns.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) enqueue(ctx context.Context, name string, fn func(context.Context)) {
	select {
	case d.events <- event{name: name, fn: fn}:
	case <-ctx.Done():
		d.logger.Warn("event dropped", "event", name, "error", ctx.Err())
	case <-d.done:
		d.logger.Warn("event dropped after shutdown", "event", name)
	}
}

func (d *Dispatcher) Registered(ctx context.Context, frameworkID, master string) {
	d.enqueue(ctx, "registered", func(ctx context.Context) { d.target.Registered(ctx, frameworkID, master) })
}

func (d *Dispatcher) Reregistered(ctx context.Context, master string) {
	d.enqueue(ctx, "reregistered", func(ctx context.Context) { d.target.Reregistered(ctx, master) })
}

func (d *Dispatcher) ResourceOffers(ctx context.Context, offers []resource.Offer) {
	d.enqueue(ctx, "resource_offers", func(ctx context.Context) { d.target.ResourceOffers(ctx, offers) })
}

func (d *Dispatcher) OfferRescinded(ctx context.Context, offerID string) {
	d.enqueue(ctx, "offer_rescinded", func(ctx context.Context) { d.target.OfferRescinded(ctx, offerID) })
}

func (d *Dispatcher) StatusUpdate(ctx context.Context, status resource.TaskStatus) {
	d.enqueue(ctx, "status_update", func(ctx context.Context) { d.target.StatusUpdate(ctx, status) })
}

func (d *Dispatcher) FrameworkMessage(ctx context.Context, executorID, agentID string, data []byte) {
	d.enqueue(ctx, "framework_message", func(ctx context.Context) {
		d.target.FrameworkMessage(ctx, executorID, agentID, data)
	})
}

func (d *Dispatcher) Disconnected(ctx context.Context) {
	d.enqueue(ctx, "disconnected", func(ctx context.Context) { d.target.Disconnected(ctx) })
}

func (d *Dispatcher) SlaveLost(ctx context.Context, agentID string) {
	d.enqueue(ctx, "slave_lost", func(ctx context.Context) { d.target.SlaveLost(ctx, agentID) })
}

func (d *Dispatcher) ExecutorLost(ctx context.Context, executorID, agentID string, status int) {
	d.enqueue(ctx, "executor_lost", func(ctx context.Context) {
		d.target.ExecutorLost(ctx, executorID, agentID, status)
	})
}

func (d *Dispatcher) Error(ctx context.Context, message string) {
	d.enqueue(ctx, "error", func(ctx context.Context) { d.target.Error(ctx, message) })
}
