package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/me/shardsched/internal/resource"
	"github.com/me/shardsched/pkg/model"
)

// Engine is the offer-matching state machine. It implements
// resource.Scheduler and expects its callbacks to be serialized, which the
// Dispatcher guarantees.
type Engine struct {
	facade Facade
	driver resource.Driver
	rec    Recorder
	seq    *model.Sequence
	logger *slog.Logger

	mu          sync.Mutex
	state       model.SchedulerState
	frameworkID string
	master      string
}

var _ resource.Scheduler = (*Engine)(nil)

// NewEngine creates an engine in the UNREGISTERED state.
func NewEngine(f Facade, d resource.Driver, cfg Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.Recorder == nil {
		cfg.Recorder = def.Recorder
	}
	if cfg.Sequence == nil {
		cfg.Sequence = def.Sequence
	}
	return &Engine{
		facade: f,
		driver: d,
		rec:    cfg.Recorder,
		seq:    cfg.Sequence,
		logger: logger.With("component", "scheduler"),
		state:  model.SchedulerUnregistered,
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() model.SchedulerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// FrameworkID returns the identity assigned at registration.
func (e *Engine) FrameworkID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frameworkID
}

func (e *Engine) transition(next model.SchedulerState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == next {
		return
	}
	if !e.state.CanTransitionTo(next) {
		e.logger.Warn("unexpected state transition", "from", e.state, "to", next)
	}
	e.state = next
}

// --- Lifecycle callbacks ---

func (e *Engine) Registered(ctx context.Context, frameworkID, master string) {
	e.mu.Lock()
	e.frameworkID, e.master = frameworkID, master
	e.mu.Unlock()

	e.logger.Info("registered", "framework_id", frameworkID, "master", master)
	if err := e.facade.Start(ctx); err != nil {
		e.logger.Error("start facade", "error", err)
	}
	e.transition(model.SchedulerRegistered)
}

func (e *Engine) Reregistered(ctx context.Context, master string) {
	e.mu.Lock()
	e.master = master
	e.mu.Unlock()

	e.logger.Info("reregistered", "master", master)
	if err := e.facade.Start(ctx); err != nil {
		e.logger.Error("start facade", "error", err)
	}
	e.transition(model.SchedulerRegistered)
}

func (e *Engine) Disconnected(ctx context.Context) {
	e.logger.Warn("disconnected from resource manager")
	if err := e.facade.Stop(ctx); err != nil {
		e.logger.Error("stop facade", "error", err)
	}
	e.transition(model.SchedulerDisconnected)
}

// --- Offers ---

func (e *Engine) ResourceOffers(ctx context.Context, offers []resource.Offer) {
	if len(offers) == 0 {
		return
	}
	switch st := e.State(); st {
	case model.SchedulerRegistered, model.SchedulerIdle:
	default:
		e.logger.Warn("offers received while not registered, declining", "state", st, "offers", len(offers))
		e.declineAll(ctx, offers)
		return
	}

	e.transition(model.SchedulerOffering)
	defer e.transition(model.SchedulerIdle)
	start := time.Now()
	defer func() { e.rec.ObservePass(time.Since(start)) }()

	contexts, err := e.facade.EligibleJobContexts(ctx)
	if err != nil {
		e.logger.Error("load eligible contexts", "error", err)
		e.declineAll(ctx, offers)
		return
	}

	plans := pack(contexts, offers, e.seq)
	var accepted []model.TaskContext
	for _, p := range plans {
		accepted = append(accepted, p.tasks...)
	}
	if len(accepted) > 0 {
		if err := e.facade.ReleaseLaunched(ctx, accepted); err != nil {
			e.logger.Error("release launched tasks, declining all offers", "error", err, "tasks", len(accepted))
			e.declineAll(ctx, offers)
			return
		}
		for _, tc := range accepted {
			if err := e.facade.AddRunning(ctx, tc); err != nil {
				e.logger.Error("add running", "task_id", tc.ID(), "error", err)
			}
		}
	}

	for _, p := range plans {
		if len(p.tasks) == 0 {
			e.decline(ctx, p.offer.ID)
			continue
		}
		e.launch(ctx, p)
	}
}

func (e *Engine) launch(ctx context.Context, p offerPlan) {
	if err := e.driver.LaunchTasks(ctx, []string{p.offer.ID}, p.infos); err != nil {
		e.logger.Error("launch tasks, treating as lost", "offer_id", p.offer.ID, "tasks", len(p.tasks), "error", err)
		for _, tc := range p.tasks {
			e.finish(ctx, tc, true)
		}
		return
	}
	e.rec.OfferAccepted()
	for _, tc := range p.tasks {
		e.rec.TaskLaunched(tc.Reason)
		e.logger.Info("task launched", "task_id", tc.ID(), "agent_id", p.offer.AgentID)
	}
}

func (e *Engine) decline(ctx context.Context, offerID string) {
	if err := e.driver.DeclineOffer(ctx, offerID); err != nil {
		e.logger.Warn("decline offer", "offer_id", offerID, "error", err)
		return
	}
	e.rec.OfferDeclined()
}

func (e *Engine) declineAll(ctx context.Context, offers []resource.Offer) {
	for _, o := range offers {
		e.decline(ctx, o.ID)
	}
}

func (e *Engine) OfferRescinded(_ context.Context, offerID string) {
	e.logger.Debug("offer rescinded", "offer_id", offerID)
}

// --- Task status ---

func (e *Engine) StatusUpdate(ctx context.Context, status resource.TaskStatus) {
	tc, err := model.ParseTaskContext(status.TaskID)
	if err != nil {
		e.logger.Warn("ignoring status update with malformed task id", "task_id", status.TaskID, "error", err)
		return
	}
	e.rec.StatusUpdate(status.State)
	e.logger.Debug("status update", "task_id", status.TaskID, "state", status.State, "message", status.Message)

	switch status.State {
	case model.TaskStaging, model.TaskKilling:
		return
	case model.TaskStarting, model.TaskRunning:
		if status.AgentID != "" {
			tc.AgentID = status.AgentID
		}
		if e.stale(ctx, tc) {
			return
		}
		if err := e.facade.UpdateRunning(ctx, tc); err != nil {
			e.logger.Error("record agent binding", "task_id", tc.ID(), "error", err)
		}
	case model.TaskFinished, model.TaskKilled:
		if e.stale(ctx, tc) {
			return
		}
		e.finish(ctx, tc, false)
	case model.TaskFailed, model.TaskError, model.TaskLost:
		if e.stale(ctx, tc) {
			return
		}
		e.logger.Warn("task failed", "task_id", tc.ID(), "state", status.State, "message", status.Message)
		e.finish(ctx, tc, true)
	default:
		e.logger.Warn("ignoring unknown task state", "task_id", status.TaskID, "state", status.State)
	}
}

// stale reports whether a newer attempt of the same shard is running, in
// which case the update belongs to a superseded attempt. Identifiers without
// a launch counter are never considered stale.
func (e *Engine) stale(ctx context.Context, tc model.TaskContext) bool {
	if tc.Seq == 0 {
		return false
	}
	current, ok, err := e.facade.RunningTask(ctx, tc.Key())
	if err != nil {
		e.logger.Error("read running task", "task_id", tc.ID(), "error", err)
		return false
	}
	if ok && current.Seq != tc.Seq {
		e.logger.Info("ignoring status of superseded attempt", "task_id", tc.ID(), "running", current.ID())
		return true
	}
	return false
}

// finish removes a terminal task from the running registry, queues it for
// failover when it failed and the job allows it, and re-arms daemon jobs.
// The running entry goes first so the failover guard sees the shard as idle.
func (e *Engine) finish(ctx context.Context, tc model.TaskContext, failed bool) {
	job, err := e.facade.LoadJob(ctx, tc.JobName)
	if err != nil {
		e.logger.Error("load job", "job", tc.JobName, "error", err)
	}

	if err := e.facade.RemoveRunning(ctx, tc.Key()); err != nil {
		e.logger.Error("remove running", "task_id", tc.ID(), "error", err)
		return
	}
	if job == nil {
		return
	}
	if failed && job.Failover {
		if err := e.facade.RecordFailover(ctx, tc.Key()); err != nil {
			e.logger.Error("record failover", "task_id", tc.ID(), "error", err)
		} else {
			e.rec.FailoverRecorded()
		}
	}
	if job.IsDaemon() {
		if err := e.facade.AddDaemon(ctx, job.Name); err != nil {
			e.logger.Error("re-arm daemon", "job", job.Name, "error", err)
		}
	}
}

// --- Agent and executor loss ---

func (e *Engine) SlaveLost(ctx context.Context, agentID string) {
	e.rec.AgentLost()
	tasks, err := e.facade.RunningOnAgent(ctx, agentID)
	if err != nil {
		e.logger.Error("list tasks of lost agent", "agent_id", agentID, "error", err)
		return
	}
	e.logger.Warn("agent lost", "agent_id", agentID, "tasks", len(tasks))
	for _, tc := range tasks {
		e.finish(ctx, tc, true)
	}
}

func (e *Engine) ExecutorLost(_ context.Context, executorID, agentID string, status int) {
	e.logger.Warn("executor lost", "executor_id", executorID, "agent_id", agentID, "status", status)
}

func (e *Engine) FrameworkMessage(_ context.Context, executorID, agentID string, data []byte) {
	e.logger.Debug("framework message", "executor_id", executorID, "agent_id", agentID, "bytes", len(data))
}

func (e *Engine) Error(_ context.Context, message string) {
	e.logger.Error("resource manager error", "message", message)
}
