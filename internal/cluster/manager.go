// Package cluster is a small built-in resource manager. Agents register and
// heartbeat over HTTP; the manager turns their spare capacity into offers,
// hands accepted tasks to agents on their next poll and relays task status
// back to the scheduler.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/me/shardsched/internal/resource"
	"github.com/me/shardsched/pkg/model"
)

// ErrUnknownOffer is returned when launching on an offer that was declined,
// rescinded or never issued.
var ErrUnknownOffer = errors.New("unknown offer")

// ErrAgentNotFound is returned for calls naming an agent that is not registered.
var ErrAgentNotFound = errors.New("agent not found")

// ErrInsufficientResources is returned when tasks exceed the offered capacity.
var ErrInsufficientResources = errors.New("tasks exceed offered resources")

// Config controls offer pacing and failure detection.
type Config struct {
	// OfferInterval is how often idle capacity is offered.
	OfferInterval time.Duration
	// OfferRate caps offers per second across all agents. Zero is unlimited.
	OfferRate float64
	// OfferTimeout rescinds offers the scheduler has not answered.
	OfferTimeout time.Duration
	// AgentTimeout marks agents lost when they stop heartbeating.
	AgentTimeout time.Duration
}

// DefaultConfig returns the default cluster settings.
func DefaultConfig() Config {
	return Config{
		OfferInterval: time.Second,
		OfferRate:     0,
		OfferTimeout:  30 * time.Second,
		AgentTimeout:  30 * time.Second,
	}
}

type agentRecord struct {
	agent    model.Agent
	pending  []resource.TaskInfo
	launched map[string]resource.TaskInfo
	offerID  string
}

type offer struct {
	resource.Offer
	issued time.Time
}

// Manager tracks agents and outstanding offers. It implements resource.Driver.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	limiter *rate.Limiter
	now     func() time.Time

	mu          sync.Mutex
	sched       resource.Scheduler
	frameworkID string
	agents      map[string]*agentRecord
	offers      map[string]*offer
}

var _ resource.Driver = (*Manager)(nil)

// New creates a Manager. Attach a scheduler with SetScheduler before Run.
func New(cfg Config, logger *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.OfferInterval <= 0 {
		cfg.OfferInterval = def.OfferInterval
	}
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = def.OfferTimeout
	}
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = def.AgentTimeout
	}
	m := &Manager{
		cfg:         cfg,
		logger:      logger.With("component", "cluster"),
		now:         time.Now,
		frameworkID: "fw_" + uuid.New().String(),
		agents:      make(map[string]*agentRecord),
		offers:      make(map[string]*offer),
	}
	if cfg.OfferRate > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.OfferRate), 1)
	}
	return m
}

// SetScheduler attaches the callback receiver.
func (m *Manager) SetScheduler(s resource.Scheduler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sched = s
}

func (m *Manager) scheduler() resource.Scheduler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sched
}

// FrameworkID returns the identity handed to the scheduler on registration.
func (m *Manager) FrameworkID() string {
	return m.frameworkID
}

// Run registers the scheduler and offers capacity every OfferInterval until
// ctx is cancelled, then reports the disconnect.
func (m *Manager) Run(ctx context.Context) error {
	sched := m.scheduler()
	if sched == nil {
		return errors.New("cluster: no scheduler attached")
	}
	sched.Registered(ctx, m.frameworkID, "local")
	m.logger.Info("cluster manager started", "framework_id", m.frameworkID, "offer_interval", m.cfg.OfferInterval)

	ticker := time.NewTicker(m.cfg.OfferInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sched.Disconnected(context.WithoutCancel(ctx))
			m.logger.Info("cluster manager stopped")
			return ctx.Err()
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one round: expire silent agents, rescind stale offers, then
// offer idle capacity.
func (m *Manager) Tick(ctx context.Context) {
	sched := m.scheduler()
	if sched == nil {
		return
	}
	for _, id := range m.expireAgents() {
		sched.SlaveLost(ctx, id)
	}
	for _, id := range m.rescindStale() {
		sched.OfferRescinded(ctx, id)
	}
	if offers := m.issueOffers(); len(offers) > 0 {
		sched.ResourceOffers(ctx, offers)
	}
}

func (m *Manager) expireAgents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.cfg.AgentTimeout)
	var lost []string
	for id, rec := range m.agents {
		if rec.agent.LastSeen.Before(cutoff) {
			m.logger.Warn("agent missed heartbeats", "agent_id", id, "last_seen", rec.agent.LastSeen)
			m.dropAgentLocked(id)
			lost = append(lost, id)
		}
	}
	sort.Strings(lost)
	return lost
}

func (m *Manager) rescindStale() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.cfg.OfferTimeout)
	var stale []string
	for id, o := range m.offers {
		if o.issued.Before(cutoff) {
			m.releaseOfferLocked(id)
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return stale
}

func (m *Manager) issueOffers() []resource.Offer {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []resource.Offer
	for _, id := range ids {
		rec := m.agents[id]
		if rec.offerID != "" || rec.agent.State != model.AgentStateOnline {
			continue
		}
		cpu := rec.agent.CPU - rec.agent.UsedCPU
		mem := rec.agent.MemoryMB - rec.agent.UsedMemoryMB
		if cpu <= 0 || mem <= 0 {
			continue
		}
		if m.limiter != nil && !m.limiter.Allow() {
			break
		}
		o := &offer{
			Offer: resource.Offer{
				ID:       "ofr_" + uuid.New().String(),
				AgentID:  id,
				Hostname: rec.agent.Hostname,
				CPU:      cpu,
				MemoryMB: mem,
			},
			issued: m.now(),
		}
		m.offers[o.ID] = o
		rec.offerID = o.ID
		out = append(out, o.Offer)
	}
	return out
}

func (m *Manager) releaseOfferLocked(id string) {
	o, ok := m.offers[id]
	if !ok {
		return
	}
	delete(m.offers, id)
	if rec, ok := m.agents[o.AgentID]; ok && rec.offerID == id {
		rec.offerID = ""
	}
}

func (m *Manager) dropAgentLocked(id string) {
	rec, ok := m.agents[id]
	if !ok {
		return
	}
	if rec.offerID != "" {
		delete(m.offers, rec.offerID)
	}
	delete(m.agents, id)
}

// --- resource.Driver ---

// LaunchTasks consumes the offers and queues the tasks for their agents.
func (m *Manager) LaunchTasks(_ context.Context, offerIDs []string, tasks []resource.TaskInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	budget := make(map[string][2]float64, len(offerIDs))
	for _, id := range offerIDs {
		o, ok := m.offers[id]
		if !ok {
			return fmt.Errorf("launch on %s: %w", id, ErrUnknownOffer)
		}
		b := budget[o.AgentID]
		budget[o.AgentID] = [2]float64{b[0] + o.CPU, b[1] + o.MemoryMB}
	}
	for _, t := range tasks {
		b, ok := budget[t.AgentID]
		if !ok {
			return fmt.Errorf("task %s targets agent %s outside the offers: %w", t.TaskID, t.AgentID, ErrUnknownOffer)
		}
		b[0] -= t.CPU
		b[1] -= t.MemoryMB
		if b[0] < -1e-9 || b[1] < -1e-9 {
			return fmt.Errorf("task %s: %w", t.TaskID, ErrInsufficientResources)
		}
		budget[t.AgentID] = b
	}

	for _, id := range offerIDs {
		m.releaseOfferLocked(id)
	}
	for _, t := range tasks {
		rec := m.agents[t.AgentID]
		if rec == nil {
			return fmt.Errorf("task %s: %w", t.TaskID, ErrAgentNotFound)
		}
		rec.pending = append(rec.pending, t)
		rec.launched[t.TaskID] = t
		rec.agent.UsedCPU += t.CPU
		rec.agent.UsedMemoryMB += t.MemoryMB
	}
	m.logger.Debug("tasks launched", "offers", len(offerIDs), "tasks", len(tasks))
	return nil
}

// DeclineOffer returns the offer's capacity to the pool.
func (m *Manager) DeclineOffer(_ context.Context, offerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.offers[offerID]; !ok {
		return fmt.Errorf("decline %s: %w", offerID, ErrUnknownOffer)
	}
	m.releaseOfferLocked(offerID)
	return nil
}

// --- Agent API ---

// RegisterAgent admits a new agent.
func (m *Manager) RegisterAgent(_ context.Context, req model.RegisterAgentRequest) (*model.Agent, error) {
	if req.CPU <= 0 || req.MemoryMB <= 0 {
		return nil, model.NewValidationError("agent must offer resources",
			model.FieldError{Field: "cpu", Message: "cpu and memory_mb must be positive"})
	}
	now := m.now().UTC()
	rec := &agentRecord{
		agent: model.Agent{
			ID:           "agt_" + uuid.New().String(),
			Hostname:     req.Hostname,
			State:        model.AgentStateOnline,
			CPU:          req.CPU,
			MemoryMB:     req.MemoryMB,
			LastSeen:     now,
			RegisteredAt: now,
		},
		launched: make(map[string]resource.TaskInfo),
	}

	m.mu.Lock()
	m.agents[rec.agent.ID] = rec
	m.mu.Unlock()

	m.logger.Info("agent registered", "agent_id", rec.agent.ID, "hostname", req.Hostname, "cpu", req.CPU, "memory_mb", req.MemoryMB)
	a := rec.agent
	return &a, nil
}

// Heartbeat refreshes an agent's last-seen time. It returns nil for unknown agents.
func (m *Manager) Heartbeat(_ context.Context, id string) (*model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[id]
	if !ok {
		return nil, nil
	}
	rec.agent.LastSeen = m.now().UTC()
	return snapshotLocked(rec), nil
}

// Agent returns one agent or nil.
func (m *Manager) Agent(id string) *model.Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[id]
	if !ok {
		return nil
	}
	return snapshotLocked(rec)
}

// Agents lists registered agents ordered by ID.
func (m *Manager) Agents() []*model.Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Agent, 0, len(m.agents))
	for _, rec := range m.agents {
		out = append(out, snapshotLocked(rec))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

func snapshotLocked(rec *agentRecord) *model.Agent {
	a := rec.agent
	a.Tasks = make([]string, 0, len(rec.launched))
	for id := range rec.launched {
		a.Tasks = append(a.Tasks, id)
	}
	sort.Strings(a.Tasks)
	return &a
}

// PollTasks hands the agent the tasks launched on it since its last poll.
func (m *Manager) PollTasks(_ context.Context, id string) ([]resource.TaskInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("poll %s: %w", id, ErrAgentNotFound)
	}
	rec.agent.LastSeen = m.now().UTC()
	out := rec.pending
	rec.pending = nil
	return out, nil
}

// ReportStatus relays a task state change from an agent to the scheduler.
// Terminal states release the task's resources.
func (m *Manager) ReportStatus(ctx context.Context, agentID, taskID string, report model.TaskStatusReport) error {
	m.mu.Lock()
	rec, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("status from %s: %w", agentID, ErrAgentNotFound)
	}
	rec.agent.LastSeen = m.now().UTC()
	if t, ok := rec.launched[taskID]; ok && report.State.IsTerminal() {
		delete(rec.launched, taskID)
		rec.agent.UsedCPU -= t.CPU
		rec.agent.UsedMemoryMB -= t.MemoryMB
	}
	sched := m.sched
	m.mu.Unlock()

	if sched != nil {
		sched.StatusUpdate(ctx, resource.TaskStatus{
			TaskID:  taskID,
			AgentID: agentID,
			State:   report.State,
			Message: report.Message,
		})
	}
	return nil
}

// DeregisterAgent removes an agent. Its tasks are reported lost.
func (m *Manager) DeregisterAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	_, ok := m.agents[id]
	if ok {
		m.dropAgentLocked(id)
	}
	sched := m.sched
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("deregister %s: %w", id, ErrAgentNotFound)
	}
	m.logger.Info("agent deregistered", "agent_id", id)
	if sched != nil {
		sched.SlaveLost(ctx, id)
	}
	return nil
}
