// Package resource defines the contract between the scheduler and a
// resource manager: offers flow in, launches and declines flow out, and
// task status changes come back as callbacks.
package resource

import (
	"context"

	"github.com/me/shardsched/pkg/model"
)

// Offer is spare capacity on one agent.
type Offer struct {
	ID       string  `json:"id"`
	AgentID  string  `json:"agent_id"`
	Hostname string  `json:"hostname"`
	CPU      float64 `json:"cpu"`
	MemoryMB float64 `json:"memory_mb"`
}

// TaskInfo is one task handed to the resource manager for launch.
type TaskInfo struct {
	TaskID   string            `json:"task_id"`
	Name     string            `json:"name"`
	AgentID  string            `json:"agent_id"`
	CPU      float64           `json:"cpu"`
	MemoryMB float64           `json:"memory_mb"`
	Command  string            `json:"command,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
}

// TaskStatus reports a state change of a launched task.
type TaskStatus struct {
	TaskID  string          `json:"task_id"`
	AgentID string          `json:"agent_id,omitempty"`
	State   model.TaskState `json:"state"`
	Message string          `json:"message,omitempty"`
}

// Driver is what the scheduler calls on the resource manager.
type Driver interface {
	// LaunchTasks runs tasks on the capacity of the given offers.
	LaunchTasks(ctx context.Context, offerIDs []string, tasks []TaskInfo) error
	// DeclineOffer returns an unused offer.
	DeclineOffer(ctx context.Context, offerID string) error
}

// Scheduler receives resource manager callbacks. Implementations may assume
// callbacks are delivered one at a time.
type Scheduler interface {
	Registered(ctx context.Context, frameworkID, master string)
	Reregistered(ctx context.Context, master string)
	ResourceOffers(ctx context.Context, offers []Offer)
	OfferRescinded(ctx context.Context, offerID string)
	StatusUpdate(ctx context.Context, status TaskStatus)
	FrameworkMessage(ctx context.Context, executorID, agentID string, data []byte)
	Disconnected(ctx context.Context)
	SlaveLost(ctx context.Context, agentID string)
	ExecutorLost(ctx context.Context, executorID, agentID string, status int)
	Error(ctx context.Context, message string)
}
