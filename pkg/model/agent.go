package model

import "time"

// Agent is a worker node that offers CPU and memory to the scheduler.
type Agent struct {
	ID           string     `json:"id"`
	Hostname     string     `json:"hostname"`
	State        AgentState `json:"state"`
	CPU          float64    `json:"cpu"`
	MemoryMB     float64    `json:"memory_mb"`
	UsedCPU      float64    `json:"used_cpu"`
	UsedMemoryMB float64    `json:"used_memory_mb"`
	Tasks        []string   `json:"tasks,omitempty"`
	LastSeen     time.Time  `json:"last_seen"`
	RegisteredAt time.Time  `json:"registered_at"`
}

// AgentState represents the lifecycle state of an Agent.
type AgentState string

const (
	AgentStateOnline   AgentState = "online"
	AgentStateOffline  AgentState = "offline"
	AgentStateDraining AgentState = "draining"
)

// ValidAgentTransitions defines the allowed state transitions for Agents.
var ValidAgentTransitions = map[AgentState][]AgentState{
	AgentStateOnline:   {AgentStateOffline, AgentStateDraining},
	AgentStateDraining: {AgentStateOffline},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s AgentState) CanTransitionTo(next AgentState) bool {
	for _, allowed := range ValidAgentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RegisterAgentRequest is sent by an agent when it joins the cluster.
type RegisterAgentRequest struct {
	Hostname string  `json:"hostname"`
	CPU      float64 `json:"cpu"`
	MemoryMB float64 `json:"memory_mb"`
}

// TaskStatusReport is sent by an agent when a task changes state.
type TaskStatusReport struct {
	State   TaskState `json:"state"`
	Message string    `json:"message,omitempty"`
}
