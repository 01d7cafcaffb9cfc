package model

// TaskState is the resource manager's view of a launched task.
type TaskState string

const (
	TaskStaging  TaskState = "TASK_STAGING"
	TaskStarting TaskState = "TASK_STARTING"
	TaskRunning  TaskState = "TASK_RUNNING"
	TaskKilling  TaskState = "TASK_KILLING"
	TaskFinished TaskState = "TASK_FINISHED"
	TaskKilled   TaskState = "TASK_KILLED"
	TaskFailed   TaskState = "TASK_FAILED"
	TaskError    TaskState = "TASK_ERROR"
	TaskLost     TaskState = "TASK_LOST"
)

// String returns the string representation of the task state.
func (s TaskState) String() string {
	return string(s)
}

// IsTerminal returns true if the task is in a final state.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskFinished, TaskKilled, TaskFailed, TaskError, TaskLost:
		return true
	}
	return false
}

// ValidTaskTransitions defines the allowed state transitions for launched tasks.
var ValidTaskTransitions = map[TaskState][]TaskState{
	TaskStaging:  {TaskStarting, TaskRunning, TaskKilling, TaskFinished, TaskKilled, TaskFailed, TaskError, TaskLost},
	TaskStarting: {TaskRunning, TaskKilling, TaskFinished, TaskKilled, TaskFailed, TaskError, TaskLost},
	TaskRunning:  {TaskKilling, TaskFinished, TaskKilled, TaskFailed, TaskError, TaskLost},
	TaskKilling:  {TaskKilled, TaskFinished, TaskFailed, TaskLost},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	for _, allowed := range ValidTaskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseTaskState maps a wire name onto the closed set of task states.
// Both "TASK_RUNNING" and "RUNNING" are accepted.
func ParseTaskState(s string) (TaskState, bool) {
	st := TaskState(s)
	if _, ok := ValidTaskTransitions[st]; ok || st.IsTerminal() {
		return st, true
	}
	st = TaskState("TASK_" + s)
	if _, ok := ValidTaskTransitions[st]; ok || st.IsTerminal() {
		return st, true
	}
	return "", false
}

// SchedulerState is the lifecycle of the offer-matching engine.
type SchedulerState string

const (
	SchedulerUnregistered SchedulerState = "UNREGISTERED"
	SchedulerRegistered   SchedulerState = "REGISTERED"
	SchedulerOffering     SchedulerState = "OFFERING"
	SchedulerIdle         SchedulerState = "IDLE"
	SchedulerDisconnected SchedulerState = "DISCONNECTED"
)

// String returns the string representation of the scheduler state.
func (s SchedulerState) String() string {
	return string(s)
}

// ValidSchedulerTransitions defines the allowed engine state transitions.
var ValidSchedulerTransitions = map[SchedulerState][]SchedulerState{
	SchedulerUnregistered: {SchedulerRegistered},
	SchedulerRegistered:   {SchedulerOffering, SchedulerIdle, SchedulerRegistered, SchedulerDisconnected},
	SchedulerOffering:     {SchedulerIdle, SchedulerDisconnected},
	SchedulerIdle:         {SchedulerOffering, SchedulerRegistered, SchedulerDisconnected},
	SchedulerDisconnected: {SchedulerRegistered},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s SchedulerState) CanTransitionTo(next SchedulerState) bool {
	for _, allowed := range ValidSchedulerTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
