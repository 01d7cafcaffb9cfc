package model

import "testing"

func TestTaskState_IsTerminal(t *testing.T) {
	tests := []struct {
		state    TaskState
		terminal bool
	}{
		{TaskStaging, false},
		{TaskStarting, false},
		{TaskRunning, false},
		{TaskKilling, false},
		{TaskFinished, true},
		{TaskKilled, true},
		{TaskFailed, true},
		{TaskError, true},
		{TaskLost, true},
	}
	for _, tt := range tests {
		if got := tt.state.IsTerminal(); got != tt.terminal {
			t.Errorf("TaskState(%q).IsTerminal() = %v, want %v", tt.state, got, tt.terminal)
		}
	}
}

func TestTaskState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from  TaskState
		to    TaskState
		valid bool
	}{
		{TaskStaging, TaskRunning, true},
		{TaskStarting, TaskRunning, true},
		{TaskRunning, TaskFinished, true},
		{TaskRunning, TaskLost, true},
		{TaskKilling, TaskKilled, true},

		{TaskFinished, TaskRunning, false},
		{TaskLost, TaskFinished, false},
		{TaskRunning, TaskStaging, false},
		{TaskKilling, TaskRunning, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.valid {
			t.Errorf("%s → %s = %v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestParseTaskState(t *testing.T) {
	tests := []struct {
		in   string
		want TaskState
		ok   bool
	}{
		{"TASK_RUNNING", TaskRunning, true},
		{"RUNNING", TaskRunning, true},
		{"FINISHED", TaskFinished, true},
		{"TASK_LOST", TaskLost, true},
		{"TASK_DROPPED", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseTaskState(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseTaskState(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSchedulerState_CanTransitionTo(t *testing.T) {
	if !SchedulerUnregistered.CanTransitionTo(SchedulerRegistered) {
		t.Error("UNREGISTERED → REGISTERED should be valid")
	}
	if SchedulerUnregistered.CanTransitionTo(SchedulerOffering) {
		t.Error("UNREGISTERED → OFFERING should be invalid")
	}
	if !SchedulerDisconnected.CanTransitionTo(SchedulerRegistered) {
		t.Error("DISCONNECTED → REGISTERED should be valid")
	}
	if !SchedulerOffering.CanTransitionTo(SchedulerIdle) {
		t.Error("OFFERING → IDLE should be valid")
	}
}

func TestAgentState_CanTransitionTo(t *testing.T) {
	if !AgentStateOnline.CanTransitionTo(AgentStateOffline) {
		t.Error("online → offline should be valid")
	}
	if AgentStateOffline.CanTransitionTo(AgentStateOnline) {
		t.Error("offline → online should be invalid")
	}
}
