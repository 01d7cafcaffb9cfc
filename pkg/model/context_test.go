package model

import (
	"errors"
	"testing"
)

func TestTaskContext_ID(t *testing.T) {
	tc := TaskContext{JobName: "test_job", ShardIndex: 0, Reason: ReasonReady, AgentID: "slave-S0", Seq: 0}
	want := "test_job@-@0@-@READY@-@slave-S0@-@0"
	if got := tc.ID(); got != want {
		t.Errorf("ID() = %q, want %q", got, want)
	}

	unbound := TaskContext{JobName: "j", ShardIndex: 3, Reason: ReasonFailover, Seq: 42}
	if got := unbound.ID(); got != "j@-@3@-@FAILOVER@-@unassigned@-@42" {
		t.Errorf("ID() = %q", got)
	}
}

func TestParseTaskContext(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want TaskContext
	}{
		{
			"full",
			"test_job@-@0@-@READY@-@slave-S0@-@0",
			TaskContext{JobName: "test_job", ShardIndex: 0, Reason: ReasonReady, AgentID: "slave-S0", Seq: 0},
		},
		{
			"four fields",
			"test_job@-@2@-@MISFIRED@-@slave-S1",
			TaskContext{JobName: "test_job", ShardIndex: 2, Reason: ReasonMisfired, AgentID: "slave-S1"},
		},
		{
			"short form",
			"test_job@-@5",
			TaskContext{JobName: "test_job", ShardIndex: 5, Reason: ReasonReady, AgentID: UnassignedAgent},
		},
		{
			"large counter",
			"j@-@1@-@FAILOVER@-@unassigned@-@1760000000000000000",
			TaskContext{JobName: "j", ShardIndex: 1, Reason: ReasonFailover, AgentID: UnassignedAgent, Seq: 1760000000000000000},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTaskContext(tt.in)
			if err != nil {
				t.Fatalf("ParseTaskContext: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseTaskContext(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseTaskContext_Invalid(t *testing.T) {
	for _, in := range []string{
		"",
		"job",
		"job@-@x",
		"job@-@-1",
		"@-@0",
		"job@-@0@-@READY",
		"job@-@0@-@BOGUS@-@a@-@1",
		"job@-@0@-@READY@-@a@-@notanumber",
		"a@-@0@-@READY@-@b@-@1@-@extra",
	} {
		if _, err := ParseTaskContext(in); !errors.Is(err, ErrInvalidTaskID) {
			t.Errorf("ParseTaskContext(%q) error = %v, want ErrInvalidTaskID", in, err)
		}
	}
}

func TestTaskKey(t *testing.T) {
	k := TaskKey{JobName: "failover_job", ShardIndex: 7}
	if k.String() != "failover_job@-@7" {
		t.Errorf("String() = %q", k.String())
	}
	got, err := ParseTaskKey("failover_job@-@7")
	if err != nil {
		t.Fatalf("ParseTaskKey: %v", err)
	}
	if got != k {
		t.Errorf("ParseTaskKey = %+v, want %+v", got, k)
	}
	if _, err := ParseTaskKey("failover_job@-@7@-@READY@-@a@-@1"); err == nil {
		t.Error("expected error for full task id")
	}

	tc := TaskContext{JobName: "failover_job", ShardIndex: 7, Reason: ReasonReady, AgentID: "a", Seq: 9}
	if tc.Key() != k {
		t.Errorf("Key() = %+v, want %+v", tc.Key(), k)
	}
}

func TestSequence_Next(t *testing.T) {
	s := NewSequence(100)
	if got := s.Next(); got != 100 {
		t.Errorf("first Next() = %d, want 100", got)
	}
	if got := s.Next(); got != 101 {
		t.Errorf("second Next() = %d, want 101", got)
	}
}

func TestNewJobContext(t *testing.T) {
	job := &JobDefinition{Name: "j", ShardCount: 3}
	jc := NewJobContext(job, ReasonMisfired)
	if jc.Reason != ReasonMisfired {
		t.Errorf("Reason = %q", jc.Reason)
	}
	if len(jc.ShardIndices) != 3 || jc.ShardIndices[2] != 2 {
		t.Errorf("ShardIndices = %v, want [0 1 2]", jc.ShardIndices)
	}
}
