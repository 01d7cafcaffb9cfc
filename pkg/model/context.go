package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// TaskIDDelimiter joins the fields of a task identifier.
const TaskIDDelimiter = "@-@"

// UnassignedAgent stands in for the agent identity before a task is bound.
const UnassignedAgent = "unassigned"

// ErrInvalidTaskID is returned when a task identifier cannot be decoded.
var ErrInvalidTaskID = errors.New("invalid task id")

// ExecutionReason tags why a shard is eligible in the current pass.
type ExecutionReason string

const (
	ReasonReady    ExecutionReason = "READY"
	ReasonMisfired ExecutionReason = "MISFIRED"
	ReasonFailover ExecutionReason = "FAILOVER"
)

// String returns the string representation of the reason.
func (r ExecutionReason) String() string {
	return string(r)
}

func (r ExecutionReason) valid() bool {
	switch r {
	case ReasonReady, ReasonMisfired, ReasonFailover:
		return true
	}
	return false
}

// JobContext is a job definition plus the shards eligible right now.
// It lives for one scheduling pass.
type JobContext struct {
	Job          JobDefinition   `json:"job"`
	Reason       ExecutionReason `json:"reason"`
	ShardIndices []int           `json:"shard_indices"`
}

// NewJobContext returns a context covering every shard of job.
func NewJobContext(job *JobDefinition, reason ExecutionReason) JobContext {
	return JobContext{Job: *job, Reason: reason, ShardIndices: job.ShardIndices()}
}

// TaskKey identifies a shard regardless of attempt: "job@-@shard".
type TaskKey struct {
	JobName    string `json:"job_name"`
	ShardIndex int    `json:"shard_index"`
}

func (k TaskKey) String() string {
	return k.JobName + TaskIDDelimiter + strconv.Itoa(k.ShardIndex)
}

// ParseTaskKey decodes the short "job@-@shard" form.
func ParseTaskKey(s string) (TaskKey, error) {
	parts := strings.Split(s, TaskIDDelimiter)
	if len(parts) != 2 {
		return TaskKey{}, fmt.Errorf("%w: %q", ErrInvalidTaskID, s)
	}
	return parseKey(parts[0], parts[1], s)
}

func parseKey(name, shard, raw string) (TaskKey, error) {
	if name == "" {
		return TaskKey{}, fmt.Errorf("%w: empty job name in %q", ErrInvalidTaskID, raw)
	}
	idx, err := strconv.Atoi(shard)
	if err != nil || idx < 0 {
		return TaskKey{}, fmt.Errorf("%w: bad shard index in %q", ErrInvalidTaskID, raw)
	}
	return TaskKey{JobName: name, ShardIndex: idx}, nil
}

// TaskContext describes one shard execution attempt.
type TaskContext struct {
	JobName    string          `json:"job_name"`
	ShardIndex int             `json:"shard_index"`
	Reason     ExecutionReason `json:"reason"`
	AgentID    string          `json:"agent_id"`
	Seq        uint64          `json:"seq"`
}

// Key returns the attempt-independent identity of the task.
func (t TaskContext) Key() TaskKey {
	return TaskKey{JobName: t.JobName, ShardIndex: t.ShardIndex}
}

// ID encodes the task as "job@-@shard@-@reason@-@agent@-@seq".
func (t TaskContext) ID() string {
	agent := t.AgentID
	if agent == "" {
		agent = UnassignedAgent
	}
	return strings.Join([]string{
		t.JobName,
		strconv.Itoa(t.ShardIndex),
		string(t.Reason),
		agent,
		strconv.FormatUint(t.Seq, 10),
	}, TaskIDDelimiter)
}

func (t TaskContext) String() string {
	return t.ID()
}

// Bound reports whether the task has been assigned to an agent.
func (t TaskContext) Bound() bool {
	return t.AgentID != "" && t.AgentID != UnassignedAgent
}

// ParseTaskContext decodes a task identifier. It accepts the full five-field
// form, the four-field form without a launch counter, and the short
// "job@-@shard" form; missing fields default to READY, unassigned and 0.
func ParseTaskContext(id string) (TaskContext, error) {
	parts := strings.Split(id, TaskIDDelimiter)
	switch len(parts) {
	case 2, 4, 5:
	default:
		return TaskContext{}, fmt.Errorf("%w: %q has %d fields", ErrInvalidTaskID, id, len(parts))
	}
	key, err := parseKey(parts[0], parts[1], id)
	if err != nil {
		return TaskContext{}, err
	}
	tc := TaskContext{
		JobName:    key.JobName,
		ShardIndex: key.ShardIndex,
		Reason:     ReasonReady,
		AgentID:    UnassignedAgent,
	}
	if len(parts) == 2 {
		return tc, nil
	}
	tc.Reason = ExecutionReason(parts[2])
	if !tc.Reason.valid() {
		return TaskContext{}, fmt.Errorf("%w: unknown reason %q", ErrInvalidTaskID, parts[2])
	}
	if parts[3] != "" {
		tc.AgentID = parts[3]
	}
	if len(parts) == 5 {
		seq, err := strconv.ParseUint(parts[4], 10, 64)
		if err != nil {
			return TaskContext{}, fmt.Errorf("%w: bad launch counter in %q", ErrInvalidTaskID, id)
		}
		tc.Seq = seq
	}
	return tc, nil
}

// Sequence hands out launch counters. Seed it from wall-clock time so that
// counters from a restarted process do not collide with earlier attempts.
type Sequence struct {
	n atomic.Uint64
}

// NewSequence returns a Sequence whose first value is start.
func NewSequence(start uint64) *Sequence {
	s := &Sequence{}
	s.n.Store(start)
	return s
}

// Next returns the next counter value.
func (s *Sequence) Next() uint64 {
	return s.n.Add(1) - 1
}
