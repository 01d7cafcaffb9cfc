package model

import (
	"fmt"
	"strings"
)

// ExecutionType describes how a job is re-armed between runs.
type ExecutionType string

const (
	// ExecutionTransient jobs fire on cron and complete before the next tick.
	ExecutionTransient ExecutionType = "TRANSIENT"
	// ExecutionDaemon jobs are long lived and re-armed after each completion.
	ExecutionDaemon ExecutionType = "DAEMON"
)

// String returns the string representation of the execution type.
func (t ExecutionType) String() string {
	return string(t)
}

// JobDefinition is the immutable per-name description of a sharded job.
type JobDefinition struct {
	Name          string        `json:"name" yaml:"name"`
	AppName       string        `json:"app_name" yaml:"app_name"`
	CPU           float64       `json:"cpu_count" yaml:"cpu_count"`
	MemoryMB      float64       `json:"memory_mb" yaml:"memory_mb"`
	ExecutionType ExecutionType `json:"execution_type" yaml:"execution_type"`
	ShardCount    int           `json:"shard_count" yaml:"shard_count"`
	Cron          string        `json:"cron,omitempty" yaml:"cron,omitempty"`
	Failover      bool          `json:"failover" yaml:"failover"`
	Misfire       bool          `json:"misfire" yaml:"misfire"`
	Command       string        `json:"command,omitempty" yaml:"command,omitempty"`
	Description   string        `json:"description,omitempty" yaml:"description,omitempty"`
}

// IsDaemon reports whether the job is re-armed by its own completion.
func (j *JobDefinition) IsDaemon() bool {
	return j.ExecutionType == ExecutionDaemon
}

// ShardIndices returns 0..ShardCount-1.
func (j *JobDefinition) ShardIndices() []int {
	out := make([]int, 0, j.ShardCount)
	for i := 0; i < j.ShardCount; i++ {
		out = append(out, i)
	}
	return out
}

// Validate checks the definition and returns every problem found.
func (j *JobDefinition) Validate() error {
	var details []FieldError
	switch {
	case j.Name == "":
		details = append(details, FieldError{Field: "name", Message: "required"})
	case strings.Contains(j.Name, "/"):
		details = append(details, FieldError{Field: "name", Message: "must not contain '/'"})
	case strings.Contains(j.Name, TaskIDDelimiter):
		details = append(details, FieldError{Field: "name", Message: fmt.Sprintf("must not contain %q", TaskIDDelimiter)})
	}
	if j.CPU <= 0 {
		details = append(details, FieldError{Field: "cpu_count", Message: "must be positive"})
	}
	if j.MemoryMB <= 0 {
		details = append(details, FieldError{Field: "memory_mb", Message: "must be positive"})
	}
	if j.ShardCount < 1 {
		details = append(details, FieldError{Field: "shard_count", Message: "must be at least 1"})
	}
	switch j.ExecutionType {
	case ExecutionTransient:
		if j.Cron == "" {
			details = append(details, FieldError{Field: "cron", Message: "required for TRANSIENT jobs"})
		}
	case ExecutionDaemon:
	default:
		details = append(details, FieldError{Field: "execution_type", Message: fmt.Sprintf("unknown execution type %q", j.ExecutionType)})
	}
	if len(details) > 0 {
		return NewValidationError(fmt.Sprintf("invalid job %q", j.Name), details...)
	}
	return nil
}
