// Package executor runs the command of one shard on an agent.
package executor

import (
	"context"

	"github.com/me/shardsched/internal/resource"
)

// Runner runs one launched task to completion.
type Runner interface {
	Run(ctx context.Context, task resource.TaskInfo) (Result, error)
}

// Result captures the outcome of a task's command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Succeeded reports a zero exit code.
func (r Result) Succeeded() bool {
	return r.ExitCode == 0
}
