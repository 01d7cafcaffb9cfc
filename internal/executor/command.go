package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/me/shardsched/internal/resource"
)

// CommandRunner runs a task's command with `sh -c` in a per-task directory
// under its work directory. The task's environment is added to the agent's.
type CommandRunner struct {
	workDir string
	shell   string
	logger  *slog.Logger
}

// NewCommandRunner creates a CommandRunner rooted at workDir.
// If workDir is empty, os.TempDir() is used.
func NewCommandRunner(workDir string, logger *slog.Logger) *CommandRunner {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "shardsched")
	}
	return &CommandRunner{
		workDir: workDir,
		shell:   "sh",
		logger:  logger.With("component", "executor"),
	}
}

// TaskDir returns the working directory of a task.
func (r *CommandRunner) TaskDir(taskID string) string {
	return filepath.Join(r.workDir, sanitize(taskID))
}

// Run executes task.Command. A task without a command succeeds immediately.
func (r *CommandRunner) Run(ctx context.Context, task resource.TaskInfo) (Result, error) {
	if strings.TrimSpace(task.Command) == "" {
		r.logger.Debug("task has no command", "task_id", task.TaskID)
		return Result{}, nil
	}

	dir := r.TaskDir(task.TaskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("task %s: create work dir: %w", task.TaskID, err)
	}

	cmd := exec.CommandContext(ctx, r.shell, "-c", task.Command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), envList(task.Env)...)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	r.logger.Debug("running task", "task_id", task.TaskID, "dir", dir)
	runErr := cmd.Run()
	result := Result{
		Stdout: stdoutBuf.String(),
		Stderr: stderrBuf.String(),
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		result.ExitCode = -1
		return result, fmt.Errorf("task %s: %w", task.TaskID, runErr)
	}
	return result, nil
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// sanitize turns a task ID into a single path element.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\':
			return '_'
		}
		return r
	}, id)
}
