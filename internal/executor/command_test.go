package executor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/me/shardsched/internal/resource"
)

func newRunner(t *testing.T) *CommandRunner {
	t.Helper()
	return NewCommandRunner(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCommandRunner_Env(t *testing.T) {
	r := newRunner(t)
	task := resource.TaskInfo{
		TaskID:  "j@-@3@-@READY@-@a1@-@7",
		Command: `echo "$SHARDSCHED_JOB/$SHARDSCHED_SHARD"`,
		Env:     map[string]string{"SHARDSCHED_JOB": "j", "SHARDSCHED_SHARD": "3"},
	}

	res, err := r.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Succeeded() {
		t.Fatalf("exit = %d, stderr = %s", res.ExitCode, res.Stderr)
	}
	if res.Stdout != "j/3\n" {
		t.Errorf("stdout = %q, want j/3\\n", res.Stdout)
	}
}

func TestCommandRunner_WorkDir(t *testing.T) {
	r := newRunner(t)
	task := resource.TaskInfo{TaskID: "j@-@0", Command: "pwd"}

	res, err := r.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want, _ := filepath.EvalSymlinks(r.TaskDir(task.TaskID))
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(res.Stdout))
	if got != want {
		t.Errorf("pwd = %q, want %q", got, want)
	}
	if _, err := os.Stat(r.TaskDir(task.TaskID)); err != nil {
		t.Errorf("task dir missing: %v", err)
	}
}

func TestCommandRunner_ExitCode(t *testing.T) {
	r := newRunner(t)
	res, err := r.Run(context.Background(), resource.TaskInfo{TaskID: "j@-@0", Command: "echo oops >&2; exit 3"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 3 || res.Succeeded() {
		t.Errorf("exit = %d, want 3", res.ExitCode)
	}
	if res.Stderr != "oops\n" {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestCommandRunner_EmptyCommand(t *testing.T) {
	r := newRunner(t)
	res, err := r.Run(context.Background(), resource.TaskInfo{TaskID: "j@-@0"})
	if err != nil || !res.Succeeded() {
		t.Errorf("empty command: res=%+v err=%v", res, err)
	}
}

func TestCommandRunner_Cancel(t *testing.T) {
	r := newRunner(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, _ := r.Run(ctx, resource.TaskInfo{TaskID: "j@-@0", Command: "sleep 5"})
	if res.Succeeded() {
		t.Error("cancelled command should not succeed")
	}
}

func TestSanitize(t *testing.T) {
	if got := sanitize("a/b@-@0"); got != "a_b@-@0" {
		t.Errorf("sanitize = %q", got)
	}
}
