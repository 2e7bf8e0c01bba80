package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// DefaultSpawnTimeout bounds one worker invocation end to end.
const DefaultSpawnTimeout = 5 * time.Minute

// SpawnRequest describes one worker invocation: resume the given session in
// the given project directory with one prompt and collect the result.
type SpawnRequest struct {
	SessionID    string // session (or fork) to resume
	ForkSession  bool   // true on the first turn of a thread
	ProjectPath  string
	SystemPrompt string // appended bus metadata block
	Prompt       string
	Timeout      time.Duration
}

// SpawnResult is the raw outcome of one worker run.
type SpawnResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// SpawnFunc runs one worker process. Injected in tests.
type SpawnFunc func(ctx context.Context, req SpawnRequest) (*SpawnResult, error)

// Spawn runs one non-interactive claude turn and waits for it.
//
// The process is run with context cancellation wired to SIGTERM so the tool
// can persist its session state; if it ignores the signal Go escalates to
// SIGKILL after WaitDelay.
func Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultSpawnTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"-p",
		"--output-format", "json",
		"--dangerously-skip-permissions",
		"--resume", req.SessionID,
	}
	if req.ForkSession {
		args = append(args, "--fork-session")
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	args = append(args, req.Prompt)

	cmd := exec.CommandContext(ctx, "claude", args...)
	cmd.Dir = req.ProjectPath
	// Strip the nesting markers so the spawned tool doesn't refuse to run
	// inside a session that is itself tool-managed.
	cmd.Env = filterEnv(cmd.Environ(), "CLAUDECODE", "CLAUDE_CODE_ENTRYPOINT")

	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &SpawnResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return res, fmt.Errorf("worker timed out after %s", timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("spawn worker: %w", err)
	}
	return res, nil
}

func filterEnv(environ []string, keys ...string) []string {
	filtered := make([]string, 0, len(environ))
	for _, entry := range environ {
		name, _, _ := strings.Cut(entry, "=")
		skip := false
		for _, k := range keys {
			if strings.EqualFold(name, k) {
				skip = true
				break
			}
		}
		if !skip {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}
