package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// RunResult is the raw outcome of one process invocation.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner starts the backend binary. A non-zero exit is reported through
// RunResult.ExitCode; the error return is reserved for failures to run at all.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (*RunResult, error)
}

// Stager copies a local file to where the runner's host can read it and
// returns the path to use there. Runners on the local host don't need it.
type Stager interface {
	Stage(ctx context.Context, localPath string) (string, error)
}

// LocalRunner runs the backend on this host.
type LocalRunner struct {
	// UseSudo runs the binary through non-interactive sudo.
	UseSudo bool
}

// Run executes name with args and captures its output.
func (r *LocalRunner) Run(ctx context.Context, name string, args ...string) (*RunResult, error) {
	var cmd *exec.Cmd
	if r.UseSudo {
		cmd = exec.CommandContext(ctx, "sudo", append([]string{"-n", name}, args...)...)
	} else {
		cmd = exec.CommandContext(ctx, name, args...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("failed to execute %s: %w", name, err)
	}
	return result, nil
}
