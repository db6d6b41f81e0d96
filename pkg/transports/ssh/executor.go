package ssh

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/netconverge/netconverge/pkg/gateway"
)

// Runner runs the backend binary on the remote host. It implements
// gateway.Runner and gateway.Stager.
type Runner struct {
	client  *Client
	useSudo bool
}

var (
	_ gateway.Runner = (*Runner)(nil)
	_ gateway.Stager = (*Runner)(nil)
)

// NewRunner creates a runner over client. With useSudo the binary is run
// through non-interactive sudo.
func NewRunner(client *Client, useSudo bool) *Runner {
	return &Runner{client: client, useSudo: useSudo}
}

// Run executes name with args on the remote host. A non-zero exit status is
// reported in the result; errors are reserved for transport failures.
func (r *Runner) Run(ctx context.Context, name string, args ...string) (*gateway.RunResult, error) {
	line := commandLine(r.useSudo, name, args)

	session, err := r.client.newSession(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(line)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return &gateway.RunResult{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}, ctx.Err()
	case runErr = <-done:
	}

	result := &gateway.RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	log.Debug().
		Str("host", r.client.config.Host).
		Str("command", name).
		Int("args", len(args)).
		Dur("duration", result.Duration).
		Err(runErr).
		Msg("remote command completed")

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return nil, &TransportError{Op: "exec", Err: runErr, IsTemporary: true}
	}
	return result, nil
}

// commandLine renders the invocation for the remote shell.
func commandLine(useSudo bool, name string, args []string) string {
	parts := make([]string, 0, len(args)+3)
	if useSudo {
		parts = append(parts, "sudo", "-n")
	}
	parts = append(parts, shellQuote(name))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
