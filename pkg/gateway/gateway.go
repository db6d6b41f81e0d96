// Package gateway is the only path through which netconverge reads or changes
// system network configuration. Every command is checked against a verb
// catalog before the backend binary is started, and every failure is mapped to
// a classified engine error.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/netconverge/netconverge/pkg/engine"
)

// DefaultBinary is the backend invoked when no other binary is configured.
const DefaultBinary = "/usr/sbin/networksetup"

// Recorder receives one measurement per backend invocation.
type Recorder interface {
	RecordGatewayCall(verb, outcome string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordGatewayCall(string, string, time.Duration) {}

// Gateway validates and runs backend commands.
type Gateway struct {
	runner   Runner
	binary   string
	catalog  Catalog
	recorder Recorder
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithBinary sets the backend binary path.
func WithBinary(path string) Option {
	return func(g *Gateway) {
		if path != "" {
			g.binary = path
		}
	}
}

// WithCatalog replaces the verb catalog.
func WithCatalog(c Catalog) Option {
	return func(g *Gateway) {
		if c != nil {
			g.catalog = c
		}
	}
}

// WithRecorder sets the measurement recorder.
func WithRecorder(r Recorder) Option {
	return func(g *Gateway) {
		if r != nil {
			g.recorder = r
		}
	}
}

// New creates a gateway over runner.
func New(runner Runner, opts ...Option) *Gateway {
	g := &Gateway{
		runner:   runner,
		binary:   DefaultBinary,
		catalog:  DefaultCatalog,
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Validate checks cmd against the catalog without running anything.
func (g *Gateway) Validate(cmd engine.Command) error {
	spec, ok := g.catalog.Lookup(cmd.Verb)
	if !ok {
		return engine.NewPermanentError(fmt.Sprintf("unknown verb -%s", cmd.Verb), nil).
			WithCode(engine.ErrCodeInvalidArgument).WithOperation(cmd.Verb)
	}
	if err := spec.Check(cmd.Args); err != nil {
		return engine.NewPermanentError("invalid command arguments", err).
			WithCode(engine.ErrCodeInvalidArgument).WithOperation(cmd.Verb)
	}
	return nil
}

// Execute validates and runs cmd. Invalid commands never reach the backend.
func (g *Gateway) Execute(ctx context.Context, cmd engine.Command) (*engine.CommandOutput, error) {
	if err := g.Validate(cmd); err != nil {
		g.recorder.RecordGatewayCall(cmd.Verb, engine.ErrCodeInvalidArgument, 0)
		return nil, err
	}
	return g.invoke(ctx, cmd)
}

// Query runs a read-only verb and returns its standard output.
func (g *Gateway) Query(ctx context.Context, verb string, args ...string) (string, error) {
	cmd := engine.Command{Verb: verb, Args: args}
	if spec, ok := g.catalog.Lookup(verb); ok && spec.Mutating {
		return "", engine.NewPermanentError(fmt.Sprintf("-%s changes system state and cannot be used as a query", verb), nil).
			WithCode(engine.ErrCodeInvalidArgument).WithOperation(verb)
	}
	out, err := g.Execute(ctx, cmd)
	if err != nil {
		return "", err
	}
	return out.Stdout, nil
}

func (g *Gateway) invoke(ctx context.Context, cmd engine.Command) (*engine.CommandOutput, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "gateway.invoke")
	defer span.End()
	span.SetAttributes(attribute.String("verb", cmd.Verb))

	args, err := g.stage(ctx, cmd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	logger := log.With().Ctx(ctx).Str("verb", cmd.Verb).Logger()
	logger.Debug().Str("command", cmd.String()).Msg("Invoking backend")

	res, runErr := g.runner.Run(ctx, g.binary, append([]string{"-" + cmd.Verb}, args...)...)

	var duration time.Duration
	if res != nil {
		duration = res.Duration
	}

	if err := classify(ctx, cmd, res, runErr); err != nil {
		g.recorder.RecordGatewayCall(cmd.Verb, engine.ErrorCode(err), duration)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug().Err(err).Dur("duration", duration).Msg("Backend call failed")
		return nil, err
	}

	g.recorder.RecordGatewayCall(cmd.Verb, "ok", duration)
	span.SetStatus(codes.Ok, "")
	return &engine.CommandOutput{Stdout: res.Stdout, Stderr: res.Stderr, Duration: duration}, nil
}

// stage replaces file path arguments with their staged location when the
// runner executes on another host.
func (g *Gateway) stage(ctx context.Context, cmd engine.Command) ([]string, error) {
	stager, ok := g.runner.(Stager)
	spec, found := g.catalog.Lookup(cmd.Verb)
	if !ok || !found {
		return cmd.Args, nil
	}

	args := append([]string(nil), cmd.Args...)
	for i, kind := range spec.Args {
		if kind != ArgPath || i >= len(args) {
			continue
		}
		remote, err := stager.Stage(ctx, args[i])
		if err != nil {
			if isPermanent(err) {
				return nil, engine.NewPermanentError("failed to stage file", err).
					WithCode(engine.ErrCodeBackendFailure).WithOperation(cmd.Verb)
			}
			return nil, engine.NewTransientError("failed to stage file", err).
				WithCode(engine.ErrCodeBackendFailure).WithOperation(cmd.Verb)
		}
		args[i] = remote
	}
	return args, nil
}

// notFoundMarkers identify output naming an entity the backend doesn't know.
var notFoundMarkers = []string{
	"is not a recognized network service",
	"not a recognized",
	"Could not find",
	"Cannot find",
	"doesn't exist",
}

// permissionMarkers identify output from an unprivileged invocation.
var permissionMarkers = []string{
	"requires admin privileges",
	"must be run as root",
	"a password is required",
}

// classify maps a backend invocation to nil or a classified engine error.
func classify(ctx context.Context, cmd engine.Command, res *RunResult, runErr error) error {
	switch {
	case errors.Is(runErr, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return engine.NewTransientError("backend call timed out", runErr).
			WithCode(engine.ErrCodeTimeout).WithOperation(cmd.Verb)
	case errors.Is(runErr, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return engine.NewPermanentError("backend call cancelled", runErr).
			WithCode(engine.ErrCodeCancelled).WithOperation(cmd.Verb)
	case isPermanent(runErr):
		return engine.NewPermanentError("backend unreachable", runErr).
			WithCode(engine.ErrCodeBackendFailure).WithOperation(cmd.Verb)
	case runErr != nil:
		return engine.NewTransientError("backend call failed", runErr).
			WithCode(engine.ErrCodeBackendFailure).WithOperation(cmd.Verb)
	}

	output := strings.TrimSpace(res.Stdout + "\n" + res.Stderr)
	for _, m := range notFoundMarkers {
		if strings.Contains(output, m) {
			return engine.NewPermanentError(firstLine(output), nil).
				WithCode(engine.ErrCodeNotFound).WithOperation(cmd.Verb).WithTarget(firstArg(cmd))
		}
	}
	for _, m := range permissionMarkers {
		if strings.Contains(output, m) {
			return engine.NewPermanentError(firstLine(output), nil).
				WithCode(engine.ErrCodeBackendFailure).WithOperation(cmd.Verb)
		}
	}

	if res.ExitCode != 0 || strings.Contains(output, "** Error") || strings.TrimSpace(res.Stderr) != "" {
		msg := fmt.Sprintf("backend exited with status %d", res.ExitCode)
		if output != "" {
			msg += ": " + firstLine(output)
		}
		return engine.NewTransientError(msg, nil).
			WithCode(engine.ErrCodeBackendFailure).WithOperation(cmd.Verb).
			WithDetail("exit_code", res.ExitCode)
	}
	return nil
}

// isPermanent reports whether a runner error says retrying cannot help,
// such as a rejected SSH login.
func isPermanent(err error) bool {
	var temp interface{ Temporary() bool }
	return errors.As(err, &temp) && !temp.Temporary()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func firstArg(cmd engine.Command) string {
	if len(cmd.Args) == 0 {
		return ""
	}
	return cmd.Args[0]
}

const tracerName = "github.com/netconverge/netconverge/pkg/gateway"
