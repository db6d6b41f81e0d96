package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ExecutorConfig controls retry and timeout behaviour of the plan executor.
type ExecutorConfig struct {
	// MaxRetries is the number of retries after the first attempt for
	// retryable failures.
	MaxRetries int

	// BaseBackoff is the delay before the first retry; it doubles per retry.
	BaseBackoff time.Duration

	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration

	// OpTimeout bounds every backend invocation.
	OpTimeout time.Duration
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxRetries:  3,
		BaseBackoff: 1 * time.Second,
		MaxBackoff:  time.Minute,
		OpTimeout:   30 * time.Second,
	}
}

// ApplyOptions are per-apply settings.
type ApplyOptions struct {
	// DryRun validates every operation and its ordering without invoking
	// the backend or writing the ledger.
	DryRun bool

	// RunID identifies the apply in the ledger; generated when empty.
	RunID string

	// FirstSequence offsets ledger sequence numbers when several plans share a run.
	FirstSequence int
}

// PlanExecutor applies plans strictly sequentially through a Gateway and
// records every attempted operation in the Ledger before moving on.
type PlanExecutor struct {
	gateway  Gateway
	ledger   Ledger
	config   ExecutorConfig
	recorder Recorder

	// sleep waits for d or until ctx is done
	sleep func(ctx context.Context, d time.Duration) error

	now func() time.Time
}

// NewPlanExecutor creates a new plan executor.
func NewPlanExecutor(gateway Gateway, ledger Ledger, config ExecutorConfig) *PlanExecutor {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = 1 * time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = time.Minute
	}
	if config.OpTimeout <= 0 {
		config.OpTimeout = 30 * time.Second
	}

	return &PlanExecutor{
		gateway:  gateway,
		ledger:   ledger,
		config:   config,
		recorder: nopRecorder{},
		sleep:    sleepContext,
		now:      time.Now,
	}
}

// WithRecorder sets the measurement recorder.
func (e *PlanExecutor) WithRecorder(r Recorder) *PlanExecutor {
	if r != nil {
		e.recorder = r
	}
	return e
}

// Apply executes plan. It returns the report and, when the plan did not
// fully apply, a *PartialApplyError describing the successful prefix.
// Cancellation of ctx is honored between operations only; an in-flight
// backend call always runs to completion or its own timeout.
func (e *PlanExecutor) Apply(ctx context.Context, plan *Plan, opts ApplyOptions) (*ApplyReport, error) {
	if plan == nil {
		return nil, NewPermanentError("plan is nil", nil).WithCode(ErrCodeValidation)
	}
	if err := ValidateOrder(plan); err != nil {
		return nil, err
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "engine.apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.String("plan_id", plan.ID),
		attribute.String("location", plan.Location),
		attribute.Int("op_count", len(plan.Ops)),
		attribute.Bool("dry_run", opts.DryRun),
	)

	report := &ApplyReport{
		RunID:     runID,
		PlanID:    plan.ID,
		Location:  plan.Location,
		Results:   make([]OpResult, len(plan.Ops)),
		Warnings:  plan.Warnings,
		StartedAt: e.now(),
	}
	for i, op := range plan.Ops {
		report.Results[i] = OpResult{Op: op, Outcome: OutcomeNotAttempted}
	}

	logger := log.With().Ctx(ctx).Str("run_id", runID).Str("location", plan.Location).Logger()

	var err error
	if opts.DryRun {
		err = e.dryRun(plan, report)
	} else {
		logger.Info().Int("ops", len(plan.Ops)).Msg("Applying plan")
		err = e.execute(ctx, plan, report, opts.FirstSequence)
	}

	report.CompletedAt = e.now()
	report.Duration = report.CompletedAt.Sub(report.StartedAt)
	e.recorder.RecordApply(report.Status, report.Duration)

	span.SetAttributes(attribute.String("status", string(report.Status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Str("status", string(report.Status)).Msg("Plan did not fully apply")
		return report, err
	}
	span.SetStatus(codes.Ok, "")
	logger.Info().Str("status", string(report.Status)).Dur("duration", report.Duration).Msg("Plan applied")
	return report, nil
}

// dryRun validates each operation against the gateway catalog without
// invoking it.
func (e *PlanExecutor) dryRun(plan *Plan, report *ApplyReport) error {
	report.Status = ApplyStatusDryRun
	var invalid []string
	for i, op := range plan.Ops {
		if err := e.gateway.Validate(op.Command); err != nil {
			report.Results[i].Outcome = OutcomeFailed
			report.Results[i].Error = err.Error()
			invalid = append(invalid, fmt.Sprintf("%s: %v", op.ID, err))
			continue
		}
		report.Results[i].Outcome = OutcomeDryRun
	}
	if len(invalid) > 0 {
		return &ValidationError{Violations: invalid}
	}
	return nil
}

// execute runs the plan's operations in order and halts on the first failure.
func (e *PlanExecutor) execute(ctx context.Context, plan *Plan, report *ApplyReport, seq int) error {
	for i := range plan.Ops {
		op := &plan.Ops[i]

		// Cancellation is only observed between operations
		if ctx.Err() != nil {
			return e.handleCancellation(ctx, plan, report, seq, i, nil)
		}

		result, opErr := e.executeOp(ctx, report.RunID, op)
		report.Results[i] = result

		rec := e.changeRecord(report, seq+i+1, op, result)
		if err := e.ledger.Record(context.WithoutCancel(ctx), rec); err != nil {
			report.Status = haltStatus(i, result.Outcome)
			cause := NewPermanentError("failed to record change", err).
				WithCode(ErrCodeLedger).WithTarget(op.Target).WithOperation(op.Command.Verb)
			return e.partial(report, op, cause)
		}

		if opErr != nil {
			if ctx.Err() != nil && errors.Is(opErr, ErrCancelled) {
				return e.handleCancellation(ctx, plan, report, seq, i+1, op)
			}
			report.Status = haltStatus(i, OutcomeFailed)
			return e.partial(report, op, opErr)
		}
	}

	report.Status = ApplyStatusConverged
	return nil
}

// executeOp runs one operation with retries and returns its final result.
func (e *PlanExecutor) executeOp(ctx context.Context, runID string, op *ChangeOp) (OpResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "engine.op")
	defer span.End()
	span.SetAttributes(
		attribute.String("op_id", op.ID),
		attribute.String("verb", op.Command.Verb),
		attribute.String("target", op.Target),
	)

	logger := log.With().
		Ctx(ctx).
		Str("run_id", runID).
		Str("op", op.ID).
		Str("verb", op.Command.Verb).
		Str("target", op.Target).
		Logger()

	start := e.now()
	result := OpResult{Op: *op}
	var err error

	for attempt := 1; attempt <= e.config.MaxRetries+1; attempt++ {
		result.Attempts = attempt

		// The attempt is detached from plan cancellation and bounded by its own timeout
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.OpTimeout)
		_, err = e.gateway.Execute(attemptCtx, op.Command)
		cancel()

		if err == nil {
			break
		}

		if !IsRetryable(err) {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("Operation failed with non-retryable error")
			break
		}

		if attempt > e.config.MaxRetries {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("Retries exhausted")
			break
		}

		backoff := e.calculateBackoff(attempt)
		logger.Warn().Err(err).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msgf("Retrying after failure (attempt %d/%d)", attempt, e.config.MaxRetries+1)
		e.recorder.RecordRetry(op.Command.Verb)

		if waitErr := e.sleep(ctx, backoff); waitErr != nil {
			err = NewPermanentError("apply cancelled during retry backoff", err).
				WithCode(ErrCodeCancelled).WithTarget(op.Target).WithOperation(op.Command.Verb)
			break
		}
	}

	result.Duration = e.now().Sub(start)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		result.Outcome = OutcomeSuccess
		span.SetStatus(codes.Ok, "")
		logger.Info().Int("attempts", result.Attempts).Msg("Operation applied")
	}
	span.SetAttributes(attribute.Int("attempts", result.Attempts))
	e.recorder.RecordOperation(op.Command.Verb, result.Outcome, result.Attempts, result.Duration)

	return result, err
}

// calculateBackoff calculates exponential backoff with jitter.
func (e *PlanExecutor) calculateBackoff(attempt int) time.Duration {
	// Exponential backoff: delay = base * 2^(attempt-1)
	delay := time.Duration(float64(e.config.BaseBackoff) * math.Pow(2, float64(attempt-1)))
	if delay > e.config.MaxBackoff || delay <= 0 {
		delay = e.config.MaxBackoff
	}

	// Add up to 25% jitter
	jitter := time.Duration(rand.Int64N(int64(delay)/4 + 1))
	return delay + jitter
}

// handleCancellation writes the final cancelled record and builds the error.
// next is the index of the first operation that will not run.
func (e *PlanExecutor) handleCancellation(
	ctx context.Context,
	plan *Plan,
	report *ApplyReport,
	seq int,
	next int,
	failed *ChangeOp,
) error {
	applied := report.Count(OutcomeSuccess)
	if applied > 0 {
		report.Status = ApplyStatusPartiallyApplied
	} else {
		report.Status = ApplyStatusFailed
	}

	rec := ChangeRecord{
		ID:        uuid.New().String(),
		RunID:     report.RunID,
		Location:  report.Location,
		Sequence:  seq + next + 1,
		Kind:      OperationCancel,
		Outcome:   OutcomeCancelled,
		Error:     fmt.Sprintf("apply cancelled: %d of %d operations applied", applied, len(plan.Ops)),
		Timestamp: e.now(),
	}
	if next < len(plan.Ops) {
		rec.OpID = plan.Ops[next].ID
		rec.Target = plan.Ops[next].Target
		rec.Verb = plan.Ops[next].Command.Verb
	}

	cause := NewPermanentError("apply cancelled", ctx.Err()).WithCode(ErrCodeCancelled)
	if err := e.ledger.Record(context.WithoutCancel(ctx), rec); err != nil {
		log.Error().Err(err).Str("run_id", report.RunID).Msg("Failed to record cancellation")
		cause = cause.WithDetail("ledger_error", err.Error())
	}
	log.Warn().Str("run_id", report.RunID).Int("applied", applied).Msg("Apply cancelled")

	return e.partial(report, failed, cause)
}

func (e *PlanExecutor) partial(report *ApplyReport, failed *ChangeOp, cause error) error {
	pae := &PartialApplyError{
		Report:  report,
		Applied: report.Applied(),
		Err:     cause,
	}
	if failed != nil {
		op := *failed
		pae.Failed = &op
	}
	return pae
}

func (e *PlanExecutor) changeRecord(report *ApplyReport, seq int, op *ChangeOp, result OpResult) ChangeRecord {
	return ChangeRecord{
		ID:        uuid.New().String(),
		RunID:     report.RunID,
		Location:  report.Location,
		Sequence:  seq,
		OpID:      op.ID,
		Kind:      op.Kind,
		Verb:      op.Command.Verb,
		Command:   op.Command.String(),
		Target:    op.Target,
		Attribute: op.Attribute,
		Previous:  op.Previous,
		New:       op.Desired,
		Outcome:   result.Outcome,
		Error:     result.Error,
		Attempts:  result.Attempts,
		Timestamp: e.now(),
	}
}

// haltStatus returns the apply status when the plan stops at index i.
func haltStatus(i int, outcome Outcome) ApplyStatus {
	if i > 0 || outcome == OutcomeSuccess {
		return ApplyStatusPartiallyApplied
	}
	return ApplyStatusFailed
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

const tracerName = "github.com/netconverge/netconverge/pkg/engine"
