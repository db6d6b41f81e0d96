package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// maxLocationPasses bounds converge passes: one to switch location, one for
// the service-level plan against the new location.
const maxLocationPasses = 2

// ConvergeOptions are per-cycle settings.
type ConvergeOptions struct {
	// DryRun plans and validates without touching the backend, the ledger or the lock.
	DryRun bool

	// Owner identifies the lock holder; generated when empty.
	Owner string

	// LockTTL bounds how long a crashed owner can block the location. The
	// lock is refreshed every third of it while the cycle runs.
	LockTTL time.Duration
}

// Orchestrator runs one convergence cycle:
// lock, snapshot, diff, guard, apply, release.
type Orchestrator struct {
	inspector Inspector
	planner   *Planner
	executor  *PlanExecutor
	locker    Locker
	runs      RunStore
	guard     PlanGuard

	// newTicker drives lock refreshes; tests swap it for a manual channel.
	newTicker func(d time.Duration) (<-chan time.Time, func())
}

// NewOrchestrator wires the cycle components. locker, runs and guard may be nil.
func NewOrchestrator(
	inspector Inspector,
	executor *PlanExecutor,
	locker Locker,
	runs RunStore,
	guard PlanGuard,
) *Orchestrator {
	return &Orchestrator{
		inspector: inspector,
		planner:   NewPlanner(),
		executor:  executor,
		locker:    locker,
		runs:      runs,
		guard:     guard,
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
}

// Plan snapshots the system and computes the plan for desired.
func (o *Orchestrator) Plan(ctx context.Context, desired *DesiredState) (*Plan, *SystemState, error) {
	current, err := o.inspector.Snapshot(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to snapshot system state: %w", err)
	}
	plan, err := o.planner.Diff(current, desired)
	if err != nil {
		return nil, current, err
	}
	return plan, current, nil
}

// Converge drives the system to desired and returns the combined report.
func (o *Orchestrator) Converge(ctx context.Context, desired *DesiredState, opts ConvergeOptions) (*ApplyReport, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "engine.converge")
	defer span.End()
	span.SetAttributes(attribute.String("location", desired.Location()), attribute.Bool("dry_run", opts.DryRun))

	runID := uuid.New().String()
	logger := log.With().Ctx(ctx).Str("run_id", runID).Str("location", desired.Location()).Logger()

	if !opts.DryRun && o.locker != nil {
		owner := opts.Owner
		if owner == "" {
			owner = runID
		}
		ttl := opts.LockTTL
		if ttl <= 0 {
			ttl = 10 * time.Minute
		}
		if err := o.locker.AcquireLock(ctx, desired.Location(), owner, ttl); err != nil {
			return nil, err
		}
		defer func() {
			if err := o.locker.ReleaseLock(context.WithoutCancel(ctx), desired.Location(), owner); err != nil {
				logger.Error().Err(err).Msg("Failed to release location lock")
			}
		}()

		var cancel context.CancelCauseFunc
		ctx, cancel = context.WithCancelCause(ctx)
		defer o.keepLock(ctx, cancel, desired.Location(), owner, ttl, logger)()
	}

	var combined *ApplyReport
	for pass := 0; pass < maxLocationPasses; pass++ {
		plan, current, err := o.Plan(ctx, desired)
		if err != nil {
			return combined, err
		}
		logger.Info().Int("ops", len(plan.Ops)).Int("pass", pass+1).Msg("Plan computed")

		if o.guard != nil && !plan.IsEmpty() {
			res, err := o.guard.EvaluatePlan(ctx, plan, current)
			if err != nil {
				return combined, err
			}
			if res != nil {
				plan.Warnings = append(plan.Warnings, res.Warnings...)
			}
		}

		first := 0
		if combined != nil {
			first = len(combined.Results)
		}
		report, applyErr := o.executor.Apply(ctx, plan, ApplyOptions{
			DryRun:        opts.DryRun,
			RunID:         runID,
			FirstSequence: first,
		})
		combined = mergeReports(combined, report)

		if !opts.DryRun && o.runs != nil && report != nil {
			if err := o.runs.SaveRun(context.WithoutCancel(ctx), combined); err != nil {
				logger.Error().Err(err).Msg("Failed to save run summary")
			}
		}
		if applyErr != nil {
			if cause := context.Cause(ctx); errors.Is(cause, ErrLocked) {
				applyErr = cause
			}
			return combined, applyErr
		}
		if opts.DryRun || !plan.HasLocationOps() {
			return combined, nil
		}
	}

	return combined, NewPermanentError("location did not become current after switching", nil).
		WithCode(ErrCodeInternal).WithTarget("location/" + desired.Location())
}

// keepLock refreshes the location lock until the returned stop function is
// called. Losing the lock to another owner cancels the cycle; the op in
// flight finishes and nothing after it runs.
func (o *Orchestrator) keepLock(ctx context.Context, cancel context.CancelCauseFunc, location, owner string, ttl time.Duration, logger zerolog.Logger) (stop func()) {
	ticks, stopTicker := o.newTicker(ttl / 3)
	quit := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer stopTicker()
		for {
			select {
			case <-quit:
				return
			case <-ctx.Done():
				return
			case <-ticks:
				err := o.locker.AcquireLock(ctx, location, owner, ttl)
				switch {
				case err == nil:
					logger.Debug().Msg("Location lock refreshed")
				case errors.Is(err, ErrLocked):
					logger.Error().Err(err).Msg("Location lock lost, stopping")
					cancel(fmt.Errorf("location lock lost: %w", err))
					return
				default:
					logger.Warn().Err(err).Msg("Failed to refresh location lock")
				}
			}
		}
	}()

	return func() {
		close(quit)
		<-done
		cancel(nil)
	}
}

// mergeReports appends the results of next onto prev.
func mergeReports(prev, next *ApplyReport) *ApplyReport {
	if prev == nil {
		return next
	}
	if next == nil {
		return prev
	}
	merged := *prev
	merged.PlanID = next.PlanID
	merged.Status = next.Status
	if next.Status == ApplyStatusFailed && prev.Count(OutcomeSuccess) > 0 {
		merged.Status = ApplyStatusPartiallyApplied
	}
	merged.Results = append(append([]OpResult{}, prev.Results...), next.Results...)
	merged.Warnings = append(append([]string{}, prev.Warnings...), next.Warnings...)
	merged.CompletedAt = next.CompletedAt
	merged.Duration = merged.CompletedAt.Sub(merged.StartedAt)
	return &merged
}
