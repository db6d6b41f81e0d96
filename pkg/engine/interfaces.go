package engine

import (
	"context"
	"time"
)

// Gateway is the single path to the backend utility. Implementations perform
// exactly one invocation per Execute call and never retry.
type Gateway interface {
	// Execute validates cmd against the verb catalog and runs it.
	Execute(ctx context.Context, cmd Command) (*CommandOutput, error)

	// Validate checks cmd against the verb catalog without running it.
	Validate(cmd Command) error
}

// Inspector captures the current system state.
type Inspector interface {
	// Snapshot issues read-only queries and assembles a SystemState.
	Snapshot(ctx context.Context) (*SystemState, error)
}

// Ledger is the append-only change log.
type Ledger interface {
	// Record appends one immutable change record.
	Record(ctx context.Context, rec ChangeRecord) error
}

// RunStore persists apply summaries.
type RunStore interface {
	// SaveRun stores the final report of an apply.
	SaveRun(ctx context.Context, report *ApplyReport) error
}

// Locker serializes applies per location.
type Locker interface {
	// AcquireLock takes the location lock for owner or fails with ErrLocked.
	AcquireLock(ctx context.Context, location, owner string, ttl time.Duration) error

	// ReleaseLock releases a lock held by owner.
	ReleaseLock(ctx context.Context, location, owner string) error
}

// PlanGuard vets a plan before it is applied.
type PlanGuard interface {
	// EvaluatePlan returns an error wrapping ErrPolicyDenied when the plan must not run.
	EvaluatePlan(ctx context.Context, plan *Plan, current *SystemState) (*GuardResult, error)
}

// GuardResult carries non-blocking findings from a PlanGuard.
type GuardResult struct {
	Warnings []string `json:"warnings,omitempty"`
}

// Recorder receives execution measurements. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// RecordOperation is called once per attempted operation with its final outcome.
	RecordOperation(verb string, outcome Outcome, attempts int, d time.Duration)

	// RecordRetry is called before each retry wait.
	RecordRetry(verb string)

	// RecordApply is called once per apply.
	RecordApply(status ApplyStatus, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordOperation(string, Outcome, int, time.Duration) {}
func (nopRecorder) RecordRetry(string)                                  {}
func (nopRecorder) RecordApply(ApplyStatus, time.Duration)              {}
