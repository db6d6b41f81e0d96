// Package engine provides the core types and the convergence workflow of netconverge.
//
// # Overview
//
// netconverge drives the network configuration of a host toward a declared
// desired state. Every convergence cycle runs through the same steps:
//
//  1. Desired - Validate a desired-state document (NewDesiredState)
//  2. Snapshot - Read the current system state (Inspector)
//  3. Diff - Compute an ordered, minimal plan of change operations (Planner)
//  4. Guard - Evaluate the plan against policy (PlanGuard)
//  5. Apply - Execute the plan sequentially through the gateway (PlanExecutor)
//  6. Record - Append one ledger entry per attempted operation (Ledger)
//
// The Orchestrator ties the steps together and holds a per-location lock for
// the duration of a non-dry-run cycle.
//
// # Core Domain Types
//
//   - SystemState: Snapshot of services, hardware ports, VLANs, bonds, wireless
//     devices and locations. Unreadable entities are marked unknown.
//   - Document / DesiredState: The desired configuration. Nil fields are unmanaged.
//   - ChangeOp: One backend command with its phase, target and dependencies.
//   - Plan: Ordered change operations plus planner warnings.
//   - ApplyReport: Per-operation outcomes of one apply.
//   - ChangeRecord: One immutable ledger entry.
//
// # Ordering
//
// Operations are ordered by dependency first and by phase second:
//
//	location < hardware < structure < enable < addressing < settings < order < teardown
//
// Within a phase operations keep the order in which the planner emitted them,
// so a given snapshot and document always produce the same plan.
//
// # Error Classification
//
// Errors are classified for retry decisions:
//
//   - Transient: Backend failures and timeouts; retried with exponential backoff
//   - Conflict: Lock contention; never retried by the executor
//   - Permanent: Validation, unknown entities, invalid arguments, cancellation
//
// A plan that stops early returns a *PartialApplyError holding the applied prefix:
//
//	report, err := executor.Apply(ctx, plan, engine.ApplyOptions{})
//	var pae *engine.PartialApplyError
//	if errors.As(err, &pae) {
//	    log.Printf("%d operations applied before %s", len(pae.Applied), pae.Failed.ID)
//	}
//
// # Example Usage
//
//	desired, err := engine.NewDesiredState(doc)
//	executor := engine.NewPlanExecutor(gw, ledger, engine.DefaultExecutorConfig())
//	orch := engine.NewOrchestrator(inspector, executor, ledger, ledger, guard)
//	report, err := orch.Converge(ctx, desired, engine.ConvergeOptions{})
//
// # Thread Safety
//
// Planner and DesiredState are safe for concurrent use. A PlanExecutor applies
// one plan at a time; concurrent writers to the same host are excluded by the
// location lock, not by the executor.
package engine
