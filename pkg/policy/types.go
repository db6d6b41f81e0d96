package policy

import (
	"time"

	"github.com/netconverge/netconverge/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational findings.
	SeverityInfo Severity = "info"

	// SeverityWarning is surfaced on the plan but does not block it.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the plan.
	SeverityError Severity = "error"
)

// Blocking reports whether violations of this severity deny a plan.
func (s Severity) Blocking() bool {
	return s == SeverityError
}

// Policy is a Rego module whose deny set is evaluated against every plan.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name" yaml:"name"`

	// Description is a human-readable summary.
	Description string `json:"description" yaml:"description"`

	// Rego contains the module source. It must define a deny set.
	Rego string `json:"rego" yaml:"rego"`

	// Severity is the default severity for violations that do not set one.
	Severity Severity `json:"severity" yaml:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Source is the file the policy was loaded from; empty for built-ins.
	Source string `json:"source,omitempty" yaml:"-"`
}

// Violation is one element of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Target   string   `json:"target,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// String renders the violation for plan warnings and errors.
func (v Violation) String() string {
	return v.Policy + ": " + v.Message
}

// Result is the outcome of evaluating every enabled policy against a plan.
type Result struct {
	Allowed           bool          `json:"allowed"`
	Violations        []Violation   `json:"violations,omitempty"`
	Warnings          []Violation   `json:"warnings,omitempty"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	Plan        *engine.Plan        `json:"plan"`
	Current     *engine.SystemState `json:"current"`
	EvaluatedAt time.Time           `json:"evaluated_at"`
}
