package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a failure that may succeed on retry.
	// Examples: backend command timeouts, a busy configuration daemon.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a state conflict such as a held location lock.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid desired state, unknown network service, malformed arguments.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Target is the entity ID that caused the error, if applicable.
	Target string `json:"target,omitempty"`

	// Operation is the backend verb or engine step being performed.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	switch {
	case e.Target != "" && e.Operation != "":
		fmt.Fprintf(&b, " (target=%s, operation=%s)", e.Target, e.Operation)
	case e.Target != "":
		fmt.Fprintf(&b, " (target=%s)", e.Target)
	case e.Operation != "":
		fmt.Fprintf(&b, " (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when class and code are equal; a sentinel with an
// empty code matches any error of its class.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	if t.Code == "" {
		return e.Class == t.Class
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithTarget adds target entity context to an error.
func (e *EngineError) WithTarget(target string) *EngineError {
	e.Target = target
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the executor may retry the failed operation.
// Only transient backend failures and timeouts qualify.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// ErrorCode extracts the code of the first EngineError in the chain.
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether any EngineError in the chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var e *EngineError
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeInvalidArgument = "INVALID_ARGUMENT"
	ErrCodeBackendFailure  = "BACKEND_FAILURE"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodePartialApply    = "PARTIAL_APPLY"
	ErrCodeCancelled       = "CANCELLED"
	ErrCodeLocked          = "LOCKED"
	ErrCodePolicyDenied    = "POLICY_DENIED"
	ErrCodeLedger          = "LEDGER_ERROR"
	ErrCodeInternal        = "INTERNAL_ERROR"
)

// Sentinels for errors.Is checks.
var (
	ErrValidation      = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeValidation}
	ErrNotFound        = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotFound}
	ErrInvalidArgument = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeInvalidArgument}
	ErrBackendFailure  = &EngineError{Class: ErrorClassTransient, Code: ErrCodeBackendFailure}
	ErrTimeout         = &EngineError{Class: ErrorClassTransient, Code: ErrCodeTimeout}
	ErrCancelled       = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeCancelled}
	ErrLocked          = &EngineError{Class: ErrorClassConflict, Code: ErrCodeLocked}
	ErrPolicyDenied    = &EngineError{Class: ErrorClassPermanent, Code: ErrCodePolicyDenied}
)

// ValidationError reports every violation found in a desired-state document.
type ValidationError struct {
	Violations []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Violations) == 1 {
		return "invalid desired state: " + e.Violations[0]
	}
	return fmt.Sprintf("invalid desired state (%d violations): %s",
		len(e.Violations), strings.Join(e.Violations, "; "))
}

// Is lets errors.Is(err, ErrValidation) match a ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// PartialApplyError is returned when a plan halts before its final operation.
// Applied holds the prefix of operations that succeeded, in order.
type PartialApplyError struct {
	// Report is the full apply report, including not-attempted operations.
	Report *ApplyReport

	// Applied is the successful prefix of the plan.
	Applied []ChangeOp

	// Failed is the operation that halted the plan; nil when halted by cancellation
	// between operations.
	Failed *ChangeOp

	// Err is the cause.
	Err error
}

// Error implements the error interface.
func (e *PartialApplyError) Error() string {
	if e.Failed != nil {
		return fmt.Sprintf("plan halted at %s after %d applied operation(s): %v",
			e.Failed.ID, len(e.Applied), e.Err)
	}
	return fmt.Sprintf("plan halted after %d applied operation(s): %v", len(e.Applied), e.Err)
}

// Unwrap returns the cause.
func (e *PartialApplyError) Unwrap() error {
	return e.Err
}

// Is matches the partial-apply sentinel code.
func (e *PartialApplyError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && t.Code == ErrCodePartialApply
}

// ErrPartialApply matches any PartialApplyError via errors.Is.
var ErrPartialApply = &EngineError{Class: ErrorClassPermanent, Code: ErrCodePartialApply}
