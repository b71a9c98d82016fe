package flow4ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind enumerates the error taxonomy of spec §7. Each error record
// produced by the engine or manager carries exactly one Kind.
type Kind string

const (
	KindCompileError    Kind = "COMPILE_ERROR"
	KindValidationError Kind = "VALIDATION_ERROR"
	KindUnknownGraph    Kind = "UNKNOWN_GRAPH"
	KindInputTimeout    Kind = "INPUT_TIMEOUT"
	KindRunError        Kind = "RUN_ERROR"
	KindNonMappingOut   Kind = "NON_MAPPING_OUTPUT"
	KindCancelled       Kind = "CANCELLED"
	KindParamBindError  Kind = "PARAM_BIND_ERROR"
)

// Error carries rich context about a pipeline failure: where in the graph
// it happened, what was being processed, and why. Generalized with a Kind
// and TaskID to match spec §7's per-task error record shape
// {kind, job_fqn?, task_id, message, cause?}.
type Error struct {
	Kind      Kind
	JobFQN    string // empty when the error isn't attributable to one job
	TaskID    string
	Message   string
	Cause     error
	Path      []string // FQNs from outermost connector to innermost failure
	Timestamp time.Time
	Duration  time.Duration
	Timeout   bool
	Canceled  bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	path := strings.Join(e.Path, " -> ")
	if path == "" {
		path = e.JobFQN
	}
	if path == "" {
		path = "unknown"
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, path)
	}
	return fmt.Sprintf("%s at %s: %v", e.Kind, path, e.Cause)
}

// Unwrap returns the underlying cause, supporting errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTimeout reports whether the failure was a deadline, either an
// INPUT_TIMEOUT or a context.DeadlineExceeded cause.
func (e *Error) IsTimeout() bool {
	if e == nil {
		return false
	}
	return e.Timeout || e.Kind == KindInputTimeout || errors.Is(e.Cause, context.DeadlineExceeded)
}

// IsCanceled reports whether the failure was cooperative cancellation.
func (e *Error) IsCanceled() bool {
	if e == nil {
		return false
	}
	return e.Canceled || e.Kind == KindCancelled || errors.Is(e.Cause, context.Canceled)
}

// newError builds an *Error for the given kind/job/task, stamping the
// current time. Cause may be nil for pure taxonomy errors (e.g. validation
// failures synthesized before any task exists).
func newError(kind Kind, jobFQN, taskID, message string, cause error) *Error {
	var path []string
	if jobFQN != "" {
		path = []string{jobFQN}
	}
	return &Error{
		Kind:      kind,
		JobFQN:    jobFQN,
		TaskID:    taskID,
		Message:   message,
		Cause:     cause,
		Path:      path,
		Timestamp: time.Now(),
	}
}
