package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies why a target or run did not succeed.
type ErrorKind string

const (
	KindStepFailure       ErrorKind = "step_failure"
	KindStepTimeout       ErrorKind = "step_timeout"
	KindHealthCheckFailed ErrorKind = "health_check_failed"
	KindHealthCheckError  ErrorKind = "health_check_error"
	KindCancelled         ErrorKind = "cancelled"
	KindConfiguration     ErrorKind = "configuration"
)

var (
	// ErrCancelled marks work stopped by the caller's context.
	ErrCancelled = errors.New("cancelled")

	// ErrStepInFlight is returned when the same step of the same target is
	// already executing.
	ErrStepInFlight = errors.New("step already in flight")

	// ErrNotFound indicates a missing archived run.
	ErrNotFound = errors.New("not found")
)

// Error carries the taxonomy kind and where it happened.
type Error struct {
	Kind   ErrorKind
	Target string
	Step   string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Target != "" {
		b.WriteString(" target=" + e.Target)
	}
	if e.Step != "" {
		b.WriteString(" step=" + e.Step)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind: errors.Is(err, &Error{Kind: KindCancelled}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Target == "" || t.Target == e.Target)
}

// KindOf returns the taxonomy kind of err, or "" when err is not a *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ValidationError describes one malformed field of a plan.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("%s=%s: %s", e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every problem found in one pass.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	if len(errs) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, "  - "+e.Error())
	}
	return fmt.Sprintf("validation failed with %d error(s):\n%s", len(errs), strings.Join(msgs, "\n"))
}

// Add appends a validation error.
func (errs *ValidationErrors) Add(field, value, message string) {
	*errs = append(*errs, ValidationError{Field: field, Value: value, Message: message})
}

// Err returns nil when empty so callers can `return errs.Err()`.
func (errs ValidationErrors) Err() error {
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// ConfigurationError wraps validation problems as a fatal run error.
func ConfigurationError(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindConfiguration, Err: err}
}
