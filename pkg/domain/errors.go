package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common domain errors
var (
	ErrComponentNotFound = errors.New("component not found")
	ErrCircuitOpen       = errors.New("circuit breaker is open")
	ErrFallbackDisabled  = errors.New("fallback is disabled")
	ErrShuttingDown      = errors.New("core is shutting down")
)

// ValidationError reports invalid registration input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %q: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NotFoundError reports an unknown component name.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("component %q not found", e.Name)
}

func (e *NotFoundError) Unwrap() error { return ErrComponentNotFound }

// DependencyError reports a dependency problem. Missing and circular
// dependencies are flagged at registration time without blocking it; a
// non-empty Dependents list blocks unregistration.
type DependencyError struct {
	Name       string
	Missing    []string
	Circular   bool
	Dependents []string
}

func (e *DependencyError) Error() string {
	switch {
	case len(e.Dependents) > 0:
		return fmt.Sprintf("component %q has active dependents: %s", e.Name, strings.Join(e.Dependents, ", "))
	case e.Circular:
		return fmt.Sprintf("component %q participates in a dependency cycle", e.Name)
	case len(e.Missing) > 0:
		return fmt.Sprintf("component %q has missing dependencies: %s", e.Name, strings.Join(e.Missing, ", "))
	default:
		return fmt.Sprintf("dependency error for component %q", e.Name)
	}
}

// ResourceExhaustedError reports a failed admission check. Reasons itemizes
// every exceeded dimension.
type ResourceExhaustedError struct {
	Component string
	Reasons   []string
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("resource allocation for %q rejected: %s", e.Component, strings.Join(e.Reasons, "; "))
}

// TimeoutError reports that a probe or execution exceeded its budget.
type TimeoutError struct {
	Component string
	Op        string
	Budget    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s of component %q exceeded %v", e.Op, e.Component, e.Budget)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// ErrTimeout is the sentinel all TimeoutErrors unwrap to.
var ErrTimeout = errors.New("operation timed out")

// CircuitOpenError reports that an operation was skipped because the
// component's breaker is open.
type CircuitOpenError struct {
	Component   string
	NextAttempt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for component %q until %s", e.Component, e.NextAttempt.Format(time.RFC3339))
}

func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

// InvalidStateError reports an operation attempted in a state that does not
// permit it, e.g. a fallback requested for a healthy component.
type InvalidStateError struct {
	Name    string
	State   string
	Message string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("component %q in state %q: %s", e.Name, e.State, e.Message)
}

// FallbackExhaustedError indicates the tiered ladder spent its substitution
// budget. It never surfaces to callers as an error: the emergency paths always
// yield a value, with the exhaustion recorded in the result reason.
type FallbackExhaustedError struct {
	Original string
	Depth    int
}

func (e *FallbackExhaustedError) Error() string {
	return fmt.Sprintf("fallback exhausted for component %q at depth %d", e.Original, e.Depth)
}
