package errclass

import (
	"errors"
	"fmt"
	"time"
)

// ErrLockContention is returned when a distributed lock is held by another owner.
var ErrLockContention = errors.New("errclass: lock held by another owner")

// StatusError carries a transport status code from a remote dependency.
type StatusError struct {
	Code    int
	Message string
	Err     error
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.Code)
	}

	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() error { return e.Err }

// ValidationError reports malformed input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}

	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// PermissionError reports a denied action. It is never retried.
type PermissionError struct {
	Action string
}

func (e *PermissionError) Error() string {
	return "permission denied: " + e.Action
}

// ConflictError reports that the effect is already present, typically a
// duplicate key on insert.
type ConflictError struct {
	Key string
	Err error
}

func (e *ConflictError) Error() string {
	return "conflict on " + e.Key
}

func (e *ConflictError) Unwrap() error { return e.Err }

// CircuitOpenError is returned when a breaker rejects a call.
type CircuitOpenError struct {
	Dependency string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s", e.Dependency)
}

// RateLimitError is returned when a call exceeds its rate limit.
type RateLimitError struct {
	Dependency string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Dependency, e.RetryAfter)
}

type markedError struct {
	err  error
	kind Kind
}

func (e *markedError) Error() string { return e.err.Error() }

func (e *markedError) Unwrap() error { return e.err }

// Mark attaches an explicit kind to err. Classify returns it in preference
// to any inferred kind.
func Mark(err error, kind Kind) error {
	if err == nil {
		return nil
	}

	return &markedError{err: err, kind: kind}
}
