/*
errors.go - Centralized error taxonomy for the booking engine

PURPOSE:
  All error categories in one place for consistency and discoverability.
  Component packages wrap these with additional context; the API layer
  maps categories to HTTP statuses in exactly one switch.

ERROR CATEGORIES:
  Validation:   bad input shape/range, rejected before any write
  Conflict:     resource already booked, code/slug collision
  InvalidState: operation not legal for the entity's lifecycle state
  NotFound:     referenced entity does not exist
  Unauthorized: caller lacks the secret/token for the operation
  Transient:    store unavailable, downstream network failure

PROPAGATION POLICY:
  Client-category errors are surfaced to the caller and never retried.
  Transient errors inside a scheduled job are caught per item so one
  failure does not abort the batch; the next run is the retry mechanism,
  made safe by idempotency keys.

USAGE:
  if errors.Is(err, core.ErrInvalidState) { ... }

  var verr *core.ValidationError
  if errors.As(err, &verr) { ... }
*/
package core

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the root of all input-validation failures.
	ErrValidation = errors.New("validation failed")

	// ErrConflict is returned when a write collides with existing state
	// (overlapping booking, duplicate promotion code).
	ErrConflict = errors.New("conflict")

	// ErrInvalidState is returned when an operation is not legal for the
	// entity's current lifecycle state (e.g. refunding a PENDING booking).
	ErrInvalidState = errors.New("invalid state")

	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized is returned when the caller lacks the job secret or
	// a valid service token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTransient marks infrastructure failures that may succeed on retry.
	ErrTransient = errors.New("transient infrastructure error")

	// ErrInsufficientCredits is returned when a wallet debit exceeds the
	// available balance. Client category.
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports a specific bad field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConflictError reports what the write collided with.
type ConflictError struct {
	Resource string
	Detail   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Resource, e.Detail)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// InvalidStateError reports an illegal lifecycle transition or operation.
type InvalidStateError struct {
	Entity    string
	Current   string
	Operation string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s is %s: cannot %s", e.Entity, e.Current, e.Operation)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// NotFoundError identifies the missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// TransientError wraps an infrastructure failure with its cause.
type TransientError struct {
	Op    string
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Cause)
}

func (e *TransientError) Unwrap() error { return ErrTransient }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is the caller's fault and must
// not be retried automatically.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrInsufficientCredits)
}

// IsRetryable returns true if a later attempt might succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
