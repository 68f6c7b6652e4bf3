package domain

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable error class. Callers use it to choose between
// "try again" and "not allowed right now" messaging.
type Kind string

const (
	KindUnknown      Kind = "unknown"
	KindValidation   Kind = "validation_error"
	KindPrecondition Kind = "precondition_failed"
	KindConflict     Kind = "conflict"
	KindTransport    Kind = "transport_error"
	KindNotFound     Kind = "not_found"
	KindForbidden    Kind = "forbidden"
	KindStaleState   Kind = "stale_state"
)

// ValidationError indicates caller input failed a precondition.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// PreconditionError indicates the operation is forbidden in the current state.
type PreconditionError struct {
	Reason string
}

func (e PreconditionError) Error() string {
	return "preconditions not met: " + e.Reason
}

// ConflictError indicates the operation would duplicate an immutable record.
type ConflictError struct {
	Reason string
}

func (e ConflictError) Error() string {
	return "conflict: " + e.Reason
}

// NotFoundError indicates a referenced entity does not exist.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// TransportError wraps a failed call to the remote collaborator. It is
// recoverable by retry.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport: %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e TransportError) Unwrap() error { return e.Err }

// StaleStateError reports a write the backend committed whose follow-up
// refresh failed. The write must not be repeated; only the view is stale.
type StaleStateError struct {
	Op  string
	Err error
}

func (e StaleStateError) Error() string {
	return fmt.Sprintf("%s committed, state not refreshed: %v", e.Op, e.Err)
}

func (e StaleStateError) Unwrap() error { return e.Err }

// KindOf classifies err. Wrapped errors are unwrapped.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	// Checked first: it wraps the refresh failure, which is often a
	// TransportError.
	var se StaleStateError
	if errors.As(err, &se) {
		return KindStaleState
	}
	var ve ValidationError
	if errors.As(err, &ve) {
		return KindValidation
	}
	var pe PreconditionError
	if errors.As(err, &pe) {
		return KindPrecondition
	}
	var ce ConflictError
	if errors.As(err, &ce) {
		return KindConflict
	}
	var nf NotFoundError
	if errors.As(err, &nf) {
		return KindNotFound
	}
	var fe ForbiddenError
	if errors.As(err, &fe) {
		return KindForbidden
	}
	var te TransportError
	if errors.As(err, &te) {
		return KindTransport
	}
	return KindUnknown
}

// IsKind reports whether err is of kind k.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// Retryable reports whether the caller may retry the same call unchanged.
func Retryable(err error) bool {
	return KindOf(err) == KindTransport
}
