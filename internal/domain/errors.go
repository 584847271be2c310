package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures for propagation policy decisions.
type ErrorKind string

const (
	// ErrValidation - malformed or constraint-violating intent; terminal rejection
	ErrValidation ErrorKind = "VALIDATION"
	// ErrDuplicateIdempotency - retry of an already-accepted key; not a failure
	ErrDuplicateIdempotency ErrorKind = "DUPLICATE_IDEMPOTENCY"
	// ErrMarginShortfall - insufficient margin; terminal rejection
	ErrMarginShortfall ErrorKind = "MARGIN_SHORTFALL"
	// ErrRiskViolation - pre-trade risk check failed; terminal rejection
	ErrRiskViolation ErrorKind = "RISK_VIOLATION"
	// ErrBrokerReject - broker refused the order; terminal
	ErrBrokerReject ErrorKind = "BROKER_REJECT"
	// ErrBrokerTransient - transient network/rate-limit failure; retried inside adapters
	ErrBrokerTransient ErrorKind = "BROKER_TRANSIENT"
	// ErrBrokerUnreachable - transient retries exhausted; order flagged for reconciliation
	ErrBrokerUnreachable ErrorKind = "BROKER_UNREACHABLE"
	// ErrInvalidTransition - illegal state machine transition; internal bug or race
	ErrInvalidTransition ErrorKind = "INVALID_TRANSITION"
	// ErrCapacityExceeded - synchronous intake backpressure
	ErrCapacityExceeded ErrorKind = "CAPACITY_EXCEEDED"
	// ErrNotFound - referenced record does not exist
	ErrNotFound ErrorKind = "NOT_FOUND"
)

// Error is a typed engine failure carrying structured detail.
// Wrap with %w so callers can classify via domain.KindOf.
type Error struct {
	Kind    ErrorKind
	Message string
	// Details carries structured context: risk violations, margin shortfall
	// amounts, broker rejection codes. Keys are stable snake_case names.
	Details map[string]any
	Err     error
}

// NewError creates a typed error without structured details.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches one structured detail and returns the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause attaches an underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the ErrorKind from an error chain.
// Returns an empty kind for plain errors.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
