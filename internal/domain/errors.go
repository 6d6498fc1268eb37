package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransaction is wrapped by every transaction validation failure.
	ErrInvalidTransaction = errors.New("invalid transaction")

	// ErrInvalidConfig is wrapped by every engine configuration validation failure.
	ErrInvalidConfig = errors.New("invalid engine config")

	// ErrInvalidTransition is returned when an alert cannot move to the requested status.
	ErrInvalidTransition = errors.New("invalid alert status transition")

	// ErrNotFound is returned by repositories when a record does not exist.
	ErrNotFound = errors.New("record not found")
)

// ValidationError identifies the field that violated an invariant.
type ValidationError struct {
	Field  string
	Reason string
	kind   error
}

// NewValidationError returns a transaction validation error for field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason, kind: ErrInvalidTransaction}
}

// NewConfigError returns an engine configuration validation error for field.
func NewConfigError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason, kind: ErrInvalidConfig}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s %s", e.kind, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.kind
}
