package model

import "fmt"

// ValidationError describes a malformed entity rejected before any state
// change.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError creates a validation error for the given field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %v: %v", e.Field, e.Reason)
}
