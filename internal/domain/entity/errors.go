package entity

import (
	"errors"
	"fmt"
)

// Sentinel errors for domain layer operations.
var (
	// ErrInvalidRole indicates a message role outside the known set
	ErrInvalidRole = errors.New("invalid message role")

	// ErrEmptyContent indicates a message with no content
	ErrEmptyContent = errors.New("message content cannot be empty")

	// ErrNoMessages indicates a dispatch request with an empty conversation
	ErrNoMessages = errors.New("at least one message is required")
)

// ValidationError represents a validation error with detailed field information.
// It implements the error interface and provides context about which field failed validation.
type ValidationError struct {
	Field   string
	Message string
}

// Error returns a formatted error message for the validation error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}
