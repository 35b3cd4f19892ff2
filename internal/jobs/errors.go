package jobs

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrSubmission        = errors.New("submission failed")
	ErrWebhookMapping    = errors.New("unrecognized webhook payload")
	ErrKindMismatch      = errors.New("callback kind does not match job")
	ErrRegistration      = errors.New("registration failed")
	ErrNotFound          = errors.New("job not found")
	ErrConflict          = errors.New("external job id already claimed")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError reports a missing or malformed input field. It matches
// ErrValidation with errors.Is.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}
