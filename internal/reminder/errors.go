package reminder

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for an unknown reminder id.
	ErrNotFound = errors.New("reminder not found")
	// ErrInvalidState is returned when an operation needs a pending reminder
	// that has already left pending or has an attempt in flight.
	ErrInvalidState = errors.New("reminder is not pending")
	// ErrConflict is returned by stores when a conditional update lost a race
	// more times than it is willing to retry.
	ErrConflict = errors.New("reminder update conflict")
)

// ValidationError reports malformed input. Nothing is created or mutated.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid reminder: " + e.Reason
	}
	return fmt.Sprintf("invalid reminder: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// InvalidState wraps ErrInvalidState with the observed status.
func InvalidState(id string, st Status, claimed bool) error {
	if claimed {
		return fmt.Errorf("%w: %s has a delivery attempt in flight", ErrInvalidState, id)
	}
	return fmt.Errorf("%w: %s is %s", ErrInvalidState, id, st)
}
