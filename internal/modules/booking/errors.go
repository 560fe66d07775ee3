// README: Error taxonomy surfaced by the negotiation engine and stores.
package booking

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("booking not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrVersionConflict   = errors.New("booking version conflict")
)

// ValidationError reports a malformed payload; the caller can correct it and retry.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// rejectf wraps ErrInvalidTransition with the reason the step is unavailable.
func rejectf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTransition, fmt.Sprintf(format, args...))
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
