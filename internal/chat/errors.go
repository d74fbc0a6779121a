package chat

import "fmt"

// ValidationError reports locally rejected input. It is returned
// synchronously, before any network action is attempted.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s", e.Reason)
}

// NewValidationError builds a ValidationError with a formatted reason.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

func validationf(format string, args ...any) error {
	return NewValidationError(format, args...)
}
