package errors

import (
	"errors"
	"fmt"
)

// Domain error sentinels shared by the application layer and the
// storage backends. They live here, below both, so a store can return
// them without importing the package that consumes it. HTTP status
// mapping matches on these via errors.Is().

var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates invalid input from the caller.
	ErrValidation = errors.New("validation error")

	// ErrUnavailable indicates a required dependency is not configured or ready.
	ErrUnavailable = errors.New("service unavailable")

	// ErrConflict indicates a state conflict (e.g., reply on a resolved question).
	ErrConflict = errors.New("conflict")

	// ErrForbidden indicates the caller lacks permission for the operation.
	ErrForbidden = errors.New("forbidden")
)

// NotFoundError wraps ErrNotFound with a descriptive message.
func NotFoundError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrNotFound)
}

// ValidationError wraps ErrValidation with a descriptive message.
func ValidationError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrValidation)
}

// UnavailableError wraps ErrUnavailable with a descriptive message.
func UnavailableError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrUnavailable)
}

// ConflictError wraps ErrConflict with a descriptive message.
func ConflictError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrConflict)
}

// ForbiddenError wraps ErrForbidden with a descriptive message.
func ForbiddenError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrForbidden)
}
