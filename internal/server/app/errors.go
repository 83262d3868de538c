package app

import (
	apperrors "runway/internal/errors"
)

// Domain error sentinels for the server application layer, re-exported
// from internal/errors where the storage backends also source them.
// These enable consistent HTTP status mapping via errors.Is().

var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = apperrors.ErrNotFound

	// ErrValidation indicates invalid input from the caller.
	ErrValidation = apperrors.ErrValidation

	// ErrUnavailable indicates a required dependency is not configured or ready.
	ErrUnavailable = apperrors.ErrUnavailable

	// ErrConflict indicates a state conflict (e.g., reply on a resolved question).
	ErrConflict = apperrors.ErrConflict

	// ErrForbidden indicates the caller lacks permission for the operation.
	ErrForbidden = apperrors.ErrForbidden
)

// NotFoundError wraps ErrNotFound with a descriptive message.
func NotFoundError(msg string) error {
	return apperrors.NotFoundError(msg)
}

// ValidationError wraps ErrValidation with a descriptive message.
func ValidationError(msg string) error {
	return apperrors.ValidationError(msg)
}

// UnavailableError wraps ErrUnavailable with a descriptive message.
func UnavailableError(msg string) error {
	return apperrors.UnavailableError(msg)
}

// ConflictError wraps ErrConflict with a descriptive message.
func ConflictError(msg string) error {
	return apperrors.ConflictError(msg)
}

// ForbiddenError wraps ErrForbidden with a descriptive message.
func ForbiddenError(msg string) error {
	return apperrors.ForbiddenError(msg)
}
