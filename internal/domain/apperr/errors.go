// Package apperr defines the error kinds shared by every layer of the
// approval service. Callers wrap one of the sentinel kinds with context and
// use errors.Is to classify the result.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or missing input. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks an unknown request or entity id
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a write that contends with a terminal state
	ErrConflict = errors.New("conflict")

	// ErrInternal marks store or transport failures
	ErrInternal = errors.New("internal error")

	// ErrUnauthorized marks a caller whose identity could not be resolved
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden marks a caller denied by the permission policy
	ErrForbidden = errors.New("forbidden")
)

// Validation returns an ErrValidation with a formatted message
func Validation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFound returns an ErrNotFound with a formatted message
func NotFound(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Conflict returns an ErrConflict with a formatted message
func Conflict(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// Unauthorized returns an ErrUnauthorized with a formatted message
func Unauthorized(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, fmt.Sprintf(format, args...))
}

// Forbidden returns an ErrForbidden with a formatted message
func Forbidden(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

// Internal wraps cause as an ErrInternal. The cause stays reachable through
// errors.Is / errors.As.
func Internal(cause error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrInternal, msg)
	}
	return fmt.Errorf("%w: %s: %w", ErrInternal, msg, cause)
}

// Kind returns the sentinel kind of err, or ErrInternal when err carries none
func Kind(err error) error {
	for _, kind := range []error{ErrValidation, ErrNotFound, ErrConflict, ErrUnauthorized, ErrForbidden, ErrInternal} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrInternal
}
