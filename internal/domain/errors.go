package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the gateway's error taxonomy. Callers classify
// failures with errors.Is and map them to the external interface.
var (
	// ErrNotFound marks an unknown conversation, session or message
	// where an action was explicitly requested.
	ErrNotFound = errors.New("not found")

	// ErrAuthRejected marks credentials the upstream rejected as
	// invalid or expired. Clients should re-authenticate, not retry.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrAuthDenied marks a valid identity that is not authorized for
	// the requested operation.
	ErrAuthDenied = errors.New("authorization denied")

	// ErrUpstreamUnavailable marks a non-2xx, non-timeout failure from
	// the completion runtime.
	ErrUpstreamUnavailable = errors.New("completion runtime unavailable")

	// ErrUpstreamTimeout marks a completion call that exceeded its
	// bounded window.
	ErrUpstreamTimeout = errors.New("completion runtime timeout")

	// ErrEmptyCompletion marks a 200 response with no extractable text.
	ErrEmptyCompletion = errors.New("empty completion")

	// ErrSessionClosed marks a push or pull against a closed stream.
	ErrSessionClosed = errors.New("stream session closed")
)

// ValidationError reports bad, empty or unsafe input. It is surfaced
// synchronously to the caller before any side effect and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
