// Package remote classifies failures of the platform's remote services so
// callers can tell "the service said no" apart from "the service could not be
// reached". The distinction drives retry behavior and user-facing messaging.
package remote

import (
	"errors"
	"fmt"
)

// RejectedError is returned when a service explicitly returned an error
// result for an operation. The operation definitively did not happen; it is
// never retryable as-is.
type RejectedError struct {
	Service string
	Code    int
	Message string
}

func (e *RejectedError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s rejected request: %s (code %d)", e.Service, e.Message, e.Code)
	}
	return fmt.Sprintf("%s rejected request: %s", e.Service, e.Message)
}

// UnavailableError wraps a transport-level failure: timeout, refused
// connection, or a 5xx/429 response. The outcome of the operation is unknown
// and the call is retryable.
type UnavailableError struct {
	Service string
	Status  int
	Err     error
}

func (e *UnavailableError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s unavailable: status %d", e.Service, e.Status)
	}
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// StatusCode exposes the HTTP status for retryability checks.
func (e *UnavailableError) StatusCode() int { return e.Status }

// IsRejected reports whether err carries an explicit service rejection.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// IsUnavailable reports whether err is a transport/service failure whose
// outcome is unknown.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}
