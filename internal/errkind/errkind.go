// Package errkind carries the service-wide error taxonomy. Handlers map
// kinds onto transport status codes; the pipeline maps them onto terminal
// job states.
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers and for the job record.
type Kind string

const (
	BadImage             Kind = "BAD_IMAGE"
	ValidationError      Kind = "VALIDATION_ERROR"
	RateLimited          Kind = "RATE_LIMITED"
	NotFound             Kind = "NOT_FOUND"
	OCRError             Kind = "OCR_ERROR"
	ExternalServiceError Kind = "EXTERNAL_SERVICE_ERROR"
	CircuitOpen          Kind = "CIRCUIT_OPEN"
	Timeout              Kind = "TIMEOUT"
	Internal             Kind = "INTERNAL_ERROR"
)

// Error is a classified error with a caller-safe message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the Kind of |err|, or Internal when unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// MessageOf extracts the caller-safe message of |err|. Unclassified
// errors surface a generic message so internals never leak.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
