// Package apperr defines the error-kind taxonomy shared by every service's
// HTTP and RPC boundary, per the platform's uniform error handling design.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the uniform error kinds used across HTTP and RPC boundaries.
type Kind string

const (
	NotFound         Kind = "not_found"
	PermissionDenied Kind = "permission_denied"
	InvalidArgument  Kind = "invalid_argument"
	Conflict         Kind = "conflict"
	Unavailable      Kind = "unavailable"
	Internal         Kind = "internal"
)

// Error wraps a Kind with a human message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, fmt.Sprintf(format, args...))
}

func PermissionDeniedf(format string, args ...any) *Error {
	return New(PermissionDenied, fmt.Sprintf(format, args...))
}

func InvalidArgumentf(format string, args ...any) *Error {
	return New(InvalidArgument, fmt.Sprintf(format, args...))
}

func Conflictf(format string, args ...any) *Error {
	return New(Conflict, fmt.Sprintf(format, args...))
}

func Unavailablef(format string, args ...any) *Error {
	return New(Unavailable, fmt.Sprintf(format, args...))
}

func Internalf(format string, args ...any) *Error {
	return New(Internal, fmt.Sprintf(format, args...))
}

// KindOf extracts the Kind of err, defaulting to Internal for errors that
// were never classified (unexpected, logged, not retried automatically).
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// HTTPStatus maps a Kind to the HTTP status code the policy in spec §7
// prescribes: 404/403/400/409/503/500.
func HTTPStatus(k Kind) int {
	switch k {
	case NotFound:
		return 404
	case PermissionDenied:
		return 403
	case InvalidArgument:
		return 400
	case Conflict:
		return 409
	case Unavailable:
		return 503
	default:
		return 500
	}
}
