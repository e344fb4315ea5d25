// Package apperr defines the error taxonomy shared across the EVV core.
// Services classify failures into one of five kinds; transports map kinds to
// status codes; only Transient errors are ever retried.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for propagation and retry decisions.
type Kind string

const (
	KindValidation    Kind = "validation"    // malformed input or business-rule violation
	KindPermission    Kind = "permission"    // caller lacks role/permission
	KindNotFound      Kind = "not_found"     // referenced entity absent
	KindConfiguration Kind = "configuration" // unsupported state, missing wiring
	KindTransient     Kind = "transient"     // network/aggregator failure, retryable
)

// Error carries a kind, a caller-facing message, and optional detail values
// (missing credentials, supported state codes, field names).
type Error struct {
	Kind    Kind
	Message string
	Details []string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithDetails returns a copy carrying detail values.
func (e *Error) WithDetails(details ...string) *Error {
	clone := *e
	clone.Details = append(append([]string(nil), e.Details...), details...)
	return &clone
}

// KindOf extracts the kind from err, or "" if err is not an apperr.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

func IsValidation(err error) bool    { return KindOf(err) == KindValidation }
func IsPermission(err error) bool    { return KindOf(err) == KindPermission }
func IsNotFound(err error) bool      { return KindOf(err) == KindNotFound }
func IsConfiguration(err error) bool { return KindOf(err) == KindConfiguration }
func IsTransient(err error) bool     { return KindOf(err) == KindTransient }

// HTTPStatus maps an error kind to the status an echo handler should return.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindPermission:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConfiguration:
		return http.StatusInternalServerError
	case KindTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
