// Package apperr defines the error taxonomy shared by every service:
// a kind that maps onto an HTTP status, a six-digit numeric code, an
// operator-facing message and a localisable user-facing message.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping and retry policy.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindNotFound
	KindConflict
	KindUnprocessable
	KindUpstream
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "notFound"
	case KindConflict:
		return "conflict"
	case KindUnprocessable:
		return "unprocessable"
	case KindUpstream:
		return "upstream"
	case KindInternal:
		return "internal"
	}
	return "unknown"
}

// Service identifiers, the XX component of an error code.
const (
	ServiceShared   = 10
	ServiceTerminal = 20
	ServiceCart     = 30
	ServiceMaster   = 40
	ServiceReport   = 50
	ServiceJournal  = 60
	ServiceFabric   = 70
)

// Code builds the numeric XXYYZZ error code from its components.
func Code(service, subsystem, condition int) int {
	return service*10000 + subsystem*100 + condition
}

// Error is the one error type crossing service boundaries.
type Error struct {
	Kind        Kind
	Code        int
	Message     string
	UserMessage string

	status int // optional HTTP status override within the kind
	err    error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("[%d %s] %s: %v", e.Code, e.Kind, e.Message, e.err)
	}
	return fmt.Sprintf("[%d %s] %s", e.Code, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// WithUser attaches the localisable user-facing message.
func (e *Error) WithUser(msg string) *Error {
	e.UserMessage = msg
	return e
}

// New returns an error of the given kind.
func New(kind Kind, code int, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap returns an error of the given kind preserving the cause chain.
func Wrap(err error, kind Kind, code int, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, err: err}
}

// Validation reports malformed input or an unknown code.
func Validation(code int, message string) *Error {
	return New(KindValidation, code, message)
}

// Unauthorized reports missing or invalid credentials (401).
func Unauthorized(code int, message string) *Error {
	return &Error{Kind: KindAuthorization, Code: code, Message: message, status: http.StatusUnauthorized}
}

// Forbidden reports valid credentials for the wrong tenant or scope (403).
func Forbidden(code int, message string) *Error {
	return &Error{Kind: KindAuthorization, Code: code, Message: message, status: http.StatusForbidden}
}

// NotFound reports a missing entity.
func NotFound(code int, message string) *Error {
	return New(KindNotFound, code, message)
}

// Conflict reports a state-machine guard violation, a concurrent
// modification, or an already-cancelled target.
func Conflict(code int, message string) *Error {
	return New(KindConflict, code, message)
}

// Unprocessable reports a business-rule violation on well-formed input.
func Unprocessable(code int, message string) *Error {
	return New(KindUnprocessable, code, message)
}

// Upstream reports a sidecar, store, or dependency failure.
func Upstream(err error, code int, message string) *Error {
	return Wrap(err, KindUpstream, code, message)
}

// Internal reports an unexpected failure.
func Internal(err error, code int, message string) *Error {
	return Wrap(err, KindInternal, code, message)
}

// KindOf extracts the Kind from an error chain; unknown errors are internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// CodeOf extracts the numeric code from an error chain.
func CodeOf(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return Code(ServiceShared, 99, 99)
}

// UserMessageOf extracts the user-facing message, falling back to the
// operator message and finally to a generic string.
func UserMessageOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		if ae.UserMessage != "" {
			return ae.UserMessage
		}
		return ae.Message
	}
	return "unexpected error"
}

// HTTPStatus maps an error chain onto its transport status.
func HTTPStatus(err error) int {
	var ae *Error
	if !errors.As(err, &ae) {
		return http.StatusInternalServerError
	}
	if ae.status != 0 {
		return ae.status
	}
	switch ae.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnprocessable:
		return http.StatusUnprocessableEntity
	case KindUpstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
