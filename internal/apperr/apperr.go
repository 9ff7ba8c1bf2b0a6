// Package apperr defines the error taxonomy shared by the gateway,
// coordinator, and provider adapters, and its mapping onto HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for propagation and wire encoding.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindUnauthenticated     Kind = "unauthenticated"
	KindForbidden           Kind = "forbidden"
	KindNotFound            Kind = "not-found"
	KindRateLimited         Kind = "rate-limited"
	KindProviderError       Kind = "provider-error"
	KindProviderRateLimited Kind = "provider-rate-limited"
	KindTransientNetwork    Kind = "transient-network"
	KindParseError          Kind = "parse-error"
	KindCancelled           Kind = "cancelled"
	KindTimeout             Kind = "timeout"
	KindOverflow            Kind = "overflow"
	KindInternal            Kind = "internal"
)

// Error is a classified error. Fields beyond Kind and Message are optional
// and surface in the HTTP response body when present.
type Error struct {
	Kind       Kind
	Message    string
	Fields     []string
	Provider   string
	RetryAfter int // seconds
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation creates a validation error carrying the offending fields.
func Validation(message string, fields ...string) *Error {
	return &Error{Kind: KindValidation, Message: message, Fields: fields}
}

// RateLimited creates a rate-limited error with a retry-after hint.
func RateLimited(retryAfter int) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

// KindOf extracts the Kind from err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// As returns err as an *Error, wrapping unclassified errors as internal.
func As(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// IsTerminalForStream reports whether err should terminate a stream with an
// error event rather than a cancellation.
func IsTerminalForStream(err error) bool {
	switch KindOf(err) {
	case KindCancelled, KindTimeout:
		return false
	}
	return true
}

// HTTPStatus maps a Kind onto an HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited, KindProviderRateLimited:
		return http.StatusTooManyRequests
	case KindProviderError, KindTransientNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Body is the wire shape of an error response.
type Body struct {
	Error      string   `json:"error"`
	Message    string   `json:"message"`
	Fields     []string `json:"fields,omitempty"`
	Provider   string   `json:"provider,omitempty"`
	RetryAfter int      `json:"retryAfter,omitempty"`
	Timestamp  string   `json:"timestamp"`
}

// ToBody converts an error into its response body. Internal error details
// are hidden unless expose is true (non-production deployments).
func ToBody(err error, expose bool) Body {
	ae := As(err)
	msg := ae.Message
	if ae.Kind == KindInternal && !expose {
		msg = "internal server error"
	}
	return Body{
		Error:      string(ae.Kind),
		Message:    msg,
		Fields:     ae.Fields,
		Provider:   ae.Provider,
		RetryAfter: ae.RetryAfter,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
}
