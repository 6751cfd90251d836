// Package apperr defines the gateway's error taxonomy and its mapping to
// HTTP statuses. Handlers classify failures with a Kind; the HTTP layer
// renders them uniformly.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping.
type Kind int

const (
	// Internal is the fallback for unclassified failures.
	Internal Kind = iota
	// BadRequest covers missing or invalid request fields.
	BadRequest
	// PaymentRequired covers missing/unknown tokens, inactive subscriptions,
	// exhausted balances, and failed payment verification.
	PaymentRequired
	// Forbidden covers plan path restrictions.
	Forbidden
	// NotFound covers unknown contracts and plans.
	NotFound
	// Conflict covers state-machine violations.
	Conflict
	// Unauthorized covers webhook secret mismatches.
	Unauthorized
	// Unavailable covers transient chain adapter failures.
	Unavailable
)

// Error is a classified error with optional user-facing hint.
type Error struct {
	Kind Kind
	Msg  string
	Hint string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// WithHint attaches a hint to the error and returns it.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// KindOf extracts the Kind from an error chain, defaulting to Internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// HintOf extracts the hint from an error chain, if any.
func HintOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Hint
	}
	return ""
}

// HTTPStatus maps a Kind to its stable HTTP status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case BadRequest:
		return http.StatusBadRequest
	case PaymentRequired:
		return http.StatusPaymentRequired
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Unauthorized:
		return http.StatusUnauthorized
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// StatusOf maps an error chain to its HTTP status.
func StatusOf(err error) int { return HTTPStatus(KindOf(err)) }
