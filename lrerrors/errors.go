// Package lrerrors defines the closed set of error kinds that flow through
// the router, MCP gateway, and rate-limit engine, plus their HTTP status
// mapping and retry classification.
package lrerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a closed tagged-variant error classification.
type Kind int

const (
	// Unknown is the zero value; never constructed directly by New.
	Unknown Kind = iota
	Unauthorized
	Forbidden
	RateLimited
	Validation
	Provider
	Router
	Internal
	Mcp
)

func (k Kind) String() string {
	switch k {
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	case RateLimited:
		return "rate_limited"
	case Validation:
		return "validation"
	case Provider:
		return "provider"
	case Router:
		return "router"
	case Internal:
		return "internal"
	case Mcp:
		return "mcp"
	default:
		return "unknown"
	}
}

// HTTPStatus returns the HTTP status code associated with the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case RateLimited:
		return http.StatusTooManyRequests
	case Validation:
		return http.StatusBadRequest
	case Provider:
		return http.StatusBadGateway
	case Router, Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryable reports whether the Prioritized retry loop should try the
// next candidate after an error of this kind. Validation is terminal;
// everything that indicates "this upstream didn't work" is retryable.
func (k Kind) IsRetryable() bool {
	switch k {
	case Provider, RateLimited, Router, Internal:
		return true
	default:
		return false
	}
}

// Error is the concrete error type carried through the system. Context is
// appended via Wrap/fmt.Errorf's %w, never collapsed into an opaque
// "internal error" string.
type Error struct {
	Kind       Kind
	Message    string
	Param      string
	RetryAfter int64 // seconds; meaningful only for RateLimited
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an *Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and message context to an underlying error without
// discarding it.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithParam returns a copy of e with Param set, for Validation errors that
// name the offending field.
func (e *Error) WithParam(param string) *Error {
	cp := *e
	cp.Param = param
	return &cp
}

// WithRetryAfter returns a copy of e with RetryAfter set, for RateLimited
// errors.
func (e *Error) WithRetryAfter(seconds int64) *Error {
	cp := *e
	cp.RetryAfter = seconds
	return &cp
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, defaulting
// to Internal for anything else so callers never have to guess.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Body is the OpenAI-compatible flat error envelope returned to clients.
type Body struct {
	Error BodyDetail `json:"error"`
}

// BodyDetail carries the user-visible error fields.
type BodyDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

// ToBody converts err into the wire envelope, defaulting unknown errors to
// an opaque internal-error message kind while preserving the original
// message text (propagation policy: never collapse into opaque wrapping).
func ToBody(err error) Body {
	var e *Error
	if errors.As(err, &e) {
		return Body{Error: BodyDetail{
			Message: e.Error(),
			Type:    e.Kind.String(),
			Param:   e.Param,
		}}
	}
	return Body{Error: BodyDetail{Message: err.Error(), Type: Internal.String()}}
}
