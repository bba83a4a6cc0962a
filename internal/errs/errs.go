// Package errs defines the error taxonomy shared by the runtime, the
// gateway, and everything that crosses the silo wire.
//
// Five kinds exist: transient (retryable), application (business rule
// rejection, surfaced verbatim), system (invariant violation, abort the
// activation), rate-limited (carries retry-after and the policy name), and
// auth (unauthenticated or insufficient role, never retried). The gateway
// maps kinds to HTTP status codes; the transport round-trips them as JSON.
package errs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for retry and HTTP-mapping decisions.
type Kind string

const (
	KindTransient   Kind = "transient"
	KindApplication Kind = "application"
	KindSystem      Kind = "system"
	KindRateLimited Kind = "rate_limited"
	KindAuth        Kind = "auth"
)

// Error is the typed error that crosses grain and silo boundaries.
type Error struct {
	Kind       Kind          `json:"kind"`
	Code       string        `json:"code,omitempty"` // stable short code, e.g. "not_found"
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"retry_after,omitempty"` // rate-limited only
	Policy     string        `json:"policy,omitempty"`      // rate-limited only

	wrapped error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Transient marks a retryable failure: host unavailable, stale directory
// entry, deadline exceeded, or a legitimate optimistic-concurrency race.
func Transient(format string, args ...interface{}) *Error {
	return &Error{Kind: KindTransient, Message: fmt.Sprintf(format, args...)}
}

// TransientWrap wraps err as transient, preserving the chain for errors.Is.
func TransientWrap(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindTransient, Message: fmt.Sprintf(format, args...) + ": " + err.Error(), wrapped: err}
}

// Application is a permanent business-rule rejection, e.g. "item not found".
func Application(code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindApplication, Code: code, Message: fmt.Sprintf(format, args...)}
}

// System is an invariant violation: version conflict on a single-activation
// write, schema mismatch, missing startup data. Callers abort the activation.
func System(format string, args ...interface{}) *Error {
	return &Error{Kind: KindSystem, Message: fmt.Sprintf(format, args...)}
}

// SystemWrap wraps err as a system error.
func SystemWrap(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindSystem, Message: fmt.Sprintf(format, args...) + ": " + err.Error(), wrapped: err}
}

// RateLimited reports a denial by the named policy.
func RateLimited(policy string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Policy:     policy,
		RetryAfter: retryAfter,
		Message:    fmt.Sprintf("rate limited by policy %q, retry after %s", policy, retryAfter),
	}
}

// Auth reports an authentication or authorization failure. Code
// "forbidden" maps to 403; everything else is 401.
func Auth(code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindAuth, Code: code, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind of err, defaulting to system for untyped errors.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindSystem
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// HTTPStatus maps an error kind to the status code the gateway returns.
func HTTPStatus(err error) int {
	var te *Error
	if !errors.As(err, &te) {
		return http.StatusInternalServerError
	}
	switch te.Kind {
	case KindApplication:
		if te.Code == "not_found" {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case KindAuth:
		if te.Code == "forbidden" {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// wireError is the serialized form used by the inter-silo transport.
type wireError struct {
	Kind            Kind   `json:"kind"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message"`
	RetryAfterMilli int64  `json:"retry_after_ms,omitempty"`
	Policy          string `json:"policy,omitempty"`
}

// Encode serializes err for the wire. Untyped errors are encoded as system
// errors so the caller never mistakes them for something retryable.
func Encode(err error) []byte {
	var te *Error
	if !errors.As(err, &te) {
		te = &Error{Kind: KindSystem, Message: err.Error()}
	}
	data, _ := json.Marshal(wireError{
		Kind:            te.Kind,
		Code:            te.Code,
		Message:         te.Message,
		RetryAfterMilli: te.RetryAfter.Milliseconds(),
		Policy:          te.Policy,
	})
	return data
}

// Decode reconstructs a typed error from its wire form.
func Decode(data []byte) error {
	var we wireError
	if err := json.Unmarshal(data, &we); err != nil {
		return &Error{Kind: KindSystem, Message: string(data)}
	}
	return &Error{
		Kind:       we.Kind,
		Code:       we.Code,
		Message:    we.Message,
		RetryAfter: time.Duration(we.RetryAfterMilli) * time.Millisecond,
		Policy:     we.Policy,
	}
}
