// Package upstream implements the HTTP client for browser-automation
// containers: request/response plumbing with per-container timeouts,
// narrow transport-only retries, failure classification, and typed views
// over the loosely-shaped JSON the containers return.
package upstream

import (
	"errors"
	"fmt"
)

// Kind classifies an upstream failure. The executor maps kinds to solve
// error codes; the classification is part of the routing contract.
type Kind string

const (
	// KindBusy is HTTP 423: the container is occupied by another chat.
	// A busy container is a soft condition: the caller moves on to the
	// next candidate.
	KindBusy Kind = "busy"
	// KindBadRequest is HTTP 4xx other than 423.
	KindBadRequest Kind = "bad_request"
	// KindServer is HTTP 5xx.
	KindServer Kind = "server"
	// KindTransport is a network-level failure: dial, TLS, timeout, DNS.
	// Only this kind is retried.
	KindTransport Kind = "transport"
)

// Error is a typed upstream failure. StatusCode is zero for transport
// errors; Payload holds the decoded response body (or {"_raw": text} for
// non-JSON bodies).
type Error struct {
	Kind       Kind
	StatusCode int
	Payload    any
	cause      error
}

func (e *Error) Error() string {
	if e.Kind == KindTransport {
		return fmt.Sprintf("upstream transport error: %v", e.cause)
	}
	return fmt.Sprintf("upstream error: status=%d payload=%v", e.StatusCode, e.Payload)
}

// Unwrap exposes the underlying transport cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// classify builds the typed error for a non-2xx status code.
func classify(statusCode int, payload any) *Error {
	switch {
	case statusCode == 423:
		return &Error{Kind: KindBusy, StatusCode: statusCode, Payload: payload}
	case statusCode >= 400 && statusCode < 500:
		return &Error{Kind: KindBadRequest, StatusCode: statusCode, Payload: payload}
	default:
		return &Error{Kind: KindServer, StatusCode: statusCode, Payload: payload}
	}
}

func transportErr(cause error) *Error {
	return &Error{Kind: KindTransport, cause: cause}
}

// ErrKind returns the upstream failure kind, or "" when err is not an
// upstream error.
func ErrKind(err error) Kind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return ""
}

// IsBusy reports whether err is an upstream 423.
func IsBusy(err error) bool { return ErrKind(err) == KindBusy }

// IsTransport reports whether err is a network-level upstream failure.
func IsTransport(err error) bool { return ErrKind(err) == KindTransport }
