// Package errors defines the closed error taxonomy the broker reports
// across admission, resolution, fan-out and aggregation.
package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies one of the broker's fixed error categories. Callers
// switch on Kind rather than matching error strings.
type Kind string

const (
	// RequestTooCostly covers admission-time policy rejections: chain
	// depth over the cap, page size over the cap, or a non-LATEST
	// version requirement.
	RequestTooCostly Kind = "REQUEST_TOO_COSTLY"
	// Backpressure means the in-flight concurrency limit was reached.
	Backpressure Kind = "BACKPRESSURE"
	// ContinuationExpired means a continuation token is older than the
	// configured TTL.
	ContinuationExpired Kind = "CONTINUATION_EXPIRED"
	// ContinuationMalformed means a continuation token failed to parse.
	ContinuationMalformed Kind = "CONTINUATION_MALFORMED"
	// UpstreamTimeout is per-shard: a sub-query exceeded its timeout.
	UpstreamTimeout Kind = "UPSTREAM_TIMEOUT"
	// UpstreamTransport is per-shard: a network/transport error.
	UpstreamTransport Kind = "UPSTREAM_TRANSPORT"
	// UpstreamProtocol is per-shard: the response did not decode.
	UpstreamProtocol Kind = "UPSTREAM_PROTOCOL"
	// UpstreamCircuitOpen is per-shard: the breaker short-circuited.
	UpstreamCircuitOpen Kind = "UPSTREAM_CIRCUIT_OPEN"
	// UpstreamUnavailable is request-fatal: every shard failed.
	UpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
	// Unsupported covers compartment/history/reindex calls.
	Unsupported Kind = "UNSUPPORTED"
	// Internal covers invariant violations.
	Internal Kind = "INTERNAL"
)

// Error is the broker's error type. It carries a Kind plus an optional
// wrapped cause. Stack context (via github.com/pkg/errors) is attached
// only for Internal, per the design note that stack traces are reserved
// for invariant violations rather than expected upstream failures.
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

// Unwrap allows errors.Is/errors.As to see through to Cause.
func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind wrapping cause. For Internal,
// the cause is stack-annotated with pkg/errors so the trace survives
// into logs.
func Wrap(kind Kind, message string, cause error) *Error {
	if cause == nil {
		return New(kind, message)
	}
	if kind == Internal {
		cause = errors.WithStack(cause)
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	be, ok := err.(*Error)
	return ok && be.Kind == kind
}

// KindOf extracts the Kind from err, returning Internal if err is not a
// *Error (an invariant the caller should treat as a bug to fix).
func KindOf(err error) Kind {
	if be, ok := err.(*Error); ok {
		return be.Kind
	}
	return Internal
}
