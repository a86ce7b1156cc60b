// Package callerr provides structured errors for call orchestration.
// Every component surfaces errors through this package so callers can
// branch on the error kind instead of string matching.
package callerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Domain identifies the component that produced an error.
type Domain string

const (
	DomainSignaling Domain = "signaling"
	DomainPoller    Domain = "poller"
	DomainCall      Domain = "call"
	DomainMedia     Domain = "media"
	DomainState     Domain = "state"
)

// Kind classifies an error by how the caller must react to it.
type Kind string

const (
	// KindTransient covers network and timeout failures. Retried by the
	// owning loop's next tick, subject to backoff.
	KindTransient Kind = "transient"

	// KindUnauthenticated means the credential is missing or invalid.
	// Polling stops and a login requirement is surfaced.
	KindUnauthenticated Kind = "unauthenticated"

	// KindSessionSuspended means the backend invalidated the whole client
	// session. Requires a hard local reset, never a retry.
	KindSessionSuspended Kind = "session_suspended"

	// KindUserCancelled marks deliberate cancellation. Expected, not an error.
	KindUserCancelled Kind = "user_cancelled"

	// KindInvariantViolation marks states that must be impossible by
	// construction, e.g. joining a room while teardown is incomplete.
	KindInvariantViolation Kind = "invariant_violation"

	// KindRejected covers backend-side business refusals
	// (insufficient balance, unknown call).
	KindRejected Kind = "rejected"
)

// Code identifies a specific error condition within a domain.
type Code string

const (
	CodeTimeout             Code = "timeout"
	CodeTransport           Code = "transport"
	CodeBadStatus           Code = "bad_status"
	CodeBadPayload          Code = "bad_payload"
	CodeUnauthenticated     Code = "unauthenticated"
	CodeSessionSuspended    Code = "session_suspended"
	CodeInsufficientBalance Code = "insufficient_balance"
	CodeCallNotFound        Code = "call_not_found"
	CodeCancelled           Code = "cancelled"
	CodeBusy                Code = "busy"
	CodeHandoffOrdering     Code = "handoff_ordering"
	CodeStoreCorrupt        Code = "store_corrupt"
)

// Error is a structured error carrying domain, code and kind.
type Error struct {
	Domain    Domain
	Code      Code
	Kind      Kind
	Message   string
	Cause     error
	Context   map[string]interface{}
	Timestamp time.Time
}

// Error implements the error interface.
// Format: [domain:code] message, with the cause chained below.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s:%s] %s", e.Domain, e.Code, e.Message))
	if e.Cause != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Cause))
	}
	return sb.String()
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithCause chains an underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithContext attaches a contextual value for logging.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a structured error.
func New(domain Domain, code Code, kind Kind, message string) *Error {
	return &Error{
		Domain:    domain,
		Code:      code,
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Newf creates a structured error with a formatted message.
func Newf(domain Domain, code Code, kind Kind, format string, args ...interface{}) *Error {
	return New(domain, code, kind, fmt.Sprintf(format, args...))
}

// Transient creates a transient error in the given domain.
func Transient(domain Domain, code Code, message string) *Error {
	return New(domain, code, KindTransient, message)
}

// Unauthenticated creates an unauthenticated error.
func Unauthenticated(domain Domain, message string) *Error {
	return New(domain, CodeUnauthenticated, KindUnauthenticated, message)
}

// SessionSuspended creates a session-suspended error.
func SessionSuspended(domain Domain, message string) *Error {
	return New(domain, CodeSessionSuspended, KindSessionSuspended, message)
}

// Cancelled creates a user-cancellation marker error.
func Cancelled(domain Domain) *Error {
	return New(domain, CodeCancelled, KindUserCancelled, "operation cancelled")
}

// Invariant creates an invariant-violation error.
func Invariant(domain Domain, code Code, message string) *Error {
	return New(domain, code, KindInvariantViolation, message)
}

// KindOf extracts the kind from an error chain.
// Unclassified errors are treated as transient: the safest reaction to an
// unknown failure is retry-with-backoff.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// CodeOf extracts the code from an error chain, or "" if unclassified.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsTransient reports whether the error should feed a backoff counter.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsSessionSuspended reports whether the error demands a hard client reset.
func IsSessionSuspended(err error) bool {
	return KindOf(err) == KindSessionSuspended
}

// IsUserCancelled reports whether the error is a deliberate cancellation.
func IsUserCancelled(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	return KindOf(err) == KindUserCancelled
}
