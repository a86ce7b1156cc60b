package callerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// TestErrorFormat tests the error string format
func TestErrorFormat(t *testing.T) {
	err := New(DomainSignaling, CodeTransport, KindTransient, "connection refused")
	got := err.Error()

	if !strings.Contains(got, "[signaling:transport]") {
		t.Errorf("Error() = %q, want domain:code prefix", got)
	}
	if !strings.Contains(got, "connection refused") {
		t.Errorf("Error() = %q, want message", got)
	}
}

// TestErrorUnwrap tests cause chaining
func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: i/o timeout")
	err := Transient(DomainSignaling, CodeTimeout, "poll timed out").WithCause(cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is() did not find cause")
	}
	if !strings.Contains(err.Error(), "i/o timeout") {
		t.Errorf("Error() = %q, want cause included", err.Error())
	}
}

// TestKindOf tests kind extraction across error chains
func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{
			name: "transient",
			err:  Transient(DomainPoller, CodeTimeout, "timeout"),
			want: KindTransient,
		},
		{
			name: "unauthenticated",
			err:  Unauthenticated(DomainSignaling, "token expired"),
			want: KindUnauthenticated,
		},
		{
			name: "session suspended",
			err:  SessionSuspended(DomainSignaling, "account suspended"),
			want: KindSessionSuspended,
		},
		{
			name: "user cancelled",
			err:  Cancelled(DomainCall),
			want: KindUserCancelled,
		},
		{
			name: "invariant violation",
			err:  Invariant(DomainMedia, CodeHandoffOrdering, "join before teardown"),
			want: KindInvariantViolation,
		},
		{
			name: "wrapped in plain error",
			err:  fmt.Errorf("request failed: %w", Unauthenticated(DomainSignaling, "no token")),
			want: KindUnauthenticated,
		},
		{
			name: "unclassified defaults to transient",
			err:  errors.New("something odd"),
			want: KindTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestIsSessionSuspended tests the hard-reset predicate
func TestIsSessionSuspended(t *testing.T) {
	err := SessionSuspended(DomainSignaling, "suspended")
	if !IsSessionSuspended(err) {
		t.Error("IsSessionSuspended() = false, want true")
	}
	if IsSessionSuspended(Transient(DomainSignaling, CodeTimeout, "timeout")) {
		t.Error("IsSessionSuspended() = true for transient error")
	}
}

// TestIsUserCancelled tests cancellation detection including context.Canceled
func TestIsUserCancelled(t *testing.T) {
	if !IsUserCancelled(Cancelled(DomainPoller)) {
		t.Error("IsUserCancelled() = false for Cancelled error")
	}
	if !IsUserCancelled(fmt.Errorf("poll: %w", context.Canceled)) {
		t.Error("IsUserCancelled() = false for context.Canceled")
	}
	if IsUserCancelled(context.DeadlineExceeded) {
		t.Error("IsUserCancelled() = true for deadline, want false (that is a timeout)")
	}
}

// TestWithContext tests contextual values
func TestWithContext(t *testing.T) {
	err := Transient(DomainPoller, CodeTimeout, "timeout").
		WithContext("consecutive_errors", 3).
		WithContext("interval", "7.5s")

	if err.Context["consecutive_errors"] != 3 {
		t.Errorf("Context[consecutive_errors] = %v, want 3", err.Context["consecutive_errors"])
	}
	if err.Context["interval"] != "7.5s" {
		t.Errorf("Context[interval] = %v, want 7.5s", err.Context["interval"])
	}
}

// TestCodeOf tests code extraction
func TestCodeOf(t *testing.T) {
	err := fmt.Errorf("start failed: %w",
		New(DomainSignaling, CodeInsufficientBalance, KindRejected, "balance too low"))

	if got := CodeOf(err); got != CodeInsufficientBalance {
		t.Errorf("CodeOf() = %v, want %v", got, CodeInsufficientBalance)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Errorf("CodeOf(plain) = %v, want empty", got)
	}
}
