// Package fault provides the structured error type shared across the n3n
// core. Every user-visible failure carries a stable machine-readable Kind
// token and a human message; callers branch on kinds with KindOf rather than
// matching message strings. Errors preserve their causal chain and support
// errors.Is/As through Unwrap.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind is a stable, machine-readable failure category. Kinds cross API
// boundaries; messages do not.
type Kind string

const (
	// Validation reports user input that violates a declared constraint
	// (bad edge, unknown node type, malformed config).
	Validation Kind = "VALIDATION"
	// NotFound reports a requested entity that is absent.
	NotFound Kind = "NOT_FOUND"
	// PermissionDenied reports a caller that lacks the capability.
	PermissionDenied Kind = "PERMISSION_DENIED"
	// Conflict reports an optimistic or atomicity violation (duplicate
	// name, stale version, already-consumed token).
	Conflict Kind = "CONFLICT"
	// UnknownHandler reports a node type with no handler in the registry.
	UnknownHandler Kind = "UNKNOWN_HANDLER"
	// HandlerError reports a handler-signalled failure. Non-transient by
	// default.
	HandlerError Kind = "HANDLER_ERROR"
	// Transient reports a handler-signalled failure where a retry might
	// succeed (network glitch, rate limit).
	Transient Kind = "TRANSIENT"
	// Timeout reports a scope-bound deadline that elapsed.
	Timeout Kind = "TIMEOUT"
	// Cancelled reports a user or parent-scope cancellation request.
	Cancelled Kind = "CANCELLED"

	// Replay reports a secure-channel message whose sequence number was
	// already consumed.
	Replay Kind = "REPLAY"
	// Tampered reports a secure-channel message that failed AEAD
	// authentication.
	Tampered Kind = "TAMPERED"
	// Expired reports a secure-channel message outside the freshness window.
	Expired Kind = "EXPIRED"
	// Revoked reports an operation against a revoked device key.
	Revoked Kind = "REVOKED"
	// UnsupportedVersion reports a secure-channel envelope with an unknown
	// protocol version.
	UnsupportedVersion Kind = "UNSUPPORTED_VERSION"
	// UnknownDevice reports a secure-channel operation against a device
	// that was never paired.
	UnknownDevice Kind = "UNKNOWN_DEVICE"

	// ChecksumMismatch reports an import package that failed its integrity
	// check.
	ChecksumMismatch Kind = "CHECKSUM_MISMATCH"
)

// Error is a categorized failure. It implements the error interface and
// unwraps to its cause.
type Error struct {
	// Kind is the stable failure category.
	Kind Kind
	// Message is the human-readable summary. It never contains stack traces
	// or internal identifiers.
	Message string
	// Cause links the underlying error, if any.
	Cause error
}

// New constructs an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error that records the underlying cause. A nil cause
// behaves like New.
func Wrap(kind Kind, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause to support errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is a fault with the same kind. It lets callers
// write errors.Is(err, &fault.Error{Kind: fault.Replay}).
func (e *Error) Is(target error) bool {
	var fe *Error
	if !errors.As(target, &fe) {
		return false
	}
	return e != nil && fe != nil && e.Kind == fe.Kind
}

// KindOf extracts the fault kind from an error chain. Errors that carry no
// fault classify as HandlerError, except context cancellations and deadline
// expiries which map to Cancelled and Timeout respectively. A nil error
// returns the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return HandlerError
}

// IsKind reports whether the error chain carries a fault of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a retry of the failed operation might succeed.
// Only TRANSIENT failures are retryable.
func Retryable(err error) bool {
	return KindOf(err) == Transient
}
