// Package errs defines the tagged error-kind taxonomy shared across
// components. Components wrap failures in a *Error carrying one of these
// kinds instead of returning opaque strings; only the Arbiter Orchestrator
// translates a Kind into a user-visible API error.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for programmatic handling.
type Kind string

const (
	KindInvalidInput       Kind = "invalid-input"
	KindNotFound           Kind = "not-found"
	KindConflict           Kind = "conflict"
	KindTimeout            Kind = "timeout"
	KindResourceExhaustion Kind = "resource-exhaustion"
	KindPolicyBlock        Kind = "policy-block"
	KindDependencyFailure  Kind = "dependency-failure"
)

// Error is a tagged error: a Kind, a stable Code for programmatic matching
// (e.g. "agent-not-found", "queue-full"), a human message, and an optional
// wrapped cause.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap builds an *Error around an existing cause.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// CodeOf returns the stable code of err, or "" if err is not an *Error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
