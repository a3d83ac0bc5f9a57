// Package errs implements the error taxonomy every taskmesh component
// reports through: Validation, Runtime, External, Timeout, Cancel,
// Persist and Panic/Fatal.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for retry/breaker/caller decisions.
type Kind string

const (
	Validation Kind = "validation" // non-recoverable, caller error
	Runtime    Kind = "runtime"    // recoverable at task level
	External   Kind = "external"   // governed by circuit breaker + retry
	Timeout    Kind = "timeout"    // recoverable
	Cancel     Kind = "cancel"     // terminal, not surfaced as a failure
	Persist    Kind = "persist"    // durable write exhausted its retries
	Panic      Kind = "panic"      // process-level, trips global stop
)

// Error is the structured error every taskmesh package wraps causes in.
type Error struct {
	Kind      Kind
	Operation string
	Component string
	TraceID   string
	Metadata  map[string]string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s.%s: %v", e.Kind, e.Component, e.Operation, e.Cause)
	}
	return fmt.Sprintf("%s: %s.%s", e.Kind, e.Component, e.Operation)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error; metadata is copied so callers may mutate their map
// after the call without racing a concurrent reader of the error.
func New(kind Kind, component, operation string, cause error, metadata map[string]string) *Error {
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return &Error{Kind: kind, Operation: operation, Component: component, Metadata: md, Cause: cause}
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// Recoverable reports whether a task in Failed status with this error may
// be re-armed to Ready, per the attempt-budget invariant.
func Recoverable(err error) bool {
	var te *Error
	if !errors.As(err, &te) {
		return false
	}
	switch te.Kind {
	case Runtime, External, Timeout:
		return true
	default:
		return false
	}
}
