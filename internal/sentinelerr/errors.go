// Package sentinelerr defines the discriminated error taxonomy used across
// the agent core. Errors cross component boundaries as typed values
// rather than opaque strings, so the Control Surface and the Update
// Engine can make retry/HTTP-status decisions without string matching.
package sentinelerr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure.
type Kind string

const (
	KindRuntimeUnavailable  Kind = "RuntimeUnavailable"
	KindNotFound            Kind = "NotFound"
	KindConflict            Kind = "Conflict"
	KindRegistryUnreachable Kind = "RegistryUnreachable"
	KindAuthRequired        Kind = "AuthRequired"
	KindConfigNotReplicable Kind = "ConfigNotReplicable"
	KindTimeout             Kind = "Timeout"
	KindInvalidConfig       Kind = "InvalidConfig"
	KindUnauthorized        Kind = "Unauthorized"
	KindInternal            Kind = "Internal"
)

// retryable holds the default retryability for each kind. Callers may
// still override via WithRetryable when circumstances differ.
var retryable = map[Kind]bool{
	KindRuntimeUnavailable:  true,
	KindNotFound:            false,
	KindConflict:            false,
	KindRegistryUnreachable: true,
	KindAuthRequired:        false,
	KindConfigNotReplicable: false,
	KindTimeout:             true,
	KindInvalidConfig:       false,
	KindUnauthorized:        false,
	KindInternal:            false,
}

// Error is the discriminated error value surfaced at every component
// boundary: events, HTTP responses, and logs.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind with the default retryability.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: retryable[kind]}
}

// Wrap builds an Error of the given kind, wrapping an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Retryable: retryable[kind], Cause: cause}
}

// WithRetryable returns a copy of e with Retryable overridden.
func (e *Error) WithRetryable(r bool) *Error {
	clone := *e
	clone.Retryable = r
	return &clone
}

// Is lets errors.Is match on Kind alone (a zero-value &Error{Kind: k}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, otherwise
// KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As is a thin wrapper to avoid importing errors in every caller; delegates
// to the standard library.
func As(err error, target **Error) bool {
	return errors.As(err, target)
}
