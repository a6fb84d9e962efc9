// Package hberr defines the daemon's error kinds and a structured error type
// that carries machine-readable context to RPC clients.
package hberr

import (
	"errors"
	"fmt"
)

// Kind is a stable, wire-visible error category.
type Kind string

const (
	KindValidation       Kind = "validation-error"
	KindAuth             Kind = "auth-error"
	KindPermissionDenied Kind = "permission-denied"
	KindNotFound         Kind = "not-found"
	KindAmbiguousPrefix  Kind = "ambiguous-prefix"
	KindConflict         Kind = "conflict"
	KindInvariant        Kind = "invariant-violation"
	KindAdapter          Kind = "adapter-error"
	KindProvider         Kind = "provider-error"
	KindCancelled        Kind = "cancelled"
	KindInternal         Kind = "internal"
)

// Error is a kinded error with optional structured data.
type Error struct {
	Kind    Kind
	Message string
	Data    map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a kinded error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(err error, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

// WithData attaches a structured context entry and returns the error.
func (e *Error) WithData(key string, value any) *Error {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// DataOf returns err's structured data, or nil.
func DataOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Data
	}
	return nil
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
