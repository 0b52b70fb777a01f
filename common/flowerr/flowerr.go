package flowerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that branch on failure class
// (HTTP status mapping, retry decisions, idempotent no-ops).
type Kind string

const (
	KindNotFound         Kind = "NOT_FOUND"
	KindIllegalState     Kind = "ILLEGAL_STATE"
	KindCycleDetected    Kind = "CYCLE_DETECTED"
	KindCapacityExceeded Kind = "CAPACITY_EXCEEDED"
	KindTimeout          Kind = "TIMEOUT"
	KindExternal         Kind = "EXTERNAL"
	KindCancelled        Kind = "CANCELLED"
	KindInternal         Kind = "INTERNAL"
)

// Error carries a kind alongside the message and wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a formatted error of the given kind
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Wrapf attaches a kind to an underlying error with a formatted message
func Wrapf(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain; unclassified errors are internal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func IsNotFound(err error) bool         { return is(err, KindNotFound) }
func IsIllegalState(err error) bool     { return is(err, KindIllegalState) }
func IsCycleDetected(err error) bool    { return is(err, KindCycleDetected) }
func IsCapacityExceeded(err error) bool { return is(err, KindCapacityExceeded) }
func IsTimeout(err error) bool          { return is(err, KindTimeout) }
func IsExternal(err error) bool         { return is(err, KindExternal) }
func IsCancelled(err error) bool        { return is(err, KindCancelled) }
