// Package errors provides the structured error taxonomy for the S3 filesystem provider core.
package errors

import (
	"fmt"
	"strings"
)

// Kind is the closed set of failure modes a caller of this core can observe (spec §7).
type Kind string

const (
	InvalidPath            Kind = "invalid-path"
	InvalidOptions         Kind = "invalid-options"
	Unsupported            Kind = "unsupported"
	ClosedChannel          Kind = "closed-channel"
	AlreadyExists          Kind = "already-exists"
	NoSuchObject           Kind = "no-such-object"
	AccessDenied           Kind = "access-denied"
	BucketNotFound         Kind = "bucket-not-found"
	PreconditionFailed     Kind = "precondition-failed"
	TransferFailure        Kind = "transfer-failure"
	ReadTimeout            Kind = "read-timeout"
	TransferTimeout        Kind = "transfer-timeout"
	AttributeTimeout       Kind = "attribute-timeout"
	BucketDiscoveryTimeout Kind = "bucket-discovery-timeout"
)

// Error is the structured error type returned by this core's operations.
//
// It wraps an underlying cause (when one exists) and carries enough context
// to reconstruct what failed without callers needing to parse message text.
type Error struct {
	Kind    Kind
	Op      string
	Path    string
	Cause   error
	Context map[string]string

	// TransferFailure-specific detail, set only when Kind == TransferFailure.
	Method    string
	Status    int
	ErrorCode string
	RequestID string
	Attempts  int
}

// New creates an Error of the given kind for the given operation.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		fmt.Fprintf(&b, "%s: ", e.Op)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, "%s: ", e.Path)
	}
	b.WriteString(string(e.Kind))
	if e.Kind == TransferFailure {
		fmt.Fprintf(&b, " (method=%s status=%d code=%s request-id=%s attempts=%d)",
			e.Method, e.Status, e.ErrorCode, e.RequestID, e.Attempts)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %s", e.Cause.Error())
	}
	return b.String()
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// WithPath sets the path associated with the failure.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithCause sets the wrapped cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithContext attaches a contextual key/value pair.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// Transfer builds a TransferFailure error carrying the (method, path, status,
// error-code, request-id, attempts) tuple spec.md §7 requires.
func Transfer(op, path, method string, status int, errorCode, requestID string, attempts int, cause error) *Error {
	return &Error{
		Kind:      TransferFailure,
		Op:        op,
		Path:      path,
		Method:    method,
		Status:    status,
		ErrorCode: errorCode,
		RequestID: requestID,
		Attempts:  attempts,
		Cause:     cause,
	}
}

// Is reports whether err is an Error of the given kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var target *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			target = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return target != nil && target.Kind == kind
}
