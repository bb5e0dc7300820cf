// Package fmerr defines the error taxonomy shared by every layer of the file manager.
//
// An Error carries a Kind, a stable machine-readable code and an optional set of
// per-field details. HTTP status codes are derived from the Kind through Status,
// the only place where that mapping lives.
package fmerr

import (
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
)

// Kind classifies a failure.
type Kind uint8

const (
	KindInternal Kind = iota
	KindNotFound
	KindValidation
	KindPolicy
	KindConflict
	KindForbidden
	KindUnauthenticated
	KindStorage
)

// String returns the machine-readable code of the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NOT_FOUND"
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindPolicy:
		return "POLICY_VIOLATION"
	case KindConflict:
		return "CONFLICT"
	case KindForbidden:
		return "FORBIDDEN"
	case KindUnauthenticated:
		return "UNAUTHORIZED"
	case KindStorage:
		return "STORAGE_ERROR"
	case KindInternal:
		return "INTERNAL_ERROR"
	}
	return "INTERNAL_ERROR"
}

// Status maps a kind to its HTTP status code.
func Status(k Kind) int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindPolicy:
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindStorage:
		return http.StatusBadGateway
	case KindInternal:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// Details holds per-field messages. It is based on url.Values to reuse its
// multi-value helpers.
type Details url.Values

// Add appends a message for a field.
func (d Details) Add(field, message string) {
	url.Values(d).Add(field, message)
}

// Empty reports whether no messages were added.
func (d Details) Empty() bool {
	return len(d) == 0
}

// Error is the single error type returned across service boundaries.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details Details
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status returns the HTTP status code for the error.
func (e *Error) Status() int {
	return Status(e.Kind)
}

// WithDetails returns a copy of e carrying the given details.
func (e *Error) WithDetails(d Details) *Error {
	cp := *e
	if len(d) > 0 {
		cp.Details = make(Details, len(d))
		maps.Copy(cp.Details, d)
	}
	return &cp
}

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Code: kind.String(), Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(message string) *Error {
	return newError(KindNotFound, message, nil)
}

// Validation reports invalid caller-supplied input. Details may be nil.
func Validation(message string, details Details) *Error {
	return newError(KindValidation, message, nil).WithDetails(details)
}

// Policy reports a request rejected by a configured policy, such as a size limit.
func Policy(message string) *Error {
	return newError(KindPolicy, message, nil)
}

// Conflict reports a state conflict with an existing resource.
func Conflict(message string) *Error {
	return newError(KindConflict, message, nil)
}

// Forbidden reports an authorization failure.
func Forbidden(message string) *Error {
	return newError(KindForbidden, message, nil)
}

// Unauthenticated reports a missing or invalid identity.
func Unauthenticated(message string) *Error {
	return newError(KindUnauthenticated, message, nil)
}

// Storage wraps a storage backend failure.
func Storage(message string, err error) *Error {
	return newError(KindStorage, message, err)
}

// Internal wraps an unexpected failure.
func Internal(message string, err error) *Error {
	return newError(KindInternal, message, err)
}

// As extracts an *Error from the chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	fe, ok := As(err)
	return ok && fe.Kind == kind
}
