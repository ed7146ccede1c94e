// Package errs defines the error taxonomy visible to clients of the query
// service. Every failure surfaced by the engine maps onto exactly one Kind,
// which in turn fixes the HTTP status and the budget effect.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	// KindInvalidQuery covers malformed payloads, schema violations,
	// unknown datasets and exhausted budgets. No budget effect.
	KindInvalidQuery Kind = "InvalidQuery"

	// KindExternalLib means a DP backend rejected or failed the query
	// deterministically. Compensated when a debit had already happened.
	KindExternalLib Kind = "ExternalLibrary"

	// KindUnauthorized covers unknown users, missing grants and users
	// with may_query disabled. No budget effect.
	KindUnauthorized Kind = "UnauthorizedAccess"

	// KindInternal covers store failures, worker crashes, broker faults
	// and timeouts. The debit stands: the engine prefers to over-debit
	// rather than risk under-counting a query that may have run.
	KindInternal Kind = "InternalServer"

	// KindUnavailable is the retryable back-pressure signal emitted
	// before any debit when the submit limit or the broker high-water
	// mark is hit.
	KindUnavailable Kind = "ServiceUnavailable"
)

type Error struct {
	kind    Kind
	Library string
	Message string
	wrapped error
}

func (e *Error) Error() string {
	if e.Library != "" {
		return fmt.Sprintf("%s: [%s] %s", e.kind, e.Library, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

func (e *Error) Kind() Kind { return e.kind }

func InvalidQuery(format string, args ...any) error {
	return &Error{kind: KindInvalidQuery, Message: fmt.Sprintf(format, args...)}
}

func Unauthorized(format string, args ...any) error {
	return &Error{kind: KindUnauthorized, Message: fmt.Sprintf(format, args...)}
}

func ExternalLib(library, format string, args ...any) error {
	return &Error{kind: KindExternalLib, Library: library, Message: fmt.Sprintf(format, args...)}
}

func Internal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{kind: KindInternal, Message: err.Error(), wrapped: err}
}

func Internalf(format string, args ...any) error {
	return &Error{kind: KindInternal, Message: fmt.Sprintf(format, args...)}
}

func Unavailable(format string, args ...any) error {
	return &Error{kind: KindUnavailable, Message: fmt.Sprintf(format, args...)}
}

// KindOf classifies err. Unclassified errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error kind to the status code of the HTTP surface.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidQuery:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusForbidden
	case KindExternalLib:
		return http.StatusUnprocessableEntity
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Message extracts the client-visible message. Internal errors are masked
// so store and broker details never reach a client.
func Message(err error) string {
	kind := KindOf(err)
	if kind == KindInternal {
		return "Internal server error. Please contact the administrator of this service."
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
