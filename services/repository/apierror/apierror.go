// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package apierror classifies repository failures into the small set of
// caller-visible kinds understood by the request layer.
//
// # Description
//
// Every operation of the branching engine fails with one of four kinds:
//
//   - NotFound: a referenced branch, merge job or review does not exist.
//   - BadRequest: the operation is structurally invalid (malformed path,
//     deleted branch targeted for mutation, rebase between non-adjacent
//     branches).
//   - Conflict: reconciliation failed (content conflicts, lock unavailable,
//     lock wait interrupted, stale review, concurrent modification).
//   - Internal: anything else. Unclassified errors are never swallowed; they
//     surface as Internal.
//
// Errors are created with the constructors in this package and may wrap a
// cause. KindOf walks the wrap chain with errors.As, so packages can return
// their own typed errors as long as one link of the chain is an *Error or
// implements Kinded.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the caller-visible failure category.
type Kind int

const (
	// KindInternal is an unexpected failure.
	KindInternal Kind = iota

	// KindNotFound indicates a missing branch, job or review.
	KindNotFound

	// KindBadRequest indicates a structurally invalid request.
	KindBadRequest

	// KindConflict indicates a reconciliation or locking failure.
	KindConflict
)

// String returns the wire code of the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NOT_FOUND"
	case KindBadRequest:
		return "BAD_REQUEST"
	case KindConflict:
		return "CONFLICT"
	default:
		return "INTERNAL"
	}
}

// HTTPStatus maps a kind onto an HTTP status code.
func HTTPStatus(k Kind) int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindBadRequest:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Kinded is implemented by typed errors of other packages that know their
// own category (for example lock and merge conflict errors).
type Kinded interface {
	error
	Kind() Kind
}

// Error is a classified failure with a human-readable message.
type Error struct {
	kind    Kind
	Message string
	Err     error
}

// Error returns the message, followed by the cause if one is wrapped.
func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Kind returns the failure category.
func (e *Error) Kind() Kind {
	return e.kind
}

// NotFound reports that a resource of the given type and key does not exist.
func NotFound(resource, key string) *Error {
	return &Error{kind: KindNotFound, Message: fmt.Sprintf("%s '%s' not found", resource, key)}
}

// BadRequest reports a structurally invalid request.
func BadRequest(format string, args ...any) *Error {
	return &Error{kind: KindBadRequest, Message: fmt.Sprintf(format, args...)}
}

// Conflict reports a reconciliation failure.
func Conflict(format string, args ...any) *Error {
	return &Error{kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err with kind and a message. A nil err returns nil.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Internal wraps an unexpected failure.
func Internal(err error, format string, args ...any) error {
	return Wrap(KindInternal, err, format, args...)
}

// KindOf returns the category of err. Errors without a classified link in
// their chain are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var kinded Kinded
	if errors.As(err, &kinded) {
		return kinded.Kind()
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
