/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package apperr classifies service errors so the HTTP layer can map
// them to status codes without inspecting message strings.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind groups errors by how callers should react.
type Kind string

const (
	KindInvalid      Kind = "invalid_request"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindQuota        Kind = "quota_exceeded"
	KindRateLimited  Kind = "rate_limited"
	KindTransport    Kind = "transport_error"
	KindInternal     Kind = "internal"
)

// Error carries a kind, a user-safe message, and optional hints the
// storefront uses to drive upsell and retry flows.
type Error struct {
	Kind    Kind
	Message string

	// Quota hints.
	NeedsUpgrade    bool
	CanRequestEvent bool

	// Rate-limit hint, seconds until the window resets.
	RetryAfter int

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Invalid flags a malformed or out-of-range request.
func Invalid(format string, args ...any) *Error {
	return &Error{Kind: KindInvalid, Message: fmt.Sprintf(format, args...)}
}

// Unauthorized flags a missing or bad credential.
func Unauthorized(msg string) *Error {
	return &Error{Kind: KindUnauthorized, Message: msg}
}

// Forbidden flags a valid credential without the needed rights.
func Forbidden(format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

// NotFound flags a missing document.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict flags a time overlap or a state race the caller can retry differently.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Quota flags an exceeded allowance along with upsell hints.
func Quota(msg string, needsUpgrade, canRequestEvent bool) *Error {
	return &Error{Kind: KindQuota, Message: msg, NeedsUpgrade: needsUpgrade, CanRequestEvent: canRequestEvent}
}

// RateLimited flags too many requests in the window.
func RateLimited(msg string, retryAfterSeconds int) *Error {
	return &Error{Kind: KindRateLimited, Message: msg, RetryAfter: retryAfterSeconds}
}

// Transport flags a failed call to an external system.
func Transport(msg string, cause error) *Error {
	return &Error{Kind: KindTransport, Message: msg, cause: cause}
}

// Internal wraps an unexpected failure. The message shown to clients is
// generic; the cause stays in logs.
func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", cause: cause}
}

// Wrap attaches a cause to an existing classified error.
func Wrap(e *Error, cause error) *Error {
	e.cause = cause
	return e
}

// From extracts the classified error from err's chain, or wraps err as
// internal when no classification exists.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// KindOf returns the kind of err, KindInternal when unclassified.
func KindOf(err error) Kind {
	return From(err).Kind
}

// IsKind reports whether err's chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// HTTPStatus maps a kind to its response code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalid, KindQuota:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
