// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package apperr defines the centralized error taxonomy for the portal security core.

It provides a rich error type that bridges the gap between low-level Domain/Storage
errors and high-level HTTP responses.

Architecture:

  - AppError: A struct containing a machine-readable code and a client-safe message.
  - Mapping: Explicit mapping from every code to one HTTP status.
  - Extras: Rate-limit reset times and small metadata maps travel with the error.

Every error that leaves the service layer should be wrapped as an [AppError] to ensure
consistent API responses.
*/
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// # Error Codes

// Machine-readable codes returned in the "error" field of every failure envelope.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeAuthentication      = "AUTHENTICATION_ERROR"
	CodeInvalidToken        = "INVALID_TOKEN"
	CodeTokenExpired        = "TOKEN_EXPIRED"
	CodeTOTPRequired        = "TOTP_REQUIRED"
	CodeForbidden           = "FORBIDDEN"
	CodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	CodeNotFound            = "NOT_FOUND"
	CodeEmailExists         = "EMAIL_EXISTS"
	CodeConflict            = "CONFLICT"
	CodeTOTPAlreadyEnabled  = "TOTP_ALREADY_ENABLED"
	CodeInternal            = "INTERNAL_ERROR"
	CodeDatabaseUnavailable = "DATABASE_UNAVAILABLE"
)

// AppError is the canonical error type for the portal API.
//
// It carries an HTTP status code, a machine-readable code, a client-safe
// message, and optional field errors, reset time and metadata.
//
// # Security
//
// The Cause field is for server-side logging only and is never sent to clients
// to avoid leaking internal implementation details (e.g., SQL queries, the
// permission context that triggered a denial).
type AppError struct {
	// Code is a machine-readable error identifier (e.g. "NOT_FOUND", "FORBIDDEN").
	Code string `json:"error"`
	// Message is a human-readable description safe to return to the client.
	Message string `json:"message"`
	// HTTPStatus is the HTTP response status code.
	HTTPStatus int `json:"-"`
	// Cause is the underlying error, used for server-side logging only.
	Cause error `json:"-"`
	// Details holds per-field validation errors for VALIDATION_ERROR responses.
	Details []FieldError `json:"details,omitempty"`
	// ResetAt is set on RATE_LIMIT_EXCEEDED responses.
	ResetAt *time.Time `json:"resetAt,omitempty"`
	// Meta carries small client-visible extras (e.g. a pending token on TOTP_REQUIRED).
	Meta map[string]any `json:"meta,omitempty"`
}

// FieldError represents a single field-level validation failure.
type FieldError struct {
	// Field is the JSON field name that failed validation.
	Field string `json:"field"`
	// Message is the human-readable description of the failure.
	Message string `json:"message"`
}

// Error implements the error interface. It returns the client-safe message.
func (e *AppError) Error() string { return e.Message }

// Unwrap allows [errors.Is] and [errors.As] to traverse the cause chain.
func (e *AppError) Unwrap() error { return e.Cause }

// WithCause returns a copy of the error carrying cause for server-side logs.
func (e *AppError) WithCause(cause error) *AppError {
	clone := *e
	clone.Cause = cause
	return &clone
}

// WithMeta returns a copy of the error with an extra metadata entry.
func (e *AppError) WithMeta(key string, value any) *AppError {
	clone := *e
	clone.Meta = make(map[string]any, len(e.Meta)+1)
	for k, v := range e.Meta {
		clone.Meta[k] = v
	}
	clone.Meta[key] = value
	return &clone
}

// # Client Errors (4xx)

// ValidationError creates a 400 [AppError] with optional per-field details.
func ValidationError(msg string, details ...FieldError) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    msg,
		HTTPStatus: http.StatusBadRequest,
		Details:    details,
	}
}

// InvalidCode creates a 400 INVALID_TOKEN [AppError].
//
// It is used where a submitted one-time code is wrong but the caller is
// already authenticated (TOTP enrollment confirmation).
func InvalidCode(msg string) *AppError {
	return &AppError{
		Code:       CodeInvalidToken,
		Message:    msg,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unauthorized creates a 401 AUTHENTICATION_ERROR [AppError].
func Unauthorized(msg string) *AppError {
	return &AppError{
		Code:       CodeAuthentication,
		Message:    msg,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// InvalidToken creates a 401 INVALID_TOKEN [AppError].
func InvalidToken(msg string) *AppError {
	return &AppError{
		Code:       CodeInvalidToken,
		Message:    msg,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// TokenExpired creates a 401 TOKEN_EXPIRED [AppError].
func TokenExpired() *AppError {
	return &AppError{
		Code:       CodeTokenExpired,
		Message:    "Access token has expired",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// TOTPRequired creates a 428 [AppError] telling the client a second factor is outstanding.
func TOTPRequired(msg string) *AppError {
	return &AppError{
		Code:       CodeTOTPRequired,
		Message:    msg,
		HTTPStatus: http.StatusPreconditionRequired,
	}
}

// Forbidden creates a 403 [AppError].
func Forbidden(msg string) *AppError {
	return &AppError{
		Code:       CodeForbidden,
		Message:    msg,
		HTTPStatus: http.StatusForbidden,
	}
}

// NotFound creates a 404 [AppError] for a named resource.
//
// Example:
//
//	apperr.NotFound("Session") // Returns "Session not found"
func NotFound(resource string) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    resource + " not found",
		HTTPStatus: http.StatusNotFound,
	}
}

// Conflict creates a 409 [AppError] for duplicate or unique-constraint violations.
func Conflict(msg string) *AppError {
	return &AppError{
		Code:       CodeConflict,
		Message:    msg,
		HTTPStatus: http.StatusConflict,
	}
}

// EmailExists creates a 409 [AppError] returned by registration.
func EmailExists() *AppError {
	return &AppError{
		Code:       CodeEmailExists,
		Message:    "An account with this email already exists",
		HTTPStatus: http.StatusConflict,
	}
}

// TOTPAlreadyEnabled creates a 409 [AppError] for a second enrollment attempt.
func TOTPAlreadyEnabled() *AppError {
	return &AppError{
		Code:       CodeTOTPAlreadyEnabled,
		Message:    "Two-factor authentication is already enabled",
		HTTPStatus: http.StatusConflict,
	}
}

// RateLimitExceeded creates a 429 [AppError] carrying the window reset time.
func RateLimitExceeded(resetAt time.Time) *AppError {
	retryAfter := int(time.Until(resetAt).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	reset := resetAt.UTC()
	return &AppError{
		Code:       CodeRateLimitExceeded,
		Message:    fmt.Sprintf("Too many requests. Try again in %ds.", retryAfter),
		HTTPStatus: http.StatusTooManyRequests,
		ResetAt:    &reset,
	}
}

// # Server Errors (5xx)

// Internal creates a 500 [AppError] wrapping an unexpected server-side error.
// The cause is stored for logging but is never sent to the client.
func Internal(cause error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    "An unexpected error occurred",
		HTTPStatus: http.StatusInternalServerError,
		Cause:      cause,
	}
}

// DatabaseUnavailable creates a 500 [AppError] for an unreachable or timed-out store.
func DatabaseUnavailable(cause error) *AppError {
	return &AppError{
		Code:       CodeDatabaseUnavailable,
		Message:    "The service is temporarily unable to reach its data store",
		HTTPStatus: http.StatusInternalServerError,
		Cause:      cause,
	}
}

// # Helpers

// IsAppError reports whether err (or any error in its chain) is an [*AppError].
func IsAppError(err error) bool {
	var ae *AppError
	return errors.As(err, &ae)
}

// As extracts the [*AppError] from err's chain. It returns nil if not found.
func As(err error) *AppError {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae
	}
	return nil
}

// CodeOf returns the code carried by err, or INTERNAL_ERROR for plain errors.
func CodeOf(err error) string {
	if ae := As(err); ae != nil {
		return ae.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries an [*AppError] with the given code.
func HasCode(err error, code string) bool {
	ae := As(err)
	return ae != nil && ae.Code == code
}
