// Reel is a media transcoding service.
// Copyright (C) 2025 The Reel Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package errdefs defines the error taxonomy shared across the service:
// stable machine-readable codes, a kind for categorization, a severity
// level for logging, and structured details. Messages that cross the API
// boundary are sanitized so that paths, credentials, and other internals
// never leak to clients.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error code surfaced in API envelopes
// and webhook payloads.
type Code string

const (
	CodeFileNotFound      Code = "FILE_NOT_FOUND"
	CodeAccessDenied      Code = "ACCESS_DENIED"
	CodeRateLimited       Code = "RATE_LIMIT_EXCEEDED"
	CodeValidationFailed  Code = "VALIDATION_FAILED"
	CodeSecurityViolation Code = "SECURITY_VIOLATION"
	CodeProcessingFailed  Code = "PROCESSING_FAILED"
	CodeInternal          Code = "INTERNAL_ERROR"
	CodeCircuitOpen       Code = "CIRCUIT_OPEN"
)

// Kind categorizes an error by the subsystem or failure class it
// originated from.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindSecurity       Kind = "security"
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindRateLimit      Kind = "rate_limit"
	KindProcessing     Kind = "processing"
	KindStorage        Kind = "storage"
	KindNetwork        Kind = "network"
	KindTimeout        Kind = "timeout"
	KindConfiguration  Kind = "configuration"
	KindInternal       Kind = "internal"
)

// Level is the severity used when logging the error.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Error is the coded error carried across subsystem boundaries.
type Error struct {
	Code    Code
	Kind    Kind
	Level   Level
	Message string
	Details map[string]any

	cause error
}

// Error implements the error interface. The raw message may contain
// internals; use Sanitize before surfacing it to a client.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// WithDetail attaches one structured detail and returns the error for
// chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// WithLevel overrides the default severity.
func (e *Error) WithLevel(l Level) *Error {
	e.Level = l
	return e
}

// New constructs a coded error.
func New(code Code, kind Kind, msg string) *Error {
	return &Error{Code: code, Kind: kind, Level: defaultLevel(code), Message: msg}
}

// Newf constructs a coded error with a formatted message.
func Newf(code Code, kind Kind, format string, args ...any) *Error {
	return New(code, kind, fmt.Sprintf(format, args...))
}

// Wrap constructs a coded error with an underlying cause.
func Wrap(err error, code Code, kind Kind, msg string) *Error {
	e := New(code, kind, msg)
	e.cause = err
	return e
}

func defaultLevel(code Code) Level {
	switch code {
	case CodeSecurityViolation:
		return LevelHigh
	case CodeInternal, CodeProcessingFailed:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Validation is shorthand for a VALIDATION_FAILED error.
func Validation(msg string) *Error {
	return New(CodeValidationFailed, KindValidation, msg)
}

// Validationf is Validation with formatting.
func Validationf(format string, args ...any) *Error {
	return Validation(fmt.Sprintf(format, args...))
}

// Security is shorthand for a SECURITY_VIOLATION error.
func Security(msg string) *Error {
	return New(CodeSecurityViolation, KindSecurity, msg)
}

// NotFound is shorthand for a FILE_NOT_FOUND error.
func NotFound(msg string) *Error {
	return New(CodeFileNotFound, KindStorage, msg)
}

// Internal wraps an unexpected failure.
func Internal(err error) *Error {
	return Wrap(err, CodeInternal, KindInternal, "internal error")
}

// AsError extracts a coded *Error from err's chain. If none exists,
// the error is classified as INTERNAL_ERROR so that every failure that
// reaches the API boundary has a code.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{
		Code:    CodeInternal,
		Kind:    KindInternal,
		Level:   LevelMedium,
		Message: err.Error(),
		cause:   err,
	}
}

// CodeOf returns the code in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	return AsError(err).Code
}

// HTTPStatus maps an error code to the response status used by the API.
func HTTPStatus(code Code) int {
	switch code {
	case CodeFileNotFound:
		return http.StatusNotFound
	case CodeAccessDenied:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeValidationFailed:
		return http.StatusBadRequest
	case CodeSecurityViolation:
		return http.StatusBadRequest
	case CodeCircuitOpen:
		return http.StatusServiceUnavailable
	case CodeProcessingFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
