// Package errors provides the application error type, error codes and the
// transient/terminal/security classification used by retry decisions.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is an error the HTTP layer can render as-is. Code is one of the
// Code* constants; Message is safe to show to the caller.
type AppError struct {
	Code              string
	Message           string
	HTTPStatus        int
	RetryAfterSeconds int
	FieldErrors       []FieldError
	Err               error
}

// FieldError describes a field-level validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New returns an AppError rendered with httpStatus.
func New(code, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap is New with a cause. The cause is logged, never rendered.
func Wrap(err error, code, message string, httpStatus int) *AppError {
	e := New(code, message, httpStatus)
	e.Err = err
	return e
}

// WithRetryAfter sets the Retry-After hint. Non-positive values are ignored.
func (e *AppError) WithRetryAfter(seconds int) *AppError {
	if e != nil && seconds > 0 {
		e.RetryAfterSeconds = seconds
	}
	return e
}

// WithFieldErrors attaches per-field validation failures.
func (e *AppError) WithFieldErrors(fields []FieldError) *AppError {
	if e != nil && len(fields) > 0 {
		e.FieldErrors = append(e.FieldErrors, fields...)
	}
	return e
}

func NotFound(code, message string) *AppError   { return New(code, message, http.StatusNotFound) }
func BadRequest(code, message string) *AppError { return New(code, message, http.StatusBadRequest) }
func Conflict(code, message string) *AppError   { return New(code, message, http.StatusConflict) }

// Unauthorized means the caller is unknown; Forbidden means it is known but
// lacks a role.
func Unauthorized(code, message string) *AppError { return New(code, message, http.StatusUnauthorized) }
func Forbidden(code, message string) *AppError    { return New(code, message, http.StatusForbidden) }

// TooManyRequests is a 429 carrying a Retry-After hint.
func TooManyRequests(code, message string, retryAfterSeconds int) *AppError {
	return New(code, message, http.StatusTooManyRequests).WithRetryAfter(retryAfterSeconds)
}

// IsAppError returns the first *AppError in err's chain.
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
