// Package errors defines the typed application errors returned to chat
// clients. Every failure the pipeline can surface carries a Code that maps
// one-to-one onto a wire-level error reason, so clients can distinguish a
// permanent rejection (access denied, blocked) from a transient one
// (rate limited, persistence failure).
package errors

import (
	stderrors "errors"
	"fmt"
)

type Code string

const (
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodeAccessDenied       Code = "ACCESS_DENIED"
	CodeBlocked            Code = "BLOCKED"
	CodeSuspended          Code = "ACCOUNT_SUSPENDED"
	CodeLocked             Code = "ACCOUNT_LOCKED"
	CodeInvalidContent     Code = "INVALID_CONTENT"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodePersistenceFailure Code = "PERSISTENCE_FAILURE"
	CodeDeliveryFailed     Code = "DELIVERY_FAILED"
	CodeInternal           Code = "INTERNAL"
)

// AppError is the error type crossing the pipeline boundary. RetryAfter is
// set only for RATE_LIMITED so clients receive a back-off hint.
type AppError struct {
	Code       Code
	Message    string
	RetryAfter int // seconds, 0 unless rate limited
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func Unauthenticated(msg string) *AppError { return New(CodeUnauthenticated, msg) }

func AccessDenied(msg string) *AppError { return New(CodeAccessDenied, msg) }

func Blocked(msg string) *AppError { return New(CodeBlocked, msg) }

func Suspended(msg string) *AppError { return New(CodeSuspended, msg) }

func Locked(msg string) *AppError { return New(CodeLocked, msg) }

func InvalidContent(msg string) *AppError { return New(CodeInvalidContent, msg) }

// RateLimited builds a RATE_LIMITED error carrying the retry hint in seconds.
func RateLimited(retryAfter int) *AppError {
	return &AppError{
		Code:       CodeRateLimited,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

// CodeOf extracts the application error code from err, or CodeInternal if err
// is not an AppError.
func CodeOf(err error) Code {
	var app *AppError
	if stderrors.As(err, &app) {
		return app.Code
	}
	return CodeInternal
}

// AsApp returns the AppError wrapped in err, or a generic INTERNAL AppError
// so callers always have a typed error to put on the wire.
func AsApp(err error) *AppError {
	var app *AppError
	if stderrors.As(err, &app) {
		return app
	}
	return Wrap(CodeInternal, "internal error", err)
}
