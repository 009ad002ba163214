// Package apperr defines the error taxonomy shared by the realtime engine,
// the REST API and the stores.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Code string

const (
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"
	CodeNotFound     Code = "NOT_FOUND"
	CodeValidation   Code = "VALIDATION"
	CodeRateLimited  Code = "RATE_LIMITED"
	CodeInternal     Code = "INTERNAL"
)

// Error is a classified failure. Message is safe to show to clients; Cause is
// only ever logged.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// GRPCStatus lets status.FromError and status.Code understand app errors.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.GRPCCode(), e.Message)
}

func (e *Error) GRPCCode() codes.Code {
	switch e.Code {
	case CodeUnauthorized:
		return codes.Unauthenticated
	case CodeForbidden:
		return codes.PermissionDenied
	case CodeNotFound:
		return codes.NotFound
	case CodeValidation:
		return codes.InvalidArgument
	case CodeRateLimited:
		return codes.ResourceExhausted
	default:
		return codes.Internal
	}
}

func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeValidation:
		return http.StatusBadRequest
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func Unauthorized() error { return New(CodeUnauthorized, "Unauthorized") }

func Forbidden(msg string) error { return New(CodeForbidden, msg) }

func NotFound(msg string) error { return New(CodeNotFound, msg) }

func Validation(msg string) error { return New(CodeValidation, msg) }

func RateLimited() error { return New(CodeRateLimited, "rate limit exceeded") }

// Internal hides cause behind a generic client-facing message.
func Internal(cause error) error { return Wrap(CodeInternal, "internal error", cause) }

// From classifies any error; unknown errors become Internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Code: CodeInternal, Message: "internal error", Cause: err}
}

// CodeOf returns the code of err, or "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return From(err).Code
}

func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

func IsForbidden(err error) bool { return CodeOf(err) == CodeForbidden }
