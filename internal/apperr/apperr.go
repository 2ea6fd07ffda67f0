package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeUnknown         Code = "UNKNOWN"
	CodeValidation      Code = "VALIDATION"
	CodeNotFound        Code = "NOT_FOUND"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodePersistence     Code = "PERSISTENCE"
	CodeJoinFailed      Code = "JOIN_FAILED"
	CodeGeneration      Code = "GENERATION"
	CodeAlreadyExists   Code = "ALREADY_EXISTS"
	CodeRateLimited     Code = "RATE_LIMITED"
)

// AppError is the error type returned across service boundaries.
type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Constructors
func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func Validation(msg string) error {
	return New(CodeValidation, msg)
}

func NotFound(msg string) error {
	return New(CodeNotFound, msg)
}

func Unauthorized(msg string) error {
	return New(CodeUnauthorized, msg)
}

func Unauthenticated(msg string) error {
	return New(CodeUnauthenticated, msg)
}

func AlreadyExists(msg string) error {
	return New(CodeAlreadyExists, msg)
}

func Persistence(msg string, cause error) error {
	return Wrap(CodePersistence, msg, cause)
}

func JoinFailed(cause error) error {
	return Wrap(CodeJoinFailed, "could not join group", cause)
}

func Generation(msg string, cause error) error {
	return Wrap(CodeGeneration, msg, cause)
}

// CodeOf returns the code of the outermost AppError in err's chain.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Message returns a client-safe message; causes are never exposed.
func Message(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal error"
}

func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case "":
		return http.StatusOK
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusForbidden
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeAlreadyExists:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeGeneration:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
