package main

import "fmt"

// Business error codes carried in API responses. 600-series are request
// problems, 904 is the dedicated "insufficient space" code so clients can
// tell a quota rejection apart from a generic validation failure.
const (
	CodeInvalidParam  = 600
	CodeNameExists    = 601
	CodeNotFound      = 602
	CodeQuotaExceeded = 904
)

// AppError is a user-visible business error with a stable numeric code.
type AppError struct {
	Code    int
	Message string
}

func (e *AppError) Error() string {
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

func NewAppError(code int, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrQuotaExceeded = &AppError{Code: CodeQuotaExceeded, Message: "insufficient storage space"}
	ErrNotFound      = &AppError{Code: CodeNotFound, Message: "file not found"}
)

func errInvalidParam(format string, args ...interface{}) *AppError {
	return NewAppError(CodeInvalidParam, format, args...)
}

func errNameExists(name string) *AppError {
	return NewAppError(CodeNameExists, "name %q already exists in this folder", name)
}
