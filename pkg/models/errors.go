package models

import (
	"errors"
	"fmt"
	"net/http"
)

// 错误代码
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeOperationFailed = "OPERATION_FAILED"
	CodeTimeout         = "TIMEOUT"
)

// AppError represents a custom application error
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any AppError carrying the same code, so errors.Is(err, ErrForbidden) works
// for every forbidden error regardless of message.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == e.Code
}

// 哨兵错误，用于 errors.Is 判断
var (
	ErrValidation      = &AppError{Code: CodeValidation, Message: "invalid input"}
	ErrUnauthenticated = &AppError{Code: CodeUnauthenticated, Message: "No user logged in"}
	ErrForbidden       = &AppError{Code: CodeForbidden, Message: "permission denied"}
	ErrNotFound        = &AppError{Code: CodeNotFound, Message: "not found"}
	ErrConflict        = &AppError{Code: CodeConflict, Message: "already exists"}
	ErrOperationFailed = &AppError{Code: CodeOperationFailed, Message: "operation failed"}
)

// Predefined error constructors
func NewNotFoundError(resource string, id interface{}) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s with ID %v not found", resource, id),
	}
}

func NewValidationError(message string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: message,
	}
}

func NewUnauthenticatedError(message string) *AppError {
	return &AppError{
		Code:    CodeUnauthenticated,
		Message: message,
	}
}

func NewForbiddenError(message string) *AppError {
	return &AppError{
		Code:    CodeForbidden,
		Message: message,
	}
}

// NewOperationError wraps a backend/transport failure.
func NewOperationError(op string, err error) *AppError {
	return &AppError{
		Code:    CodeOperationFailed,
		Message: op + " failed",
		Err:     err,
	}
}

// ErrorCode 提取错误代码，非 AppError 视为操作失败
func ErrorCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeOperationFailed
}

// HTTPStatus maps an error onto a response status.
func HTTPStatus(err error) int {
	switch ErrorCode(err) {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
