package domain

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeValidation     ErrorCode = "VALIDATION_ERROR"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeStockExceeded  ErrorCode = "STOCK_EXCEEDED"
	CodeSchemaDrift    ErrorCode = "SCHEMA_DRIFT"
	CodePartialFailure ErrorCode = "PARTIAL_FAILURE_UNRECOVERABLE"
	CodeFKViolation    ErrorCode = "FK_VIOLATION"
	CodeConflict       ErrorCode = "CONFLICT"
	CodeForbidden      ErrorCode = "FORBIDDEN"
)

// Error is a classified failure that crosses component boundaries. Message is
// safe to show to clients; Err keeps the underlying cause for logs.
type Error struct {
	Code    ErrorCode
	Message string
	Hint    string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func WrapError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or "" when the
// error is unclassified.
func CodeOf(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

func Validation(format string, args ...any) *Error {
	return Errorf(CodeValidation, format, args...)
}

func NotFound(what string) *Error {
	return Errorf(CodeNotFound, "%s not found", what)
}
