package push

import (
	"errors"
	"fmt"
)

// Stable error codes surfaced to callers. Raw store/transport errors are
// always wrapped in one of these before leaving the pipeline.
const (
	CodeInvalidArgument   = "invalid-argument"
	CodePermissionDenied  = "permission-denied"
	CodeUnauthenticated   = "unauthenticated"
	CodePersistence       = "persistence-error"
	CodeInternal          = "internal"
	CodeUnhandledInternal = "unhandled-internal-error"
)

// Error is a pipeline error carrying a stable code and a human-readable
// message.
type Error struct {
	Code    string
	Message string
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

// NewError creates an Error with a code and formatted message.
func NewError(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code and message to an underlying error.
func WrapError(code string, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the stable code from err, or CodeInternal if err is
// not a pipeline error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
