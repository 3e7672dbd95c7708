package types

import "errors"

// Error represents an error with additional context
type Error struct {
	Code    string
	Message string
	Err     error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new error with code and message
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with code and message
func WrapError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsErrCode checks if an error, or any error it wraps, has a specific error code
func IsErrCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetErrorCode returns the error code from an error
func GetErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidArgument   = "INVALID_ARGUMENT"
	ErrCodeInvalid           = "INVALID"
	ErrCodeInternal          = "INTERNAL"
	ErrCodeUnavailable       = "UNAVAILABLE"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeCanceled          = "CANCELED"
	ErrCodeHandlerFailed     = "HANDLER_FAILED"
	ErrCodeDuplicate         = "DUPLICATE"
	ErrCodeConfiguration     = "CONFIGURATION"
	ErrCodeResourceExhausted = "RESOURCE_EXHAUSTED"
)
