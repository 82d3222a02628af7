package types

import "fmt"

// ErrorCode represents a unified error code across the system.
type ErrorCode string

// Ingest error codes
const (
	ErrIngestValidation ErrorCode = "INGEST_VALIDATION"
	ErrStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
)

// Retrieval error codes
const (
	ErrRetrievalTimeout ErrorCode = "RETRIEVAL_TIMEOUT"
	ErrMalformedQuery   ErrorCode = "MALFORMED_QUERY"
	ErrAllSourcesFailed ErrorCode = "ALL_SOURCES_FAILED"
)

// Synthesis error codes
const (
	ErrCompletionUnavailable ErrorCode = "COMPLETION_UNAVAILABLE"
	ErrCompletionTimeout     ErrorCode = "COMPLETION_TIMEOUT"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Source    string    `json:"source,omitempty"` // 发生错误的存储或服务
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithSource sets the originating store or service name.
func (e *Error) WithSource(source string) *Error {
	e.Source = source
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
