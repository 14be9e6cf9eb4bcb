// Package errors provides structured error types for solrqueue.
// All errors include a category, code, message, and retryable flag so that
// batch runs can decide per item whether a failure is fatal, skippable, or
// worth another attempt on the next run.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by failure domain.
type ErrorCategory string

const (
	ErrCategoryConfiguration ErrorCategory = "CONFIGURATION"
	ErrCategoryResolution    ErrorCategory = "RESOLUTION"
	ErrCategoryTransport     ErrorCategory = "TRANSPORT"
	ErrCategorySerialization ErrorCategory = "SERIALIZATION"
	ErrCategoryStorage       ErrorCategory = "STORAGE"
	ErrCategoryValidation    ErrorCategory = "VALIDATION"
	ErrCategoryInternal      ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Configuration codes
	CodeUnknownSite                  = "UNKNOWN_SITE"
	CodeUnknownIndexingConfiguration = "UNKNOWN_INDEXING_CONFIGURATION"
	CodeInvalidConfiguration         = "INVALID_CONFIGURATION"
	CodeNoConnection                 = "NO_CONNECTION"

	// Resolution codes
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeRecordNotFound  = "RECORD_NOT_FOUND"
	CodeRecordHidden    = "RECORD_HIDDEN"

	// Transport codes
	CodeUnreachable = "UNREACHABLE"
	CodeBadStatus   = "BAD_STATUS"
	CodeTimeout     = "TIMEOUT"

	// Serialization codes
	CodeCorruptPayload     = "CORRUPT_PAYLOAD"
	CodeUnsupportedVersion = "UNSUPPORTED_VERSION"

	// Storage codes
	CodeQueryFailed = "QUERY_FAILED"
	CodeWriteFailed = "WRITE_FAILED"

	// Validation codes
	CodeInvalidIdentifier = "INVALID_IDENTIFIER"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Error is the structured error type used throughout the system.
type Error struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category ErrorCategory, code, message string) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an *Error.
func GetCategory(err error) ErrorCategory {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an *Error.
func GetCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCategory reports whether err carries the given category.
func HasCategory(err error, category ErrorCategory) bool {
	return GetCategory(err) == category
}

// isRetryable decides which failures leave work pending for the next run.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryTransport:
		return true
	case category == ErrCategoryStorage && code == CodeWriteFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewConfigurationError(code, message string) *Error {
	return New(ErrCategoryConfiguration, code, message)
}

func NewResolutionError(code, message string) *Error {
	return New(ErrCategoryResolution, code, message)
}

func NewTransportError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryTransport, code, message, cause)
}

func NewSerializationError(code, message string, cause error) *Error {
	return Wrap(ErrCategorySerialization, code, message, cause)
}

func NewStorageError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewValidationError(code, message string) *Error {
	return New(ErrCategoryValidation, code, message)
}

func NewInternalError(message string, cause error) *Error {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
