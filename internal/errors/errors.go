package errors

import (
	"fmt"
)

// DeckError is the structured error type for surveydeck.
// It provides rich context for error handling, logging, and API responses.
type DeckError struct {
	// Code is the unique error code (e.g., "ERR_402_QUERY_EMPTY").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Provider, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *DeckError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *DeckError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with DeckError.
func (e *DeckError) Is(target error) bool {
	if t, ok := target.(*DeckError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *DeckError) WithDetail(key, value string) *DeckError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new DeckError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *DeckError {
	return &DeckError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a DeckError from an existing error.
// The error's message becomes the DeckError message.
func Wrap(code string, err error) *DeckError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ValidationError creates a validation-related error. Surfaced
// immediately to the caller, never retried.
func ValidationError(message string, cause error) *DeckError {
	return New(ErrCodeInvalidInput, message, cause)
}

// ProviderError creates an external-provider error. Retryable.
func ProviderError(message string, cause error) *DeckError {
	return New(ErrCodeProviderUnavailable, message, cause)
}

// IndexError creates a vector-index error. Fatal for the query.
func IndexError(message string, cause error) *DeckError {
	return New(ErrCodeIndexUnavailable, message, cause)
}

// RenderError creates a highlight-render error. Degrades to the
// unhighlighted source, never fatal to the caller.
func RenderError(message string, cause error) *DeckError {
	return New(ErrCodeRenderFailed, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *DeckError {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable checks if an error is retryable.
// Returns true if the error is a DeckError with Retryable flag set.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if de, ok := err.(*DeckError); ok {
		return de.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort the current operation.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if de, ok := err.(*DeckError); ok {
		return de.Severity == SeverityFatal
	}
	return false
}

// IsValidation checks if an error belongs to the validation category.
func IsValidation(err error) bool {
	if de, ok := err.(*DeckError); ok {
		return de.Category == CategoryValidation
	}
	return false
}

// GetCode extracts the error code from a DeckError.
// Returns empty string if not a DeckError.
func GetCode(err error) string {
	if de, ok := err.(*DeckError); ok {
		return de.Code
	}
	return ""
}
