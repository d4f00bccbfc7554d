package llm

import (
	"errors"
	"time"
)

// Error represents a provider-neutral generation error.
type Error struct {
	Type       ErrorType
	Provider   string
	Message    string
	Retryable  bool
	RetryAfter *time.Duration
	StatusCode int
	// Partial holds whatever content was received before a stream was
	// interrupted. Empty for non-streaming errors.
	Partial     string
	ProviderErr error // Original provider-specific error
}

// ErrorType represents the category of error.
type ErrorType string

const (
	ErrorTypeAuthentication      ErrorType = "authentication"
	ErrorTypeInvalidRequest      ErrorType = "invalid_request"
	ErrorTypeRateLimit           ErrorType = "rate_limit"
	ErrorTypeProviderUnavailable ErrorType = "provider_unavailable"
	ErrorTypeStreamInterrupted   ErrorType = "stream_interrupted"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.ProviderErr != nil {
		return e.Message + ": " + e.ProviderErr.Error()
	}
	return e.Message
}

// Unwrap returns the underlying provider error.
func (e *Error) Unwrap() error {
	return e.ProviderErr
}

// IsRateLimitError checks if an error is a provider throttling error.
func IsRateLimitError(err error) bool {
	return isType(err, ErrorTypeRateLimit)
}

// IsAuthenticationError checks if an error is a credential failure.
func IsAuthenticationError(err error) bool {
	return isType(err, ErrorTypeAuthentication)
}

// IsInvalidRequestError checks if an error is a malformed-request failure.
func IsInvalidRequestError(err error) bool {
	return isType(err, ErrorTypeInvalidRequest)
}

// IsStreamInterruptedError checks if an error is a mid-stream connection drop.
func IsStreamInterruptedError(err error) bool {
	return isType(err, ErrorTypeStreamInterrupted)
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Retryable
	}
	return false
}

// ExtractRetryAfter extracts the provider-supplied retry-after hint, if any.
func ExtractRetryAfter(err error) *time.Duration {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.RetryAfter
	}
	return nil
}

func isType(err error, t ErrorType) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type == t
	}
	return false
}

// NewAuthenticationError creates an error for a rejected credential.
func NewAuthenticationError(provider, message string, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeAuthentication,
		Provider:    provider,
		Message:     message,
		Retryable:   false,
		ProviderErr: providerErr,
	}
}

// NewInvalidRequestError creates an error for a malformed prompt or options.
func NewInvalidRequestError(provider, message string, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeInvalidRequest,
		Provider:    provider,
		Message:     message,
		Retryable:   false,
		ProviderErr: providerErr,
	}
}

// NewRateLimitError creates an error for provider-signaled throttling.
func NewRateLimitError(provider, message string, retryAfter *time.Duration, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeRateLimit,
		Provider:    provider,
		Message:     message,
		Retryable:   true,
		RetryAfter:  retryAfter,
		ProviderErr: providerErr,
	}
}

// NewProviderUnavailableError creates an error for network failures and 5xx responses.
func NewProviderUnavailableError(provider, message string, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeProviderUnavailable,
		Provider:    provider,
		Message:     message,
		Retryable:   true,
		ProviderErr: providerErr,
	}
}

// NewStreamInterruptedError creates an error for a connection dropped mid-stream.
// partial preserves the content received so far for the caller to decide
// whether to resume or fail.
func NewStreamInterruptedError(provider, message, partial string, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeStreamInterrupted,
		Provider:    provider,
		Message:     message,
		Retryable:   false,
		Partial:     partial,
		ProviderErr: providerErr,
	}
}
