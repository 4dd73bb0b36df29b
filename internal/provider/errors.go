package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error code constants for standardized error handling across providers.
// Adapters map their native errors to one of these codes.
const (
	ErrCodeAuthentication = "authentication_error"
	ErrCodeRateLimit      = "rate_limit_exceeded"
	ErrCodeModelNotFound  = "model_not_found"
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeContextLength  = "context_length_exceeded"
	ErrCodeServerError    = "server_error"
	ErrCodeTimeout        = "timeout"
)

// ProviderError represents a typed error from an upstream provider.
// Use the IsXxx helpers below to classify errors without inspecting fields.
type ProviderError struct {
	Provider string
	Code     string // One of the ErrCode* constants.
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	msg := e.Provider + ": " + e.Message
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a typed provider error.
func NewProviderError(provider, code, message string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Code: code, Message: message, Err: err}
}

// IsAuthenticationError reports whether err is an authentication failure.
func IsAuthenticationError(err error) bool {
	return hasCode(err, ErrCodeAuthentication)
}

// IsRateLimitError reports whether err is a rate-limit error.
func IsRateLimitError(err error) bool {
	return hasCode(err, ErrCodeRateLimit)
}

// IsContextLengthError reports whether err is a context-length-exceeded error.
func IsContextLengthError(err error) bool {
	return hasCode(err, ErrCodeContextLength)
}

// IsServerError reports whether err is a provider-side server error.
func IsServerError(err error) bool {
	return hasCode(err, ErrCodeServerError)
}

// IsTimeoutError reports whether err is a timeout.
func IsTimeoutError(err error) bool {
	return hasCode(err, ErrCodeTimeout)
}

// IsRetryable reports whether the error is transient and the call may succeed on retry.
func IsRetryable(err error) bool {
	return IsRateLimitError(err) || IsServerError(err) || IsTimeoutError(err)
}

func hasCode(err error, code string) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Code == code
}

// StatusError is a non-2xx HTTP response from an upstream API.
type StatusError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d %s: %s", e.StatusCode, e.Type, e.Message)
}

// MapError translates HTTP and network errors into typed ProviderError values.
func MapError(provider string, err error) error {
	if err == nil {
		return nil
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewProviderError(provider, ErrCodeTimeout, "request timed out or cancelled", err)
	}

	var se *StatusError
	if errors.As(err, &se) {
		lower := strings.ToLower(se.Message)
		switch {
		case se.StatusCode == 401 || se.StatusCode == 403:
			return NewProviderError(provider, ErrCodeAuthentication, se.Message, err)
		case se.StatusCode == 429:
			return NewProviderError(provider, ErrCodeRateLimit, se.Message, err)
		case se.StatusCode == 404 && strings.Contains(lower, "model"):
			return NewProviderError(provider, ErrCodeModelNotFound, se.Message, err)
		case se.Type == "context_length_exceeded" || strings.Contains(lower, "context length") ||
			strings.Contains(lower, "prompt is too long"):
			return NewProviderError(provider, ErrCodeContextLength, se.Message, err)
		case se.StatusCode >= 500:
			return NewProviderError(provider, ErrCodeServerError, se.Message, err)
		case se.StatusCode >= 400:
			return NewProviderError(provider, ErrCodeInvalidRequest, se.Message, err)
		}
	}

	msg := err.Error()
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "dial tcp") {
		return NewProviderError(provider, ErrCodeServerError, "server unreachable", err)
	}

	return NewProviderError(provider, ErrCodeServerError, "upstream error", err)
}
