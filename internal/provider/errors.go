package provider

import "errors"

// ErrModelNotSupported is returned when no provider is configured for a
// requested model key. This is a configuration error and fails fast,
// before any credit is reserved.
var ErrModelNotSupported = errors.New("model not supported")

// Common error codes for TransportError classification.
const (
	ErrorCodeInvalidRequest = "invalid_request"
	ErrorCodeAuthentication = "authentication_error"
	ErrorCodeRateLimit      = "rate_limit_exceeded"
	ErrorCodeServerError    = "server_error"
	ErrorCodeTimeout        = "timeout"
	ErrorCodeModelNotFound  = "model_not_found"
	ErrorCodeUnknown        = "unknown_error"
)

// TransportError represents a network or upstream failure during a
// provider call. Sessions treat it as fatal for the current generation:
// the reservation is released and the error surfaces to the caller as
// retryable or not.
type TransportError struct {
	Provider      string `json:"provider"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	StatusCode    int    `json:"status_code,omitempty"`
	IsRetryable   bool   `json:"is_retryable"`
	OriginalError error  `json:"-"`
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return e.Provider + " error: " + e.Message
}

// Unwrap returns the original error.
func (e *TransportError) Unwrap() error {
	return e.OriginalError
}

// NewTransportError creates a classified transport error.
func NewTransportError(provider, code, message string, original error) *TransportError {
	return &TransportError{
		Provider:      provider,
		Code:          code,
		Message:       message,
		OriginalError: original,
		IsRetryable:   isRetryableCode(code),
	}
}

func isRetryableCode(code string) bool {
	switch code {
	case ErrorCodeRateLimit, ErrorCodeServerError, ErrorCodeTimeout:
		return true
	default:
		return false
	}
}
