package reasoner

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	// ErrNoAPIKey is returned when a hosted backend has no API key.
	ErrNoAPIKey = errors.New("reasoner: API key required")

	// ErrNoBackend is returned when no backend is configured.
	ErrNoBackend = errors.New("reasoner: no backend available")

	// ErrEmptyResponse is returned when a backend answers without content.
	ErrEmptyResponse = errors.New("reasoner: empty response")

	// ErrMalformedDecision is returned when the answer is not a decision object.
	ErrMalformedDecision = errors.New("reasoner: malformed decision")

	// ErrBudgetExhausted is returned when the call budget has no tokens left.
	ErrBudgetExhausted = errors.New("reasoner: call budget exhausted")
)

// APIError represents an error response from a chat API.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
	Backend    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("reasoner [%s]: API error %d (%s): %s", e.Backend, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("reasoner [%s]: API error %d: %s", e.Backend, e.StatusCode, e.Message)
}

// IsRateLimited returns true for HTTP 429.
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == 429
}

// IsUnauthorized returns true for HTTP 401.
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == 401
}

// IsServerError returns true for HTTP 5xx.
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}

// IsRetryable returns true if the request should be retried.
func (e *APIError) IsRetryable() bool {
	return e.IsRateLimited() || e.IsServerError()
}

// BackendError wraps an error with backend context.
type BackendError struct {
	Backend string
	Err     error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	return fmt.Sprintf("reasoner [%s]: %v", e.Backend, e.Err)
}

// Unwrap returns the underlying error.
func (e *BackendError) Unwrap() error {
	return e.Err
}

// WrapError wraps an error with backend context.
func WrapError(backend string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Backend: backend, Err: err}
}

// ChainError aggregates errors from every backend in a chain.
type ChainError struct {
	Errors []error
}

// Error implements the error interface.
func (e *ChainError) Error() string {
	switch len(e.Errors) {
	case 0:
		return "reasoner chain: no errors recorded"
	case 1:
		return fmt.Sprintf("reasoner chain: %v", e.Errors[0])
	}
	return fmt.Sprintf("reasoner chain: all %d backends failed, last error: %v",
		len(e.Errors), e.Errors[len(e.Errors)-1])
}

// Unwrap returns every backend error so errors.Is sees all of them.
func (e *ChainError) Unwrap() []error {
	return e.Errors
}
