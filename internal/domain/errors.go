package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common error conditions.
var (
	// ErrQueryTooShort indicates a search query below the minimum length.
	// Rejected locally; no network call is made.
	ErrQueryTooShort = errors.New("query must be at least 3 characters")

	// ErrRateLimited indicates that the backend rate limited the request.
	ErrRateLimited = errors.New("rate limited")

	// ErrSuperseded indicates an operation cancelled because a newer search
	// replaced it. Never surfaced to callers as a failure.
	ErrSuperseded = errors.New("superseded by newer search")

	// ErrSessionClosed indicates an operation on a controller that has been
	// closed.
	ErrSessionClosed = errors.New("controller closed")
)

// ProviderError reports a failure scoped to a single provider during a
// streaming search. It is non-fatal: the session continues.
type ProviderError struct {
	Source  string
	Message string
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s", e.Source, e.Message)
}

// RateLimitError is a typed failure for 429-class responses, carrying the
// snapshot extracted from the response body or headers.
type RateLimitError struct {
	Snapshot   *RateLimitSnapshot
	RetryAfter time.Duration
	Message    string
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "rate limit exceeded"
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// HTTPError is a typed failure for any other non-2xx response. No auto-retry
// is attempted for these.
type HTTPError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// NewProviderError creates a new ProviderError.
func NewProviderError(source, message string) *ProviderError {
	return &ProviderError{Source: source, Message: message}
}
