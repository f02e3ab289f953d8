package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrNoCredentials is returned when a provider has no API key configured.
var ErrNoCredentials = errors.New("no api key configured")

// ProviderError is the failure type of every external LLM or search call.
type ProviderError struct {
	Provider   string
	Op         string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewError wraps err as a ProviderError, classifying retryability from the
// HTTP status code. A zero status means a transport failure.
func NewError(providerName, op string, status int, err error) *ProviderError {
	return &ProviderError{
		Provider:   providerName,
		Op:         op,
		StatusCode: status,
		Retryable:  retryableStatus(status, err),
		Err:        err,
	}
}

func retryableStatus(status int, err error) bool {
	if errors.Is(err, ErrNoCredentials) || errors.Is(err, context.Canceled) {
		return false
	}
	switch {
	case status == 0:
		return true
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	}
	return false
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return !errors.Is(err, context.Canceled)
}

// AsProviderError converts any error into a ProviderError.
func AsProviderError(providerName, op string, err error) *ProviderError {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	return NewError(providerName, op, 0, err)
}
