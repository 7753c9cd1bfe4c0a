package clients

import (
	"errors"
	"fmt"
)

// Provider identifies an external API for breakers, limiters and counters.
type Provider string

const (
	ProviderFoxESS  Provider = "foxess"
	ProviderAmber   Provider = "amber"
	ProviderWeather Provider = "weather"
)

// ProviderError is a non-rate-limit failure from an external API.
// Temporary failures are retried by the harness; permanent ones
// (authentication, signature, malformed request) are not.
type ProviderError struct {
	Provider   Provider
	StatusCode int
	Errno      int
	Msg        string
	Temporary  bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: status=%d errno=%d %s", e.Provider, e.StatusCode, e.Errno, e.Msg)
}

// RateLimitError is the distinguished rate-limited response. It triggers
// backoff but never counts toward the per-tenant API quota.
type RateLimitError struct {
	Provider Provider
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited", e.Provider)
}

// IsRateLimited reports whether err is (or wraps) a rate-limit response.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// CircuitOpenError is returned without touching the network when the
// provider's circuit breaker is open.
type CircuitOpenError struct {
	Provider Provider
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%s: circuit open", e.Provider)
}

// IsCircuitOpen reports whether err is a fast-failed breaker rejection.
func IsCircuitOpen(err error) bool {
	var co *CircuitOpenError
	return errors.As(err, &co)
}

// retryable decides whether the harness should attempt the call again.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if IsRateLimited(err) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Temporary
	}
	// Unclassified errors are network-level; assume transient.
	return true
}
