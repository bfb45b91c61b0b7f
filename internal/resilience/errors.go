package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/ternarybob/relay/internal/models"
)

// ProviderError wraps a backend SDK failure with the attribution and
// classification the resilience layer needs. Providers construct these
// at the SDK boundary so no SDK types leak upward.
type ProviderError struct {
	Provider   models.ProviderType
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError classifies an SDK error by HTTP status code.
func NewProviderError(provider models.ProviderType, statusCode int, err error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		StatusCode: statusCode,
		Retryable:  retryableStatus(statusCode),
		Err:        err,
	}
}

// retryableStatus reports whether an HTTP status class is transient.
func retryableStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	}
	return false
}

// retryableError marks an arbitrary error as explicitly retryable.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// MarkRetryable flags an error as transient regardless of its shape.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether an error is transient: rate limits,
// 408/429/5xx statuses, connection refused/reset, timeouts, and
// explicitly flagged errors. Everything else is treated as permanent
// and aborts without consuming retry budget.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var flagged *retryableError
	if errors.As(err, &flagged) {
		return true
	}

	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Retryable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate limit", "too many requests", "connection refused", "timeout", "temporarily unavailable"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}

	return false
}

// AllProvidersFailedError is the aggregate failure returned when every
// backend in a chain was exhausted or skipped.
type AllProvidersFailedError struct {
	Chain  string
	Errors map[models.ProviderType]error
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for provider, err := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s: %v", provider, err))
	}
	return fmt.Sprintf("all providers failed for chain %q: %s", e.Chain, strings.Join(parts, "; "))
}

// ErrBreakerOpen is returned when a breaker rejects a call outright.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// ErrEmptyChain is returned when a chain has no backends to try.
var ErrEmptyChain = errors.New("provider chain is empty")
