package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrBreakerOpen is matched (errors.Is) by every fail-fast rejection.
var ErrBreakerOpen = errors.New("circuit breaker open")

// ErrBadRequest marks malformed input. It is never retried.
var ErrBadRequest = errors.New("bad request")

// BreakerOpenError is returned when a breaker rejects a call without invoking it.
type BreakerOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *BreakerOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit breaker %q open: retry after %s", e.Name, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit breaker %q open: trial call in flight", e.Name)
}

func (e *BreakerOpenError) Unwrap() error { return ErrBreakerOpen }

// RetryExhaustedError wraps the last failure once every attempt has been used
// or the retry loop was interrupted by its context. An interrupted error also
// wraps the context error as Cause.
type RetryExhaustedError struct {
	Attempts    int
	Last        error
	Interrupted bool
	Cause       error
}

func (e *RetryExhaustedError) Error() string {
	if e.Interrupted {
		return fmt.Sprintf("retry interrupted after %d attempt(s): %v", e.Attempts, e.Last)
	}
	return fmt.Sprintf("retry exhausted after %d attempt(s): %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Last != nil {
		errs = append(errs, e.Last)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// HTTPStatusError carries an upstream HTTP status so the retry classifier can
// tell client errors from server errors.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("upstream status %d", e.StatusCode)
}

// Retryable reports whether the status is worth another attempt.
func (e *HTTPStatusError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsRetryable is the default classifier. Client and input errors are final;
// timeouts, connection failures and server errors are retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, ErrBadRequest) || errors.Is(err, ErrBreakerOpen) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	// deadlines, connection resets and anything unclassified get another try
	return true
}
