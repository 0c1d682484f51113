package embedder

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// RetryConfig configures exponential backoff retry behavior
type RetryConfig struct {
	MaxRetries int           // attempts, including the first
	BaseDelay  time.Duration // first wait
	MaxDelay   time.Duration // cap for computed waits and Retry-After hints
	Multiplier float64
}

// DefaultRetryConfig returns the retry policy of the HTTP providers
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: MaxRetries,
		BaseDelay:  time.Duration(InitialBackoffMs) * time.Millisecond,
		MaxDelay:   time.Duration(MaxBackoffMs) * time.Millisecond,
		Multiplier: BackoffMultiplier,
	}
}

// delay is the wait before attempt n+1, n counting from zero
func (c RetryConfig) delay(n int) time.Duration {
	d := float64(c.BaseDelay)
	for range n {
		d *= c.Multiplier
		if d >= float64(c.MaxDelay) {
			return c.MaxDelay
		}
	}
	return time.Duration(d)
}

// permanentError marks a failure that retrying cannot fix (4xx responses,
// undecodable bodies).
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

// throttledError is a rate limit response that named its own wait
type throttledError struct {
	err  error
	wait time.Duration
}

func (e *throttledError) Error() string { return e.err.Error() }
func (e *throttledError) Unwrap() error { return e.err }

// throttled wraps err with the Retry-After hint of h, if it has a usable one.
// Only the delta-seconds form is understood.
func throttled(err error, h http.Header) error {
	secs, perr := strconv.Atoi(h.Get("Retry-After"))
	if perr != nil || secs <= 0 {
		return err
	}
	return &throttledError{err: err, wait: time.Duration(secs) * time.Second}
}

// retryWithBackoff calls fn until it succeeds, returns a permanent error or
// runs out of attempts. A throttled error replaces the computed wait with
// the server's hint, capped at MaxDelay.
func retryWithBackoff[T any](ctx context.Context, config RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := range config.MaxRetries {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}

		wait := config.delay(attempt)
		var thr *throttledError
		if errors.As(err, &thr) {
			wait = min(thr.wait, config.MaxDelay)
			err = thr.err
		}
		lastErr = err

		if attempt == config.MaxRetries-1 {
			break
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
	}

	return zero, lastErr
}
