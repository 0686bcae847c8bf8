// Package resilience provides retry and circuit-breaker patterns that
// protect remote operations against transient failures.
package resilience

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffRetryOption configures retry behavior.
type BackoffRetryOption func(*backoffConfig)

type backoffConfig struct {
	maxElapsed   time.Duration
	maxRetries   uint64
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	onRetry      func(err error, duration time.Duration)
	classifier   func(error) bool // true when the error is retryable
}

// WithMaxElapsed sets the maximum total time spent retrying.
func WithMaxElapsed(d time.Duration) BackoffRetryOption {
	return func(c *backoffConfig) { c.maxElapsed = d }
}

// WithMaxRetries sets the maximum number of retry attempts.
func WithMaxRetries(n uint64) BackoffRetryOption {
	return func(c *backoffConfig) { c.maxRetries = n }
}

// WithInitialDelay sets the initial delay between retries.
func WithInitialDelay(d time.Duration) BackoffRetryOption {
	return func(c *backoffConfig) { c.initialDelay = d }
}

// WithMaxDelay sets the maximum delay between retries.
func WithMaxDelay(d time.Duration) BackoffRetryOption {
	return func(c *backoffConfig) { c.maxDelay = d }
}

// WithOnRetry sets a callback invoked before each retry.
func WithOnRetry(fn func(err error, duration time.Duration)) BackoffRetryOption {
	return func(c *backoffConfig) { c.onRetry = fn }
}

// WithRetryClassifier overrides how errors are classified as retryable.
func WithRetryClassifier(fn func(error) bool) BackoffRetryOption {
	return func(c *backoffConfig) { c.classifier = fn }
}

// RetryWithBackoff runs an operation with exponential backoff, honoring
// context cancellation and error classification.
func RetryWithBackoff(ctx context.Context, operation func() error, opts ...BackoffRetryOption) error {
	cfg := &backoffConfig{
		maxElapsed:   2 * time.Minute,
		initialDelay: time.Second,
		maxDelay:     30 * time.Second,
		multiplier:   2.0,
		classifier:   DefaultRetryClassifier,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.initialDelay
	b.MaxInterval = cfg.maxDelay
	b.MaxElapsedTime = cfg.maxElapsed
	b.Multiplier = cfg.multiplier
	b.RandomizationFactor = 0.1

	var bo backoff.BackOff = b
	if cfg.maxRetries > 0 {
		bo = backoff.WithMaxRetries(b, cfg.maxRetries)
	}
	bo = backoff.WithContext(bo, ctx)

	wrapped := func() error {
		err := operation()
		if err == nil {
			return nil
		}
		if cfg.classifier != nil && !cfg.classifier(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	if cfg.onRetry != nil {
		return backoff.RetryNotify(wrapped, bo, cfg.onRetry)
	}
	return backoff.Retry(wrapped, bo)
}

// DefaultRetryClassifier treats network errors and timeouts as
// retryable; cancellation is not.
func DefaultRetryClassifier(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Permanent marks an error as non-retryable.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
