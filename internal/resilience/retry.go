// Package resilience provides the retry-with-backoff and circuit
// breaker primitives shared by every outbound call in the SDK
// (fetcher, summary manager, event tracker). Grounded on the
// teacher's internal/core/resilience package, adapted to the spec's
// exact jitter and half-open contracts.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/customfit/cf-client-go/internal/domain"
)

// Policy configures WithRetry. Mirrors domain.RetryPolicyConfig but
// lives in this package so resilience has no dependency on how a
// host assembles CFConfig.
type Policy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64

	Logger *slog.Logger
}

// PolicyFromConfig adapts a domain.RetryPolicyConfig into a Policy.
func PolicyFromConfig(cfg domain.RetryPolicyConfig, logger *slog.Logger) Policy {
	return Policy{
		MaxAttempts:       cfg.MaxAttempts,
		InitialDelay:      cfg.InitialDelay,
		MaxDelay:          cfg.MaxDelay,
		BackoffMultiplier: cfg.BackoffMultiplier,
		Logger:            logger,
	}
}

// WithRetry runs operation, retrying on failure per the policy.
// Stops after MaxAttempts total attempts (spec §4.8) and returns the
// last error, wrapped with the attempt count. Context cancellation
// during a retry sleep aborts immediately and propagates ctx.Err().
func WithRetry(ctx context.Context, policy Policy, operation func() error) error {
	logger := policy.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	delay := policy.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		// A breaker-open rejection fails this attempt immediately
		// without consuming the rest of the retry budget on sleeps
		// that can't possibly succeed (spec §4.9: breaker-open errors
		// are not retried by WithRetry within the same call).
		if errors.Is(err, ErrCircuitOpen) {
			return err
		}

		if !domain.IsRetryable(err) {
			return err
		}

		if attempt == policy.MaxAttempts {
			break
		}

		sleepFor := jitter(delay)
		logger.Warn("operation failed, retrying",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"delay", sleepFor,
			"error", err,
		)

		select {
		case <-time.After(sleepFor):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay = nextDelay(delay, policy)
	}

	return fmt.Errorf("operation failed after %d attempts: %w", policy.MaxAttempts, lastErr)
}

// WithRetryResult is WithRetry for operations producing a value.
func WithRetryResult[T any](ctx context.Context, policy Policy, operation func() (T, error)) (T, error) {
	var zero T
	logger := policy.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	delay := policy.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result, err := operation()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if errors.Is(err, ErrCircuitOpen) {
			return zero, err
		}

		if !domain.IsRetryable(err) {
			return zero, err
		}

		if attempt == policy.MaxAttempts {
			break
		}

		sleepFor := jitter(delay)
		logger.Warn("operation failed, retrying",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"delay", sleepFor,
			"error", err,
		)

		select {
		case <-time.After(sleepFor):
		case <-ctx.Done():
			return zero, ctx.Err()
		}

		delay = nextDelay(delay, policy)
	}

	return zero, fmt.Errorf("operation failed after %d attempts: %w", policy.MaxAttempts, lastErr)
}

// nextDelay computes the next exponential-backoff delay, capped at
// MaxDelay, before jitter is applied.
func nextDelay(current time.Duration, policy Policy) time.Duration {
	next := time.Duration(float64(current) * policy.BackoffMultiplier)
	if next > policy.MaxDelay {
		next = policy.MaxDelay
	}
	return next
}

// jitter applies the spec's uniform [0.5x, 1.5x) jitter window
// (§4.8, §8 invariant 5) — wider than the teacher's +0-10% jitter,
// which the spec's test vectors rule out.
func jitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	factor := 0.5 + rand.Float64()
	return time.Duration(float64(delay) * factor)
}
