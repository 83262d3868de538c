package errors

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"runway/internal/shared/logging"
)

// RetryConfig bounds the retry loop.
type RetryConfig struct {
	MaxAttempts  int           // retries after the first attempt
	BaseDelay    time.Duration // backoff starting point
	MaxDelay     time.Duration // backoff and Retry-After ceiling
	JitterFactor float64       // 0.25 spreads delays by +/-25%
}

// DefaultRetryConfig returns the bounds the sidecar clients use.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     15 * time.Second,
		JitterFactor: 0.25,
	}
}

// Retry runs fn until it succeeds, fails with a non-transient error, or
// the attempt budget runs out.
func Retry(ctx context.Context, config RetryConfig, fn func(ctx context.Context) error) error {
	return RetryWithLog(ctx, config, fn, nil)
}

// RetryWithLog is Retry with attempt logging on the given logger.
func RetryWithLog(ctx context.Context, config RetryConfig, fn func(ctx context.Context) error, logger logging.Logger) error {
	_, err := retryLoop(ctx, config, logger, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithResult is Retry for functions that produce a value.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	return retryLoop(ctx, config, nil, fn)
}

func retryLoop[T any](ctx context.Context, config RetryConfig, logger logging.Logger, fn func(ctx context.Context) (T, error)) (T, error) {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("retry")
	}

	var zero T
	var lastErr error

	for attempt := 0; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("context cancelled: %w", err)
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("Retry succeeded after %d attempts", attempt+1)
			}
			return result, nil
		}
		lastErr = err

		if !IsTransient(err) {
			logger.Debug("Attempt %d failed with a non-transient error: %v", attempt+1, err)
			return zero, err
		}
		if attempt == config.MaxAttempts {
			logger.Warn("Retry budget (%d attempts) exhausted", config.MaxAttempts+1)
			break
		}

		delay := RetryDelayFor(err, attempt, config)
		logger.Debug("Attempt %d/%d failed: %v; next try in %v", attempt+1, config.MaxAttempts+1, err, delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// RetryDelayFor returns the wait before the next attempt. A transient error
// carrying a server-provided Retry-After overrides the backoff schedule.
func RetryDelayFor(err error, attempt int, config RetryConfig) time.Duration {
	var transient *TransientError
	if errors.As(err, &transient) && transient.RetryAfter > 0 {
		if transient.RetryAfter > config.MaxDelay {
			return config.MaxDelay
		}
		return transient.RetryAfter
	}
	return backoffDelay(attempt, config)
}

// backoffDelay doubles BaseDelay per attempt, caps it at MaxDelay, then
// spreads it by the jitter factor so retries across runs do not align.
func backoffDelay(attempt int, config RetryConfig) time.Duration {
	delay := time.Duration(float64(config.BaseDelay) * math.Pow(2, float64(attempt)))
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}

	if config.JitterFactor > 0 {
		spread := (rand.Float64()*2 - 1) * config.JitterFactor * float64(delay)
		delay += time.Duration(spread)
		if delay < 0 {
			delay = config.BaseDelay
		}
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}
	return delay
}
