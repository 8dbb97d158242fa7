package errors

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"folio/internal/shared/logging"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts  int           // total attempts including the first (default: 3)
	BaseDelay    time.Duration // base delay for exponential backoff (default: 1s)
	MaxDelay     time.Duration // cap for a single backoff wait (default: 4s)
	JitterFactor float64       // randomization factor (default: 0.25 = ±25%)
}

// DefaultRetryConfig matches the router's adapter retry schedule.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     4 * time.Second,
		JitterFactor: 0.25,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 4 * time.Second
	}
	return c
}

// RetryWithResult executes fn with exponential backoff, retrying only
// transient failures. Cancellation aborts immediately and is returned
// unwrapped so callers can distinguish it from provider failures.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error), logger logging.Logger) (T, error) {
	logger = logging.OrNop(logger)
	config = config.withDefaults()

	var zero T
	var lastErr error

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("retry succeeded on attempt %d/%d", attempt+1, config.MaxAttempts)
			}
			return result, nil
		}
		if IsCancellation(ctx, err) {
			return zero, err
		}

		lastErr = err
		if !IsTransient(err) {
			return zero, err
		}
		if attempt == config.MaxAttempts-1 {
			break
		}

		delay := Backoff(attempt, config)
		logger.Debug("attempt %d/%d failed (%v), retrying in %v", attempt+1, config.MaxAttempts, err, delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Retry is RetryWithResult for functions without a result value.
func Retry(ctx context.Context, config RetryConfig, fn func(ctx context.Context) error, logger logging.Logger) error {
	_, err := RetryWithResult(ctx, config, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, logger)
	return err
}

// Backoff computes the wait before the next attempt: BaseDelay * 2^attempt
// capped at MaxDelay, with ±JitterFactor randomization.
func Backoff(attempt int, config RetryConfig) time.Duration {
	config = config.withDefaults()

	delay := time.Duration(float64(config.BaseDelay) * math.Pow(2, float64(attempt)))
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}

	if config.JitterFactor > 0 {
		jitter := float64(delay) * config.JitterFactor
		delay += time.Duration((rand.Float64()*2 - 1) * jitter)
		if delay < 0 {
			delay = config.BaseDelay
		}
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return delay
}

// RandomExponentialBackoff returns a uniformly random wait in
// [min, min*2^attempt] capped at max. This is the embedding provider's
// retry schedule.
func RandomExponentialBackoff(attempt int, min, max time.Duration) time.Duration {
	if min <= 0 {
		min = time.Second
	}
	if max < min {
		max = min
	}
	ceiling := time.Duration(float64(min) * math.Pow(2, float64(attempt)))
	if ceiling > max {
		ceiling = max
	}
	if ceiling <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(ceiling-min)))
}
