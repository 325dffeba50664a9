package repository

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"scavenger-sync/internal/pkg/metrics"
	"scavenger-sync/internal/result"
)

// Retry schedule defaults. The worst case waits 1s + 2s before the
// third and final attempt.
const (
	defaultMaxAttempts  = 3
	defaultInitialDelay = 1000 * time.Millisecond
	defaultMaxDelay     = 10000 * time.Millisecond
)

// Sleeper waits for d or until ctx is done. Tests inject a recording
// sleeper so retry schedules are asserted without real delay.
type Sleeper func(ctx context.Context, d time.Duration) error

// sleepContext is the production Sleeper.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryPolicy is the explicit backoff state: attempt counter plus a
// doubling delay capped at maxDelay.
type retryPolicy struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	sleep        Sleeper
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		maxAttempts:  defaultMaxAttempts,
		initialDelay: defaultInitialDelay,
		maxDelay:     defaultMaxDelay,
		sleep:        sleepContext,
	}
}

// runWithRetry executes fn up to maxAttempts times. Non-retryable
// errors short-circuit; otherwise the delay doubles between attempts.
// The last observed error, not the first, is surfaced.
func runWithRetry[R any](ctx context.Context, p retryPolicy, resource, operation string, fn func(context.Context) (R, error)) result.Result[R] {
	delay := p.initialDelay
	var lastErr *Error

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		metrics.RecordRepositoryAttempt(resource, operation)
		if attempt > 1 {
			metrics.RecordRepositoryRetry(resource, operation)
		}

		v, err := fn(ctx)
		if err == nil {
			return result.Ok(v)
		}

		lastErr = classify(resource, operation, err)
		if !lastErr.Retryable() || attempt == p.maxAttempts {
			break
		}

		log.Debug().
			Str("resource", resource).
			Str("operation", operation).
			Str("kind", string(lastErr.Kind)).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Retrying repository operation")

		if err := p.sleep(ctx, delay); err != nil {
			lastErr = classify(resource, operation, err)
			break
		}
		delay *= 2
		if delay > p.maxDelay {
			delay = p.maxDelay
		}
	}

	metrics.RecordRepositoryError(resource, string(lastErr.Kind))
	return result.Err[R](lastErr)
}
