package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	apperrors "github.com/johnayoung/go-ohlcv-coverage/internal/errors"
)

// RetryPolicy is an explicit, independently testable description of how a
// network operation is retried: how many attempts, what backoff schedule,
// which errors qualify. Rate-limit errors wait a longer fixed interval
// instead of the exponential schedule.
type RetryPolicy struct {
	// MaxAttempts bounds consecutive failures on the same operation
	// before the caller gives up. Must be at least 1.
	MaxAttempts int

	// InitialInterval and MaxInterval bound the exponential schedule.
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// Multiplier grows the interval between attempts.
	Multiplier float64

	// RandomizationFactor adds jitter to each interval.
	RandomizationFactor float64

	// RateLimitInterval is the fixed wait applied when the failure is
	// provider throttling.
	RateLimitInterval time.Duration

	// Retryable decides whether an error qualifies for another attempt.
	// Nil selects the default classifier.
	Retryable func(error) bool
}

// DefaultRetryPolicy mirrors the intervals the collector has always used:
// half a second growing to thirty, five attempts, a minute on throttling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         5,
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         30 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
		RateLimitInterval:   time.Minute,
		Retryable:           apperrors.IsRetryable,
	}
}

// validate normalizes zero fields to usable values.
func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.Multiplier <= 1 {
		p.Multiplier = d.Multiplier
	}
	if p.RandomizationFactor < 0 {
		p.RandomizationFactor = d.RandomizationFactor
	}
	if p.RateLimitInterval <= 0 {
		p.RateLimitInterval = d.RateLimitInterval
	}
	if p.Retryable == nil {
		p.Retryable = d.Retryable
	}
	return p
}

// Execute runs fn until it succeeds, fails permanently, or exhausts the
// attempt budget. Waits respect context cancellation.
func (p RetryPolicy) Execute(ctx context.Context, logger *slog.Logger, operation string, fn func() error) error {
	p = p.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = p.InitialInterval
	schedule.MaxInterval = p.MaxInterval
	schedule.Multiplier = p.Multiplier
	schedule.RandomizationFactor = p.RandomizationFactor
	schedule.MaxElapsedTime = 0
	schedule.Reset()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s canceled: %w", operation, err)
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !p.Retryable(err) {
			return fmt.Errorf("%s failed permanently: %w", operation, err)
		}
		if attempt == p.MaxAttempts {
			break
		}

		wait := schedule.NextBackOff()
		if apperrors.IsRateLimit(err) {
			wait = p.RateLimitInterval
		}

		logger.Warn("operation failed, retrying",
			"operation", operation,
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"error_type", apperrors.TypeOf(err),
			"retry_delay", wait,
			"error", err,
		)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return fmt.Errorf("%s canceled during backoff: %w", operation, ctx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, p.MaxAttempts, lastErr)
}
