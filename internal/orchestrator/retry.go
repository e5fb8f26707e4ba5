package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/fleet-jobs/internal/domain"
)

// RetryPolicy retries transient infrastructure failures with exponential backoff
type RetryPolicy struct {
	Attempts   int // total attempts, including the first
	Interval   time.Duration
	Multiplier float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.Interval <= 0 {
		p.Interval = 200 * time.Millisecond
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	return p
}

// delay returns the wait after the given failed attempt (0-based)
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.Interval)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
	}
	return time.Duration(d)
}

// Do runs fn until it succeeds, fails with a non-transient error, or the
// attempts run out. Exhaustion returns the last error wrapped as retryable.
func (p RetryPolicy) Do(ctx context.Context, logger *slog.Logger, op string, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var lastErr error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("Operation succeeded after retry",
					slog.String("op", op),
					slog.Int("attempt", attempt+1),
				)
			}
			return nil
		}
		if !domain.IsTransient(err) {
			return err
		}

		lastErr = err
		if attempt == p.Attempts-1 {
			break
		}

		wait := p.delay(attempt)
		logger.Warn("Transient failure, retrying...",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", p.Attempts),
			slog.Duration("retry_after", wait),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return domain.NewRetryableError(fmt.Errorf("%s failed after %d attempts: %w", op, p.Attempts, lastErr))
}
