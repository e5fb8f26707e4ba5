package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/fleet-jobs/internal/channel"
	"github.com/cuongbtq/fleet-jobs/internal/domain"
)

// PollerConfig controls how often a command is polled.
// With BackoffMultiplier <= 1 every wait is Interval.
type PollerConfig struct {
	Interval          time.Duration
	BackoffMultiplier float64
	MaxInterval       time.Duration
	MaxAttempts       int // 0 polls until terminal or ctx is done
}

// PollState is where a previous poll loop left off
type PollState struct {
	Attempts     int
	LastPolledAt *time.Time
}

// PollObserver is called after every successful poll with the running attempt count
type PollObserver func(ctx context.Context, attempts int, polledAt time.Time, exec channel.Execution) error

// Poller polls one command until it reaches a terminal status
type Poller struct {
	channel channel.Channel
	cfg     PollerConfig
	retry   RetryPolicy
	logger  *slog.Logger
	now     func() time.Time
}

// NewPoller creates a new Poller
func NewPoller(ch channel.Channel, cfg PollerConfig, retry RetryPolicy, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Poller{
		channel: ch,
		cfg:     cfg,
		retry:   retry,
		logger:  logger,
		now:     time.Now,
	}
}

// interval returns the wait before the poll following `attempts` completed polls
func (p *Poller) interval(attempts int) time.Duration {
	d := p.cfg.Interval
	if p.cfg.BackoffMultiplier <= 1 {
		return d
	}
	f := float64(d)
	for i := 0; i < attempts; i++ {
		f *= p.cfg.BackoffMultiplier
		if p.cfg.MaxInterval > 0 && time.Duration(f) >= p.cfg.MaxInterval {
			return p.cfg.MaxInterval
		}
	}
	return time.Duration(f)
}

// Wait polls commandID until it is terminal. The first wait is measured
// from state.LastPolledAt so a resumed loop keeps its cadence.
func (p *Poller) Wait(ctx context.Context, commandID string, state PollState, observe PollObserver) (channel.Execution, error) {
	attempts := state.Attempts
	last := state.LastPolledAt

	for {
		if p.cfg.MaxAttempts > 0 && attempts >= p.cfg.MaxAttempts {
			return channel.Execution{}, fmt.Errorf("%w: command %s after %d polls", domain.ErrPollAttemptsExceeded, commandID, attempts)
		}

		wait := p.interval(attempts)
		if last != nil {
			wait -= p.now().Sub(*last)
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return channel.Execution{}, ctx.Err()
			case <-timer.C:
			}
		}

		var exec channel.Execution
		err := p.retry.Do(ctx, p.logger, "poll command", func(ctx context.Context) error {
			var err error
			exec, err = p.channel.Poll(ctx, commandID)
			return err
		})
		if err != nil {
			return channel.Execution{}, fmt.Errorf("failed to poll command %s: %w", commandID, err)
		}

		attempts++
		polledAt := p.now()
		last = &polledAt

		p.logger.Debug("Command polled",
			slog.String("command_id", commandID),
			slog.String("status", string(exec.Status)),
			slog.Int("attempt", attempts),
		)

		if observe != nil {
			if err := observe(ctx, attempts, polledAt, exec); err != nil {
				return exec, err
			}
		}

		if exec.Status.IsTerminal() {
			return exec, nil
		}
	}
}
