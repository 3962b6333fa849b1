// ============================================================================
// Actionguard Retry Controller
// ============================================================================
//
// Package: internal/retry
// File: retry.go
// Purpose: Run one dispatch's action with exponential backoff.
//
// Schedule:
//   attempt 0 runs immediately. After a failed attempt n, if n < MaxRetries
//   (or MaxRetries is Unlimited) the controller sleeps
//       min(InitialDelay * Multiplier^n, MaxDelay)
//   counted from the moment attempt n finished, then runs attempt n+1.
//   No jitter: the backoff is built with RandomizationFactor 0.
//
// Connectivity:
//   With a connectivity check configured, every attempt first asks the
//   check. A negative answer is a failed attempt (ErrNoConnectivity) that
//   feeds the same schedule, capped by MaxRetryDelay instead of MaxDelay.
//
// Errors:
//   Only the last error is returned. ProtocolError is never retried.
//
// ============================================================================

package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ChuLiYu/actionguard/internal/modifier"
	"github.com/ChuLiYu/actionguard/pkg/types"
)

// Policy is the resolved retry and connectivity configuration.
type Policy struct {
	Retry        modifier.RetryConfig
	Connectivity modifier.ConnectivityConfig
}

// Sleeper waits for d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

// Controller runs actions under a Policy.
type Controller struct {
	sleep Sleeper
}

// New returns a controller that sleeps on real timers.
func New() *Controller {
	return &Controller{sleep: sleepCtx}
}

// NewWithSleeper is used by tests to observe the schedule.
func NewWithSleeper(s Sleeper) *Controller {
	return &Controller{sleep: s}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes action, retrying per policy. The attempt number is exposed
// to the action via AttemptFromContext.
func (c *Controller) Run(ctx context.Context, p Policy, action modifier.Action) error {
	general := schedule(p.Retry, p.Retry.MaxDelay)
	offline := schedule(p.Retry, p.Connectivity.MaxRetryDelay)

	for attempt := 0; ; attempt++ {
		connected := true
		var err error
		if p.Connectivity.Enabled && p.Connectivity.Check != nil && !p.Connectivity.Check(ctx) {
			connected = false
			err = types.ErrNoConnectivity
		} else {
			err = action(WithAttempt(ctx, attempt))
		}

		// the two schedules advance in lockstep so both stay at attempt n
		delay := general.NextBackOff()
		offlineDelay := offline.NextBackOff()

		if err == nil {
			return nil
		}
		if types.IsProtocolError(err) || !p.Retry.Enabled || !canRetry(p.Retry.MaxRetries, attempt) {
			return err
		}

		if !connected {
			delay = capDelay(offlineDelay, p.Connectivity.MaxRetryDelay)
		} else {
			delay = capDelay(delay, p.Retry.MaxDelay)
		}

		if p.Retry.OnRetry != nil {
			p.Retry.OnRetry(attempt, delay, err)
		}
		if sErr := c.sleep(ctx, delay); sErr != nil {
			return err
		}
	}
}

func canRetry(maxRetries, attempt int) bool {
	return maxRetries < 0 || attempt < maxRetries
}

func schedule(r modifier.RetryConfig, max time.Duration) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          r.Multiplier,
		MaxInterval:         max,
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(1<<63 - 1)
	}
	b.Reset()
	return b
}

func capDelay(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	if d < 0 {
		return 0
	}
	return d
}

// ============================================================================
// context
// ============================================================================

type attemptKey struct{}

// WithAttempt stores the 0-based attempt number.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey{}, attempt)
}

// AttemptFromContext returns the 0-based attempt number, 0 outside a retry.
func AttemptFromContext(ctx context.Context) int {
	n, _ := ctx.Value(attemptKey{}).(int)
	return n
}
