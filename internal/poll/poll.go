// internal/poll/poll.go
// Package poll implements the bounded retry executor shared by element
// resolution and verification. Both go through Until, so a caller only ever
// deals with one timeout and backoff model.
package poll

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/tether/internal/errdefs"
)

// DefaultInterval is the pause between two attempts.
const DefaultInterval = time.Second

// Clock abstracts time so tests can observe the poller without real sleeps.
type Clock interface {
	Now() time.Time
	// After behaves like time.After but must be stoppable through the returned func.
	After(d time.Duration) (<-chan time.Time, func() bool)
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) (<-chan time.Time, func() bool) {
	t := time.NewTimer(d)
	return t.C, t.Stop
}

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// Poller holds the settings for a single wait. It is cheap and meant to be
// built per call, never shared.
type Poller struct {
	// Op names the wait in errors and logs.
	Op       string
	Timeout  time.Duration
	Interval time.Duration
	Clock    Clock
	Logger   *zap.Logger
}

// New returns a Poller for op with the default interval and the wall clock.
func New(op string, timeout time.Duration) Poller {
	return Poller{Op: op, Timeout: timeout, Interval: DefaultInterval}
}

func (p Poller) withDefaults() Poller {
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	if p.Clock == nil {
		p.Clock = RealClock
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Op == "" {
		p.Op = "poll"
	}
	return p
}

// Until calls fn until it succeeds, fails with a non-recoverable error, or the
// deadline passes. At least one attempt is always made. Recoverable failures
// (see errdefs.IsRecoverable) are retried after p.Interval; the sleep is cut
// short at the deadline so that one last attempt runs right at it. Exhaustion
// yields an *errdefs.TimeoutError carrying the last recoverable error.
//
// Each attempt gets a context that expires with the remaining time, so a
// backend call that never returns is cut off at the deadline too. The attempt
// made at the deadline itself is given one interval. A cancelled ctx aborts
// the wait with ctx.Err().
func Until[T any](ctx context.Context, p Poller, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	var zero T

	start := p.Clock.Now()
	deadline := start.Add(p.Timeout)
	var lastErr error

	timeout := func(last error) error {
		return &errdefs.TimeoutError{
			Op:      p.Op,
			Timeout: p.Timeout,
			Elapsed: p.Clock.Now().Sub(start),
			Last:    last,
		}
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		budget := deadline.Sub(p.Clock.Now())
		if budget <= 0 {
			budget = p.Interval
		}
		attemptCtx, cancel := context.WithTimeout(ctx, budget)
		v, err := fn(attemptCtx)
		expired := attemptCtx.Err() != nil
		cancel()

		if err == nil {
			if attempt > 1 {
				p.Logger.Debug("Condition satisfied after retries.",
					zap.String("op", p.Op),
					zap.Int("attempts", attempt),
					zap.Duration("elapsed", p.Clock.Now().Sub(start)))
			}
			return v, nil
		}
		if expired && ctx.Err() == nil {
			// The attempt ran out the clock rather than failing on its own.
			p.Logger.Debug("Attempt cut off at deadline.", zap.String("op", p.Op), zap.Error(err))
			if lastErr == nil {
				lastErr = err
			}
			return zero, timeout(lastErr)
		}
		if !errdefs.IsRecoverable(err) {
			return zero, err
		}
		lastErr = err

		now := p.Clock.Now()
		if !now.Before(deadline) {
			return zero, timeout(lastErr)
		}

		wait := p.Interval
		if remaining := deadline.Sub(now); remaining < wait {
			wait = remaining
		}
		p.Logger.Debug("Retrying after recoverable error.",
			zap.String("op", p.Op),
			zap.Int("attempt", attempt),
			zap.Duration("next_in", wait),
			zap.Error(err))

		ch, stop := p.Clock.After(wait)
		select {
		case <-ch:
		case <-ctx.Done():
			stop()
			return zero, ctx.Err()
		}
	}
}

// Condition polls a boolean predicate. A false result counts as the
// recoverable errdefs.ErrConditionUnmet.
func Condition(ctx context.Context, p Poller, pred func(ctx context.Context) (bool, error)) error {
	_, err := Until(ctx, p, func(ctx context.Context) (struct{}, error) {
		ok, err := pred(ctx)
		if err != nil {
			return struct{}{}, err
		}
		if !ok {
			return struct{}{}, errdefs.ErrConditionUnmet
		}
		return struct{}{}, nil
	})
	return err
}
