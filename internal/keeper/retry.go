package keeper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

var ErrRetryExhausted = errors.New("retry budget exhausted")

// RetryPolicy bounds a retry loop. Zero MaxAttempts and MaxDuration retry
// until ctx is done.
type RetryPolicy struct {
	Delay       time.Duration
	MaxAttempts int
	MaxDuration time.Duration
}

func (p RetryPolicy) validate(name string) error {
	if p.Delay < 0 {
		return fmt.Errorf("%s retry delay must be >= 0", name)
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("%s max attempts must be >= 0", name)
	}
	if p.MaxDuration < 0 {
		return fmt.Errorf("%s max duration must be >= 0", name)
	}
	return nil
}

func (p RetryPolicy) Unbounded() bool { return p.MaxAttempts == 0 && p.MaxDuration == 0 }

// Clock is the time source for waits; tests swap in a fake.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// retry runs op until it succeeds, fails with an error retryable rejects, the
// policy runs out, or ctx is done.
func retry(ctx context.Context, clock Clock, p RetryPolicy, label string, retryable func(error) bool, op func(context.Context) error) error {
	start := clock.Now()
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return fmt.Errorf("%s: %w after %d attempts: %w", label, ErrRetryExhausted, attempt, err)
		}
		if p.MaxDuration > 0 && clock.Now().Add(p.Delay).Sub(start) > p.MaxDuration {
			return fmt.Errorf("%s: %w after %s: %w", label, ErrRetryExhausted, clock.Now().Sub(start), err)
		}

		log.Printf("[boot] %s failed (attempt %d), retrying in %s: %v", label, attempt, p.Delay, err)
		if err := clock.Sleep(ctx, p.Delay); err != nil {
			return err
		}
	}
}

// ConfirmFunc reports whether a settled effect is visible yet.
type ConfirmFunc func(ctx context.Context) (bool, error)

// settle waits at most max for confirm to return true, polling every poll.
// Without confirm, or with poll <= 0, it is a plain delay of max. Reaching
// max is not an error: the delay is the fallback bound.
func settle(ctx context.Context, clock Clock, max, poll time.Duration, confirm ConfirmFunc) error {
	if confirm == nil || poll <= 0 {
		return clock.Sleep(ctx, max)
	}
	deadline := clock.Now().Add(max)
	for {
		ok, err := confirm(ctx)
		if err != nil && ctx.Err() == nil {
			log.Printf("[warn] settlement check failed: %v", err)
		}
		if ok {
			return nil
		}
		remaining := deadline.Sub(clock.Now())
		if remaining <= 0 {
			return ctx.Err()
		}
		wait := poll
		if wait > remaining {
			wait = remaining
		}
		if err := clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}
