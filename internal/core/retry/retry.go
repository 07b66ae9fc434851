// Package retry wraps a single fallible call with bounded attempts.
package retry

import (
	"context"
	"time"

	"github.com/markdave123-py/pagewise/internal/core"
)

const DefaultMaxAttempts = 10

// Policy configures one retry scope. It holds no shared state, so a value can be reused
// across concurrent calls.
type Policy struct {
	MaxAttempts int
	// Delay returns the wait after the zero-based failed attempt.
	Delay func(attempt int) time.Duration
	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// CyclicDelay alternates 2s, 4s, 2s, 4s... rather than growing.
func CyclicDelay(attempt int) time.Duration {
	return time.Duration(1<<((attempt%2)+1)) * time.Second
}

// ConstantDelay waits d between every attempt.
func ConstantDelay(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

// Cyclic is the per-call policy used around model calls: 10 attempts, oscillating delay.
func Cyclic() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, Delay: CyclicDelay}
}

// Do runs fn until it succeeds, returns a non-retriable error, or attempts run out.
// The last error is returned unchanged so callers can inspect it.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = timerSleep
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if core.IsNonRetriable(err) || attempt == attempts-1 {
			break
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		var d time.Duration
		if p.Delay != nil {
			d = p.Delay(attempt)
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, d)
		}
		if err := sleep(ctx, d); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

// Run is Do for calls without a result.
func Run(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func timerSleep(ctx context.Context, d time.Duration) error {
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
