package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
)

// ErrExhausted wraps the last error once every retry has been spent.
var ErrExhausted = errors.New("retries exhausted")

// Options configure Do.
type Options struct {
	Policy     BackoffPolicy
	MaxRetries int
	Clock      clock.Clock
	// Retryable reports whether err is worth another attempt. Nil retries every error.
	Retryable func(error) bool
}

// Do runs fn, retrying retryable failures up to MaxRetries times with
// exponential backoff. Non-retryable errors are returned unwrapped.
func Do(ctx context.Context, opts Options, fn func(context.Context) error) error {
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	b := NewBackoff(opts.Policy)

	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if opts.Retryable != nil && !opts.Retryable(err) {
			return err
		}
		if b.Attempts() >= opts.MaxRetries {
			return fmt.Errorf("%w after %d retries: %w", ErrExhausted, b.Attempts(), err)
		}

		delay := b.Next()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(delay):
		}
	}
}

// Schedule lists the first n delays a policy produces, for display.
func Schedule(policy BackoffPolicy, n int) []time.Duration {
	out := make([]time.Duration, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, ComputeBackoff(policy, i))
	}
	return out
}
