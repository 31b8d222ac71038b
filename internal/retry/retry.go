package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/italolelis/rangefetch/internal/clock"
)

// Policy is an exponential backoff without jitter: the n-th retry waits
// BaseDelay * Multiplier^(n-1), capped at MaxDelay.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// Delay returns the wait before retry number n (starting at 1).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 || p.BaseDelay <= 0 {
		return 0
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.maxDelay(),
	}
	b.Reset()

	var d time.Duration
	for range n {
		d = b.NextBackOff()
	}

	return d
}

// Exhausted reports whether n retries exceed the budget.
func (p Policy) Exhausted(n int) bool {
	return n > p.MaxRetries
}

func (p Policy) maxDelay() time.Duration {
	if p.MaxDelay > 0 {
		return p.MaxDelay
	}

	return backoff.DefaultMaxInterval
}

// Sleep waits d on clk, returning early with ctx.Err() if ctx is cancelled first.
func Sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clk.After(d):
		return nil
	}
}
