package capture

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy controls what the capture loop does after a decode failure.
type RetryPolicy struct {
	Enabled     bool          // Reopen the stream instead of stopping
	MaxAttempts int           // Consecutive failed reopens before giving up (0 = unbounded)
	Delay       time.Duration // First backoff delay
	MaxDelay    time.Duration // Backoff cap
}

// DefaultRetryPolicy returns the policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Enabled:     false,
		MaxAttempts: 0,
		Delay:       500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// backoff doubles the delay up to max, with +/-20% jitter.
type backoff struct {
	base time.Duration
	max  time.Duration
	cur  time.Duration
}

func newBackoff(base, max time.Duration) *backoff {
	if max < base {
		max = base
	}
	return &backoff{base: base, max: max}
}

func (b *backoff) next() time.Duration {
	if b.cur <= 0 {
		b.cur = b.base
	} else {
		b.cur *= 2
		if b.cur > b.max {
			b.cur = b.max
		}
	}
	j := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(b.cur) * j)
}

// Sleep waits for the next delay. It returns false if ctx ended first.
func (b *backoff) Sleep(ctx context.Context) bool {
	d := b.next()
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *backoff) Reset() { b.cur = 0 }
