// Package backoff provides retry delay strategies. All strategies are
// stateless and safe for concurrent use.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Strategy computes the delay before retry attempt n (1-indexed; attempt
// 1 is the first retry after the initial failure).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant always waits the same interval.
type Constant struct {
	Interval time.Duration
}

// Delay returns the fixed interval.
func (c Constant) Delay(_ int) time.Duration { return c.Interval }

// Exponential doubles the delay each attempt, capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e Exponential) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ExponentialJitter applies full jitter over an exponential base so that
// concurrent retries against the same backend do not synchronize.
type ExponentialJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns a random duration in [0, min(Initial * 2^(attempt-1), Max)].
func (e ExponentialJitter) Delay(attempt int) time.Duration {
	base := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	return time.Duration(rand.Float64() * base)
}

// Sleep waits for d or until ctx is done, whichever comes first. Returns
// false if the context expired.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
