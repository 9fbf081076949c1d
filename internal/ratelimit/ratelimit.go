// Package ratelimit provides the per-backend token bucket that gates
// admission to the underlying transport. No backend call bypasses it.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/tahmidr/request-dispatcher/internal/errors"
)

// timeNow is swapped out by tests that simulate the clock.
var timeNow = time.Now

// Limiter is a token bucket refilled continuously from a per-minute
// budget. It wraps x/time/rate, which keeps the refill math idempotent
// regardless of call interleaving.
type Limiter struct {
	limiter *rate.Limiter
	perMin  float64
	burst   int
}

// New creates a Limiter granting ratePerMinute tokens per minute with the
// given burst capacity. A non-positive rate disables limiting.
func New(ratePerMinute float64, burst int) *Limiter {
	if ratePerMinute <= 0 {
		return &Limiter{limiter: rate.NewLimiter(rate.Inf, 0), perMin: 0, burst: burst}
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(ratePerMinute/60.0), burst),
		perMin:  ratePerMinute,
		burst:   burst,
	}
}

// TryAcquire deducts n tokens if available and returns true, else false.
// It never blocks.
func (l *Limiter) TryAcquire(n int) bool {
	return l.limiter.AllowN(timeNow(), n)
}

// WaitAcquire blocks cooperatively until n tokens are available or ctx is
// done. A cancelled wait is reported as a NetworkTimeout so the caller
// fails with a timeout classification rather than a silent block.
func (l *Limiter) WaitAcquire(ctx context.Context, n int) error {
	if err := l.limiter.WaitN(ctx, n); err != nil {
		return errors.Wrap(err, errors.KindNetworkTimeout, "rate_limiter",
			"deadline expired while waiting for rate tokens")
	}
	return nil
}

// Tokens returns the number of tokens currently available.
func (l *Limiter) Tokens() float64 {
	return l.limiter.TokensAt(timeNow())
}

// Stats returns limiter statistics for the admin surface.
func (l *Limiter) Stats() map[string]interface{} {
	return map[string]interface{}{
		"rate_per_minute":  l.perMin,
		"burst":            l.burst,
		"available_tokens": l.Tokens(),
	}
}
