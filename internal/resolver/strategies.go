package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tahmidr/request-dispatcher/internal/backoff"
	"github.com/tahmidr/request-dispatcher/internal/errors"
)

// genericRetryStrategy retries with exponential backoff up to the
// context's budget. Exhaustion marks the result retryable so the caller
// can requeue after the failure is dead-lettered.
type genericRetryStrategy struct {
	retry backoff.Strategy
}

func (s *genericRetryStrategy) Name() string { return "Retry" }

func (s *genericRetryStrategy) Resolve(ctx context.Context, cc *Context, op RetryableFn) Result {
	if op == nil {
		return Result{Err: cc.Err, ShouldRetry: true}
	}

	lastErr := cc.Err
	for attempt := 1; attempt <= cc.MaxRetries; attempt++ {
		if !backoff.Sleep(ctx, s.retry.Delay(attempt)) {
			return Result{Err: errors.NewTimeoutError("conflict_resolver", ctx.Err())}
		}
		cc.RetryCount = attempt

		value, err := op(ctx, cc)
		if err == nil {
			return Result{Success: true, Value: value}
		}
		lastErr = err
	}

	return Result{Err: lastErr, ShouldRetry: true}
}

// rateLimitStrategy waits out the server-advised retry-after and retries
// once; a renewed rejection escalates to longer cooldown-style waits.
type rateLimitStrategy struct{}

func (s *rateLimitStrategy) Name() string { return "RateLimitBackoff" }

func (s *rateLimitStrategy) Resolve(ctx context.Context, cc *Context, op RetryableFn) Result {
	if op == nil {
		return Result{Err: cc.Err, ShouldRetry: true}
	}

	wait := time.Second
	if data, ok := cc.Data.(*RateLimitData); ok && data.RetryAfter > 0 {
		wait = data.RetryAfter
	}

	if !backoff.Sleep(ctx, wait) {
		return Result{Err: errors.NewTimeoutError("conflict_resolver", ctx.Err())}
	}
	cc.RetryCount = 1

	value, err := op(ctx, cc)
	if err == nil {
		return Result{Success: true, Value: value}
	}

	// Still throttled: escalate to a doubling cooldown for the rest of
	// the budget.
	escalate := backoff.Exponential{Initial: 2 * wait, Max: 2 * time.Minute}
	lastErr := err
	for attempt := 2; attempt <= cc.MaxRetries; attempt++ {
		if !backoff.Sleep(ctx, escalate.Delay(attempt-1)) {
			return Result{Err: errors.NewTimeoutError("conflict_resolver", ctx.Err())}
		}
		cc.RetryCount = attempt

		value, err = op(ctx, cc)
		if err == nil {
			return Result{Success: true, Value: value}
		}
		lastErr = err
	}

	return Result{Err: lastErr, ShouldRetry: true}
}

// progressiveTimeoutStrategy grows the attempt's own timeout across
// retries, returning a configured fallback value after exhaustion when
// one exists.
type progressiveTimeoutStrategy struct{}

func (s *progressiveTimeoutStrategy) Name() string { return "ProgressiveTimeout" }

func (s *progressiveTimeoutStrategy) Resolve(ctx context.Context, cc *Context, op RetryableFn) Result {
	data, _ := cc.Data.(*TimeoutData)
	attemptTimeout := time.Second
	multiplier := 1.5
	var fallback interface{}
	if data != nil {
		if data.AttemptTimeout > 0 {
			attemptTimeout = data.AttemptTimeout
		}
		if data.Multiplier > 1 {
			multiplier = data.Multiplier
		}
		fallback = data.Fallback
	}

	if op == nil {
		return Result{Err: cc.Err, ShouldRetry: true}
	}

	lastErr := cc.Err
	for attempt := 1; attempt <= cc.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return Result{Err: errors.NewTimeoutError("conflict_resolver", ctx.Err())}
		}
		cc.RetryCount = attempt

		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		value, err := op(attemptCtx, cc)
		cancel()

		if err == nil {
			return Result{Success: true, Value: value}
		}
		lastErr = err
		attemptTimeout = time.Duration(float64(attemptTimeout) * multiplier)
	}

	if fallback != nil {
		return Result{Success: true, Value: fallback, Strategy: "FallbackValue"}
	}
	return Result{Err: lastErr, ShouldRetry: true}
}

// deadlockStrategy retries with backoff while the failure remains a
// deadlock. The moment a retry fails with a different classification the
// loop stops and the failure is escalated as a compensating-transaction
// case rather than retried further.
type deadlockStrategy struct {
	retry backoff.Strategy
}

func (s *deadlockStrategy) Name() string { return "DeadlockRetry" }

func (s *deadlockStrategy) Resolve(ctx context.Context, cc *Context, op RetryableFn) Result {
	if op == nil {
		return Result{Err: cc.Err, ShouldRetry: true}
	}

	lastErr := cc.Err
	for attempt := 1; attempt <= cc.MaxRetries; attempt++ {
		if !backoff.Sleep(ctx, s.retry.Delay(attempt)) {
			return Result{Err: errors.NewTimeoutError("conflict_resolver", ctx.Err())}
		}
		cc.RetryCount = attempt

		value, err := op(ctx, cc)
		if err == nil {
			return Result{Success: true, Value: value}
		}
		lastErr = err

		if Classify(err) != errors.KindDeadlock {
			// The failure class changed under us; retrying the deadlock
			// path would mask a different problem.
			return Result{Strategy: "CompensatingTransaction", Err: err}
		}
	}

	return Result{Err: lastErr, ShouldRetry: true}
}

// autoMergeStrategy resolves upsert conflicts by uniquifying the
// resource identifier and retrying once; a repeat conflict switches to a
// merge-into-existing retry.
type autoMergeStrategy struct{}

func (s *autoMergeStrategy) Name() string { return "AutoMerge" }

func (s *autoMergeStrategy) Resolve(ctx context.Context, cc *Context, op RetryableFn) Result {
	data, ok := cc.Data.(*UpsertConflictData)
	if !ok || op == nil {
		return Result{Strategy: "ManualIntervention", Err: cc.Err}
	}

	data.ResourceID = fmt.Sprintf("%s-%s", data.ResourceID, uuid.NewString()[:8])
	cc.RetryCount = 1

	value, err := op(ctx, cc)
	if err == nil {
		return Result{Success: true, Value: value}
	}

	// Uniquified id still conflicted; merge into the existing resource.
	data.MergeExisting = true
	cc.RetryCount = 2

	value, err = op(ctx, cc)
	if err == nil {
		return Result{Success: true, Value: value}
	}
	return Result{Err: err}
}

// threeWayMergeStrategy resolves concurrent-modification conflicts by
// computing a deterministic base/ours/theirs merge and re-running the
// operation against the merged document.
type threeWayMergeStrategy struct{}

func (s *threeWayMergeStrategy) Name() string { return "ThreeWayMerge" }

func (s *threeWayMergeStrategy) Resolve(ctx context.Context, cc *Context, op RetryableFn) Result {
	data, ok := cc.Data.(*ThreeWayMergeData)
	if !ok {
		return Result{Strategy: "ManualIntervention", Err: cc.Err}
	}

	data.Merged = MergeThreeWay(data.Base, data.Ours, data.Theirs)

	if op == nil {
		return Result{Success: true, Value: data.Merged}
	}

	cc.RetryCount = 1
	value, err := op(ctx, cc)
	if err == nil {
		if value == nil {
			value = data.Merged
		}
		return Result{Success: true, Value: value}
	}
	return Result{Err: err}
}

// failFastStrategy surfaces the failure immediately. Used for kinds
// where a blind retry loop would amplify the overload; the caller is
// expected to apply its own backoff before re-dispatching.
type failFastStrategy struct{}

func (s *failFastStrategy) Name() string { return "FailFast" }

func (s *failFastStrategy) Resolve(_ context.Context, cc *Context, _ RetryableFn) Result {
	return Result{Err: cc.Err, ShouldRetry: true}
}

// manualInterventionStrategy is the conservative terminal result for
// structural failures and kinds without a handler.
type manualInterventionStrategy struct{}

func (s *manualInterventionStrategy) Name() string { return "ManualIntervention" }

func (s *manualInterventionStrategy) Resolve(_ context.Context, cc *Context, _ RetryableFn) Result {
	err := cc.Err
	if de, ok := errors.AsDispatchError(err); ok {
		de.MarkNotRetried()
	}
	return Result{Err: err}
}
