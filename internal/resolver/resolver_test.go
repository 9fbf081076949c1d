package resolver

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tahmidr/request-dispatcher/internal/deadletter"
	"github.com/tahmidr/request-dispatcher/internal/errors"
	"github.com/tahmidr/request-dispatcher/pkg/logger"
)

type recordingObserver struct {
	mu         sync.Mutex
	kinds      []errors.Kind
	strategies []string
	deadKinds  []errors.Kind
}

func (o *recordingObserver) ObserveResolution(kind errors.Kind, strategy string, _ bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.kinds = append(o.kinds, kind)
	o.strategies = append(o.strategies, strategy)
}

func (o *recordingObserver) ObserveDeadLetter(kind errors.Kind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deadKinds = append(o.deadKinds, kind)
}

func newTestResolver(t *testing.T) (*Resolver, *deadletter.Store, *recordingObserver) {
	t.Helper()
	dl := deadletter.New(16, logger.NewNop())
	obs := &recordingObserver{}
	r := New(Config{
		DefaultMaxRetries: 3,
		RetryInitial:      time.Millisecond,
		RetryMax:          5 * time.Millisecond,
	}, dl, logger.NewNop(), obs)
	return r, dl, obs
}

func TestGenericRetrySucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	r, dl, _ := newTestResolver(t)
	calls := 0
	cc := r.NewContext(stderrors.New("resource exhausted"))

	result := r.Resolve(context.Background(), cc, func(context.Context, *Context) (interface{}, error) {
		calls++
		if calls < 2 {
			return nil, stderrors.New("resource exhausted")
		}
		return "recovered", nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, "recovered", result.Value)
	assert.Equal(t, "Retry", result.Strategy)
	assert.Equal(t, 0, dl.Len(), "successful resolutions are not dead-lettered")
}

func TestGenericRetryExhaustionDeadLetters(t *testing.T) {
	t.Parallel()

	r, dl, obs := newTestResolver(t)
	cc := r.NewContext(stderrors.New("resource exhausted")).WithRequest("req-1")

	result := r.Resolve(context.Background(), cc, func(context.Context, *Context) (interface{}, error) {
		return nil, stderrors.New("resource exhausted")
	})

	assert.False(t, result.Success)
	assert.True(t, result.ShouldRetry)
	assert.Equal(t, 3, cc.RetryCount)

	require.Equal(t, 1, dl.Len())
	entries := dl.DrainBatch(1)
	assert.Equal(t, "req-1", entries[0].RequestID)
	assert.Equal(t, errors.KindResourceExhausted, entries[0].Kind)
	assert.Len(t, entries[0].Resolutions, 1)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []errors.Kind{errors.KindResourceExhausted}, obs.deadKinds,
		"the observer hears about every dead-lettered failure")
}

func TestResolveAppendsExactlyOneHistoryRecord(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestResolver(t)
	cc := r.NewContext(stderrors.New("resource exhausted"))

	r.Resolve(context.Background(), cc, func(context.Context, *Context) (interface{}, error) {
		return nil, stderrors.New("resource exhausted")
	})

	require.Len(t, cc.History, 1, "one Resolve call appends one record regardless of retries")
	assert.Equal(t, "Retry", cc.History[0].Strategy)
	assert.False(t, cc.History[0].Success)
}

func TestRateLimitStrategyWaitsRetryAfter(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestResolver(t)
	cc := r.NewContext(errors.New(errors.KindRateLimited, "transport", "throttled")).
		WithData(&RateLimitData{RetryAfter: 30 * time.Millisecond})

	start := time.Now()
	result := r.Resolve(context.Background(), cc, func(context.Context, *Context) (interface{}, error) {
		return "ok", nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, "RateLimitBackoff", result.Strategy)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond,
		"the advised retry-after must elapse before the retry")
}

func TestNewContextCarriesAdvisedRetryAfter(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestResolver(t)

	cc := r.NewContext(errors.New(errors.KindRateLimited, "transport", "backend returned 429").
		WithMetadata("retry_after", 7*time.Second))
	data, ok := cc.Data.(*RateLimitData)
	require.True(t, ok, "rate-limit metadata must become RateLimitData without caller help")
	assert.Equal(t, 7*time.Second, data.RetryAfter)

	// Without the metadata the strategy falls back to its own default.
	cc = r.NewContext(errors.New(errors.KindRateLimited, "transport", "throttled"))
	assert.Nil(t, cc.Data)
}

func TestProgressiveTimeoutGrowsAttemptBudget(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestResolver(t)

	var mu sync.Mutex
	var budgets []time.Duration
	cc := r.NewContext(errors.New(errors.KindNetworkTimeout, "transport", "deadline exceeded")).
		WithData(&TimeoutData{AttemptTimeout: 40 * time.Millisecond, Multiplier: 2})

	result := r.Resolve(context.Background(), cc, func(ctx context.Context, _ *Context) (interface{}, error) {
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		mu.Lock()
		budgets = append(budgets, time.Until(deadline))
		mu.Unlock()
		return nil, errors.New(errors.KindNetworkTimeout, "transport", "deadline exceeded")
	})

	assert.False(t, result.Success)
	require.Len(t, budgets, 3)
	assert.Greater(t, budgets[1], budgets[0], "each attempt gets a longer budget")
	assert.Greater(t, budgets[2], budgets[1])
}

func TestProgressiveTimeoutFallbackValue(t *testing.T) {
	t.Parallel()

	r, dl, _ := newTestResolver(t)
	cc := r.NewContext(errors.New(errors.KindNetworkTimeout, "transport", "deadline exceeded")).
		WithData(&TimeoutData{AttemptTimeout: time.Millisecond, Fallback: "cached-default"})

	result := r.Resolve(context.Background(), cc, func(context.Context, *Context) (interface{}, error) {
		return nil, errors.New(errors.KindNetworkTimeout, "transport", "deadline exceeded")
	})

	assert.True(t, result.Success, "fallback counts as a successful resolution")
	assert.Equal(t, "cached-default", result.Value)
	assert.Equal(t, "FallbackValue", result.Strategy)
	assert.Equal(t, 0, dl.Len())
}

func TestDeadlockRetriesWhileStillDeadlocked(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestResolver(t)
	calls := 0
	cc := r.NewContext(stderrors.New("deadlock detected"))

	result := r.Resolve(context.Background(), cc, func(context.Context, *Context) (interface{}, error) {
		calls++
		if calls < 3 {
			return nil, stderrors.New("deadlock detected")
		}
		return "committed", nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, "DeadlockRetry", result.Strategy)
	assert.Equal(t, 3, calls)
}

func TestDeadlockStopsWhenFailureClassChanges(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestResolver(t)
	calls := 0
	cc := r.NewContext(stderrors.New("deadlock detected"))

	result := r.Resolve(context.Background(), cc, func(context.Context, *Context) (interface{}, error) {
		calls++
		return nil, stderrors.New("validation failed for field 'total'")
	})

	assert.False(t, result.Success)
	assert.Equal(t, "CompensatingTransaction", result.Strategy)
	assert.Equal(t, 1, calls, "a re-classified failure must stop the deadlock loop")
	assert.False(t, result.ShouldRetry)
}

func TestAutoMergeUniquifiesResourceID(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestResolver(t)
	data := &UpsertConflictData{ResourceID: "abc"}
	cc := r.NewContext(errors.New(errors.KindUpsertConflict, "backend", "duplicate key")).WithData(data)

	var usedID string
	result := r.Resolve(context.Background(), cc, func(_ context.Context, cc *Context) (interface{}, error) {
		usedID = cc.Data.(*UpsertConflictData).ResourceID
		return usedID, nil
	})

	require.True(t, result.Success)
	assert.Equal(t, "AutoMerge", result.Strategy)
	assert.NotEqual(t, "abc", usedID)
	assert.True(t, strings.HasPrefix(usedID, "abc-"), "uniquified id keeps the original prefix, got %q", usedID)
	require.Len(t, cc.History, 1)
	assert.Equal(t, "AutoMerge", cc.History[0].Strategy)
}

func TestAutoMergeFallsBackToMergeExisting(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestResolver(t)
	data := &UpsertConflictData{ResourceID: "abc"}
	cc := r.NewContext(errors.New(errors.KindUpsertConflict, "backend", "duplicate key")).WithData(data)

	calls := 0
	result := r.Resolve(context.Background(), cc, func(_ context.Context, cc *Context) (interface{}, error) {
		calls++
		d := cc.Data.(*UpsertConflictData)
		if !d.MergeExisting {
			return nil, errors.New(errors.KindUpsertConflict, "backend", "duplicate key")
		}
		return "merged", nil
	})

	require.True(t, result.Success)
	assert.Equal(t, "merged", result.Value)
	assert.Equal(t, 2, calls)
}

func TestThreeWayMergeStrategyComputesMerge(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestResolver(t)
	data := &ThreeWayMergeData{
		Base:   map[string]interface{}{"replicas": 2, "region": "eu"},
		Ours:   map[string]interface{}{"replicas": 4, "region": "eu"},
		Theirs: map[string]interface{}{"replicas": 2, "region": "us"},
	}
	cc := r.NewContext(errors.New(errors.KindConcurrentModification, "backend", "version mismatch")).
		WithData(data)

	result := r.Resolve(context.Background(), cc, nil)
	require.True(t, result.Success)
	assert.Equal(t, "ThreeWayMerge", result.Strategy)
	merged, ok := result.Value.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 4, merged["replicas"])
	assert.Equal(t, "us", merged["region"])
	assert.Equal(t, merged, data.Merged)
}

func TestStructuralFailuresNotRetriedNotDeadLettered(t *testing.T) {
	t.Parallel()

	r, dl, _ := newTestResolver(t)
	calls := 0
	cc := r.NewContext(errors.New(errors.KindValidationFailed, "backend", "bad payload"))

	result := r.Resolve(context.Background(), cc, func(context.Context, *Context) (interface{}, error) {
		calls++
		return nil, nil
	})

	assert.False(t, result.Success)
	assert.Equal(t, "ManualIntervention", result.Strategy)
	assert.Equal(t, 0, calls, "the operation must not be re-run")
	assert.Equal(t, 0, dl.Len())

	de, ok := errors.AsDispatchError(result.Err)
	require.True(t, ok)
	assert.True(t, de.NotRetried)
}

func TestFailFastKindsNotDeadLettered(t *testing.T) {
	t.Parallel()

	r, dl, _ := newTestResolver(t)
	for _, kind := range []errors.Kind{errors.KindBackendUnavailable, errors.KindQueueSaturated} {
		cc := r.NewContext(errors.New(kind, "queue", "rejected"))
		result := r.Resolve(context.Background(), cc, nil)

		assert.False(t, result.Success, "kind %s", kind)
		assert.Equal(t, "FailFast", result.Strategy)
		assert.True(t, result.ShouldRetry)
	}
	assert.Equal(t, 0, dl.Len())
}

func TestCountersAndObserver(t *testing.T) {
	t.Parallel()

	r, _, obs := newTestResolver(t)

	ok := r.NewContext(stderrors.New("resource exhausted"))
	r.Resolve(context.Background(), ok, func(context.Context, *Context) (interface{}, error) {
		return "done", nil
	})

	bad := r.NewContext(stderrors.New("resource exhausted"))
	r.Resolve(context.Background(), bad, func(context.Context, *Context) (interface{}, error) {
		return nil, stderrors.New("resource exhausted")
	})

	successes, failures := r.Counters()
	assert.Equal(t, int64(1), successes[errors.KindResourceExhausted])
	assert.Equal(t, int64(1), failures[errors.KindResourceExhausted])

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []errors.Kind{errors.KindResourceExhausted, errors.KindResourceExhausted}, obs.kinds)
	assert.Equal(t, []string{"Retry", "Retry"}, obs.strategies)
}

func TestResolveCancelledContext(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestResolver(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cc := r.NewContext(stderrors.New("resource exhausted"))
	result := r.Resolve(ctx, cc, func(context.Context, *Context) (interface{}, error) {
		t.Fatal("operation must not run under a cancelled context")
		return nil, nil
	})

	assert.False(t, result.Success)
	assert.Equal(t, errors.KindNetworkTimeout, errors.GetKind(result.Err))
}
