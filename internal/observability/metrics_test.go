package observability

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tahmidr/request-dispatcher/internal/breaker"
	"github.com/tahmidr/request-dispatcher/internal/deadletter"
	"github.com/tahmidr/request-dispatcher/internal/errors"
	"github.com/tahmidr/request-dispatcher/internal/resolver"
	"github.com/tahmidr/request-dispatcher/pkg/logger"
)

func TestObserveDispatchSuccess(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveDispatch("urgent", "b1", 0.05, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatchTotal.WithLabelValues("urgent", "success")))
	assert.Equal(t, 0, testutil.CollectAndCount(m.failuresTotal))
}

func TestObserveDispatchFailureCountsKind(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveDispatch("normal", "b1", 0.1, errors.New(errors.KindRateLimited, "transport", "throttled"))
	m.ObserveDispatch("normal", "", 0.1, stderrors.New("plain"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.dispatchTotal.WithLabelValues("normal", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failuresTotal.WithLabelValues(string(errors.KindRateLimited))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failuresTotal.WithLabelValues(string(errors.KindUnclassified))))
}

func TestQueueDepthGauge(t *testing.T) {
	t.Parallel()

	m := New()
	m.SetQueueDepth(42)
	assert.Equal(t, 42.0, testutil.ToFloat64(m.queueDepth))
	m.SetQueueDepth(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.queueDepth))
}

func TestCircuitStateGaugeLifecycle(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveCircuitState("b1", breaker.StateOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.circuitState.WithLabelValues("b1")))

	m.ObserveCircuitState("b1", breaker.StateHalfOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.circuitState.WithLabelValues("b1")))

	m.RemoveBackend("b1")
	assert.Equal(t, 0, testutil.CollectAndCount(m.circuitState))
}

func TestObserveResolution(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveResolution(errors.KindUpsertConflict, "AutoMerge", true)
	m.ObserveResolution(errors.KindUpsertConflict, "AutoMerge", false)
	m.ObserveResolution(errors.KindUpsertConflict, "AutoMerge", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.resolutions.WithLabelValues("UPSERT_CONFLICT", "AutoMerge", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.resolutions.WithLabelValues("UPSERT_CONFLICT", "AutoMerge", "failure")))
}

func TestDeadLetterCounterMovesOnExhaustion(t *testing.T) {
	t.Parallel()

	m := New()
	r := resolver.New(resolver.Config{
		DefaultMaxRetries: 1,
		RetryInitial:      time.Millisecond,
		RetryMax:          time.Millisecond,
	}, deadletter.New(4, logger.NewNop()), logger.NewNop(), m)

	cc := r.NewContext(stderrors.New("resource exhausted"))
	result := r.Resolve(context.Background(), cc, func(context.Context, *resolver.Context) (interface{}, error) {
		return nil, stderrors.New("resource exhausted")
	})

	require.False(t, result.Success)
	assert.Equal(t, 1.0,
		testutil.ToFloat64(m.deadLetters.WithLabelValues(string(errors.KindResourceExhausted))),
		"dead-lettering a failure must move the counter")
}

func TestRegistryServesAllCollectors(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveDispatch("urgent", "b1", 0.01, nil)
	m.SetQueueDepth(1)
	m.ObserveDeadLetter(errors.KindDeadlock)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["dispatcher_requests_total"])
	assert.True(t, names["dispatcher_queue_depth"])
	assert.True(t, names["dispatcher_dead_letters_total"])
	assert.True(t, names["dispatcher_request_duration_seconds"])
}
