package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tahmidr/request-dispatcher/pkg/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(t *testing.T, cfg Config) (*CircuitBreaker, *fakeClock) {
	t.Helper()
	cb := New(cfg, logger.NewNop(), "test-backend")
	clock := newFakeClock()
	cb.SetClock(clock.Now)
	return cb, clock
}

func TestClosedAllowsCalls(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(t, Config{FailureThreshold: 3, Cooldown: 5 * time.Second})
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestOpensAtThresholdExactlyOnce(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(t, Config{FailureThreshold: 3, Cooldown: 5 * time.Second})

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State(), "below threshold must stay closed")

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, int64(1), cb.OpenCount())

	// Further failures while open do not count as additional opens.
	cb.RecordFailure()
	assert.Equal(t, int64(1), cb.OpenCount())
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(t, Config{FailureThreshold: 3, Cooldown: 5 * time.Second})

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State(), "non-consecutive failures must not open the circuit")
}

func TestOpenRejectsUntilCooldown(t *testing.T) {
	t.Parallel()

	cb, clock := newTestBreaker(t, Config{FailureThreshold: 1, Cooldown: 5 * time.Second})
	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())

	assert.False(t, cb.Allow())
	clock.Advance(4 * time.Second)
	assert.False(t, cb.Allow(), "cooldown has not elapsed")

	clock.Advance(time.Second)
	assert.True(t, cb.Allow(), "cooldown elapsed, probe admitted")
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestReadyIsSideEffectFree(t *testing.T) {
	t.Parallel()

	cb, clock := newTestBreaker(t, Config{FailureThreshold: 1, Cooldown: 5 * time.Second, MaxProbes: 1})
	assert.True(t, cb.Ready())

	cb.RecordFailure()
	assert.False(t, cb.Ready())

	clock.Advance(5 * time.Second)
	assert.True(t, cb.Ready())
	assert.Equal(t, StateOpen, cb.State(), "Ready must not transition the state")
	assert.True(t, cb.Ready(), "repeated checks must not consume the probe budget")

	require.True(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.Ready(), "probe budget spent")
}

func TestHalfOpenProbeBudget(t *testing.T) {
	t.Parallel()

	cb, clock := newTestBreaker(t, Config{FailureThreshold: 1, Cooldown: time.Second, MaxProbes: 2})
	cb.RecordFailure()
	clock.Advance(time.Second)

	assert.True(t, cb.Allow(), "first probe")
	assert.True(t, cb.Allow(), "second probe")
	assert.False(t, cb.Allow(), "probe budget spent")
}

func TestHalfOpenClosesWhenAllProbesSucceed(t *testing.T) {
	t.Parallel()

	cb, clock := newTestBreaker(t, Config{FailureThreshold: 1, Cooldown: time.Second, MaxProbes: 2})
	cb.RecordFailure()
	clock.Advance(time.Second)

	require.True(t, cb.Allow())
	require.True(t, cb.Allow())

	cb.RecordSuccess()
	assert.Equal(t, StateHalfOpen, cb.State(), "closes only after every probe succeeds")
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestHalfOpenReopensOnProbeFailure(t *testing.T) {
	t.Parallel()

	cb, clock := newTestBreaker(t, Config{FailureThreshold: 1, Cooldown: time.Second})
	cb.RecordFailure()
	clock.Advance(time.Second)
	require.True(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, int64(2), cb.OpenCount())
	assert.False(t, cb.Allow(), "re-opened circuit rejects until a fresh cooldown")

	clock.Advance(time.Second)
	assert.True(t, cb.Allow())
}

func TestOnStateChangeSequence(t *testing.T) {
	t.Parallel()

	cb, clock := newTestBreaker(t, Config{FailureThreshold: 1, Cooldown: time.Second})

	var mu sync.Mutex
	var transitions []State
	cb.OnStateChange(func(_, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	})

	cb.RecordFailure()
	clock.Advance(time.Second)
	require.True(t, cb.Allow())
	cb.RecordSuccess()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestReset(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(t, Config{FailureThreshold: 1, Cooldown: time.Hour})
	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
}
