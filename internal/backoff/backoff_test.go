package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConstantDelay(t *testing.T) {
	t.Parallel()

	s := Constant{Interval: 250 * time.Millisecond}
	for attempt := 1; attempt <= 5; attempt++ {
		assert.Equal(t, 250*time.Millisecond, s.Delay(attempt))
	}
}

func TestExponentialDoublesAndCaps(t *testing.T) {
	t.Parallel()

	s := Exponential{Initial: 100 * time.Millisecond, Max: time.Second}

	assert.Equal(t, 100*time.Millisecond, s.Delay(1))
	assert.Equal(t, 200*time.Millisecond, s.Delay(2))
	assert.Equal(t, 400*time.Millisecond, s.Delay(3))
	assert.Equal(t, 800*time.Millisecond, s.Delay(4))
	assert.Equal(t, time.Second, s.Delay(5), "delay must cap at Max")
	assert.Equal(t, time.Second, s.Delay(20))
}

func TestExponentialJitterBounds(t *testing.T) {
	t.Parallel()

	s := ExponentialJitter{Initial: 100 * time.Millisecond, Max: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		ceiling := Exponential{Initial: s.Initial, Max: s.Max}.Delay(attempt)
		for i := 0; i < 50; i++ {
			d := s.Delay(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, ceiling)
		}
	}
}

func TestSleepCompletes(t *testing.T) {
	t.Parallel()

	start := time.Now()
	ok := Sleep(context.Background(), 10*time.Millisecond)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestSleepCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, Sleep(ctx, time.Minute))
}

func TestSleepZeroDuration(t *testing.T) {
	t.Parallel()

	assert.True(t, Sleep(context.Background(), 0))
}
