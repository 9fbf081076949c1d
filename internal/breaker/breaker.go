// Package breaker implements the per-backend circuit breaker that gates
// calls to a failing dependency while it recovers.
package breaker

import (
	"sync"
	"time"

	"github.com/tahmidr/request-dispatcher/pkg/logger"
)

// State represents the state of a circuit breaker
type State int

const (
	// StateClosed - requests pass through
	StateClosed State = iota
	// StateOpen - requests are rejected until the cooldown elapses
	StateOpen
	// StateHalfOpen - a bounded number of probe requests test recovery
	StateHalfOpen
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker tuning.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before admitting probes.
	Cooldown time.Duration
	// MaxProbes is the probe budget in half-open state. All probes must
	// succeed to close the circuit; any probe failure re-opens it.
	MaxProbes int
}

// CircuitBreaker tracks consecutive failures for one backend and decides
// whether calls may proceed. Safe for concurrent use.
type CircuitBreaker struct {
	config Config
	logger *logger.Logger

	state           State
	failures        int
	probesIssued    int
	probesSucceeded int
	lastFailureTime time.Time
	openCount       int64
	onStateChange   func(from, to State)

	// now is swapped out by tests that simulate the clock.
	now func() time.Time

	mu sync.Mutex
}

// New creates a circuit breaker for one backend.
func New(config Config, log *logger.Logger, backend string) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.MaxProbes <= 0 {
		config.MaxProbes = 1
	}
	return &CircuitBreaker{
		config: config,
		logger: log.BreakerLogger(backend),
		state:  StateClosed,
		now:    time.Now,
	}
}

// OnStateChange sets a callback invoked (outside the lock) on every
// state transition. Used to keep the circuit-state gauge current.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Allow reports whether a call may proceed. While open it transitions to
// half-open once the cooldown since the last failure has elapsed, and
// admits at most MaxProbes calls while half-open. A caller that fails
// this check must not attempt the underlying call.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()

	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		return true

	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) >= cb.config.Cooldown {
			notify := cb.transition(StateHalfOpen)
			cb.probesIssued = 1
			cb.probesSucceeded = 0
			cb.mu.Unlock()
			notify()
			return true
		}
		cb.mu.Unlock()
		return false

	case StateHalfOpen:
		if cb.probesIssued < cb.config.MaxProbes {
			cb.probesIssued++
			cb.mu.Unlock()
			return true
		}
		cb.mu.Unlock()
		return false

	default:
		cb.mu.Unlock()
		return false
	}
}

// Ready reports whether the breaker would admit a call right now. Unlike
// Allow it mutates nothing: no half-open transition, no probe slot
// consumed. The balancer uses this to keep a cooled-down backend in the
// candidate set so a probe can actually reach it.
func (cb *CircuitBreaker) Ready() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		return cb.now().Sub(cb.lastFailureTime) >= cb.config.Cooldown
	case StateHalfOpen:
		return cb.probesIssued < cb.config.MaxProbes
	default:
		return false
	}
}

// RecordSuccess records a successful call. In half-open state it counts
// the probe; once every probe has succeeded the circuit closes. Calling
// it while closed simply resets the consecutive-failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	notify := func() {}

	switch cb.state {
	case StateClosed:
		cb.failures = 0

	case StateHalfOpen:
		cb.probesSucceeded++
		if cb.probesSucceeded >= cb.config.MaxProbes {
			notify = cb.transition(StateClosed)
			cb.failures = 0
			cb.probesIssued = 0
			cb.probesSucceeded = 0
			cb.logger.Info("Circuit breaker closed after successful recovery probes")
		}
	}
	cb.mu.Unlock()
	notify()
}

// RecordFailure records a failed call and performs the closed→open or
// half-open→open transitions. Recording a failure while already open is
// a no-op beyond refreshing the failure timestamp.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	notify := func() {}

	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			notify = cb.transition(StateOpen)
			cb.openCount++
			cb.logger.WithFields(map[string]interface{}{
				"failures":  cb.failures,
				"threshold": cb.config.FailureThreshold,
				"cooldown":  cb.config.Cooldown.String(),
			}).Warn("Circuit breaker opened")
		}

	case StateHalfOpen:
		notify = cb.transition(StateOpen)
		cb.openCount++
		cb.probesIssued = 0
		cb.probesSucceeded = 0
		cb.logger.Info("Circuit breaker re-opened after failed recovery probe")
	}
	cb.mu.Unlock()
	notify()
}

// transition changes state and returns the callback to run after the
// lock is released. Must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to State) func() {
	from := cb.state
	cb.state = to
	fn := cb.onStateChange
	if fn == nil || from == to {
		return func() {}
	}
	return func() { fn(from, to) }
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// OpenCount returns how many times the circuit has opened.
func (cb *CircuitBreaker) OpenCount() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.openCount
}

// Stats returns circuit breaker statistics for the admin surface.
func (cb *CircuitBreaker) Stats() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]interface{}{
		"state":             cb.state.String(),
		"failures":          cb.failures,
		"failure_threshold": cb.config.FailureThreshold,
		"last_failure_time": cb.lastFailureTime,
		"cooldown":          cb.config.Cooldown.String(),
		"max_probes":        cb.config.MaxProbes,
		"open_count":        cb.openCount,
	}
}

// Reset returns the breaker to its initial closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := cb.transition(StateClosed)
	cb.failures = 0
	cb.probesIssued = 0
	cb.probesSucceeded = 0
	cb.lastFailureTime = time.Time{}
	cb.mu.Unlock()
	notify()

	cb.logger.Info("Circuit breaker reset to closed state")
}

// SetClock overrides the breaker's time source. Tests use it to advance
// the cooldown without sleeping.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}
