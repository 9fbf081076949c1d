// Package resolver classifies dispatch failures and executes a
// resolution strategy per failure kind: bounded retries with backoff,
// rate-limit waits, progressive timeouts, deadlock handling, upsert
// auto-merge, and three-way structural merges. Failures that exhaust
// their budget are dead-lettered, never dropped.
package resolver

import (
	"context"
	"sync"
	"time"

	"github.com/tahmidr/request-dispatcher/internal/backoff"
	"github.com/tahmidr/request-dispatcher/internal/deadletter"
	"github.com/tahmidr/request-dispatcher/internal/domain"
	"github.com/tahmidr/request-dispatcher/internal/errors"
	"github.com/tahmidr/request-dispatcher/pkg/logger"
)

// RetryableFn re-executes the failed operation. The conflict context is
// passed so strategies can adjust the operation's inputs (for example a
// uniquified resource id) between attempts.
type RetryableFn func(ctx context.Context, cc *Context) (interface{}, error)

// Observer receives resolution outcomes. The manager wires this to the
// Prometheus collectors.
type Observer interface {
	ObserveResolution(kind errors.Kind, strategy string, success bool)
	ObserveDeadLetter(kind errors.Kind)
}

// strategy executes one resolution approach for a failure kind.
type strategy interface {
	Name() string
	Resolve(ctx context.Context, cc *Context, op RetryableFn) Result
}

// Config tunes the resolver.
type Config struct {
	// DefaultMaxRetries applies to contexts created without an explicit
	// budget.
	DefaultMaxRetries int
	// RetryInitial and RetryMax bound the generic backoff curve.
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// Resolver owns the kind→strategy dispatch table and the global
// per-kind outcome counters.
type Resolver struct {
	config      Config
	logger      *logger.Logger
	deadLetters *deadletter.Store
	observer    Observer
	strategies  map[errors.Kind]strategy

	mu        sync.Mutex
	successes map[errors.Kind]int64
	failures  map[errors.Kind]int64
}

// New creates a Resolver. deadLetters is required; observer may be nil.
func New(config Config, deadLetters *deadletter.Store, log *logger.Logger, observer Observer) *Resolver {
	if config.DefaultMaxRetries <= 0 {
		config.DefaultMaxRetries = 3
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = 100 * time.Millisecond
	}
	if config.RetryMax <= 0 {
		config.RetryMax = 10 * time.Second
	}

	r := &Resolver{
		config:      config,
		logger:      log.ResolverLogger(),
		deadLetters: deadLetters,
		observer:    observer,
		successes:   make(map[errors.Kind]int64),
		failures:    make(map[errors.Kind]int64),
	}

	retry := backoff.ExponentialJitter{Initial: config.RetryInitial, Max: config.RetryMax}
	generic := &genericRetryStrategy{retry: retry}
	manual := &manualInterventionStrategy{}

	r.strategies = map[errors.Kind]strategy{
		errors.KindRateLimited:            &rateLimitStrategy{},
		errors.KindNetworkTimeout:         &progressiveTimeoutStrategy{},
		errors.KindDeadlock:               &deadlockStrategy{retry: retry},
		errors.KindResourceExhausted:      generic,
		errors.KindConcurrentModification: &threeWayMergeStrategy{},
		errors.KindUpsertConflict:         &autoMergeStrategy{},
		errors.KindUnclassified:           generic,
		errors.KindValidationFailed:       manual,
		errors.KindAuthFailed:             manual,
		errors.KindBackendUnavailable:     &failFastStrategy{},
		errors.KindQueueSaturated:         &failFastStrategy{},
	}
	return r
}

// NewContext builds a conflict context with the resolver's default
// retry budget.
func (r *Resolver) NewContext(err error) *Context {
	return NewContext(err, r.config.DefaultMaxRetries)
}

// Resolve classifies the context's failure (if not already classified),
// runs the matching strategy as a bounded loop, appends exactly one
// history record, updates the global counters, and dead-letters
// exhausted failures.
func (r *Resolver) Resolve(ctx context.Context, cc *Context, op RetryableFn) Result {
	start := time.Now()

	if cc.Kind == "" {
		cc.Kind = Classify(cc.Err)
	}
	if cc.MaxRetries <= 0 {
		cc.MaxRetries = r.config.DefaultMaxRetries
	}

	strat, ok := r.strategies[cc.Kind]
	if !ok {
		strat = &manualInterventionStrategy{}
	}

	result := strat.Resolve(ctx, cc, op)
	result.Duration = time.Since(start)
	if result.Strategy == "" {
		result.Strategy = strat.Name()
	}

	cc.appendHistory(result.Strategy, result.Success)
	r.recordOutcome(cc.Kind, result)

	if !result.Success && r.shouldDeadLetter(cc.Kind, result) {
		r.deadLetter(cc, result)
	}

	r.logger.WithFields(map[string]interface{}{
		"kind":     string(cc.Kind),
		"strategy": result.Strategy,
		"success":  result.Success,
		"retries":  cc.RetryCount,
		"duration": result.Duration.String(),
	}).Debug("Conflict resolution finished")

	return result
}

func (r *Resolver) recordOutcome(kind errors.Kind, result Result) {
	r.mu.Lock()
	if result.Success {
		r.successes[kind]++
	} else {
		r.failures[kind]++
	}
	r.mu.Unlock()

	if r.observer != nil {
		r.observer.ObserveResolution(kind, result.Strategy, result.Success)
	}
}

// shouldDeadLetter excludes structural failures (never retried, surfaced
// immediately) and fail-fast kinds (the caller applies its own backoff)
// from dead-lettering. Everything else that failed terminally is kept.
func (r *Resolver) shouldDeadLetter(kind errors.Kind, result Result) bool {
	switch kind {
	case errors.KindValidationFailed, errors.KindAuthFailed,
		errors.KindBackendUnavailable, errors.KindQueueSaturated:
		return false
	default:
		return true
	}
}

func (r *Resolver) deadLetter(cc *Context, result Result) {
	errMsg := ""
	if result.Err != nil {
		errMsg = result.Err.Error()
	} else if cc.Err != nil {
		errMsg = cc.Err.Error()
	}

	history := make([]domain.ResolutionRecord, len(cc.History))
	copy(history, cc.History)

	r.deadLetters.Add(&deadletter.Entry{
		RequestID:   cc.RequestID,
		Backend:     cc.Backend,
		Kind:        cc.Kind,
		Error:       errMsg,
		RetryCount:  cc.RetryCount,
		MaxRetries:  cc.MaxRetries,
		Resolutions: history,
	})

	if r.observer != nil {
		r.observer.ObserveDeadLetter(cc.Kind)
	}
}

// Counters returns the global per-kind success and failure counts.
func (r *Resolver) Counters() (successes, failures map[errors.Kind]int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	successes = make(map[errors.Kind]int64, len(r.successes))
	for k, v := range r.successes {
		successes[k] = v
	}
	failures = make(map[errors.Kind]int64, len(r.failures))
	for k, v := range r.failures {
		failures[k] = v
	}
	return successes, failures
}
