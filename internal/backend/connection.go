// Package backend wraps a single backend endpoint: its rate limiter,
// circuit breaker, bounded connection pool, and rolling metrics. All
// dispatch traffic to a backend flows through Connection.Execute.
package backend

import (
	"context"
	stderrors "errors"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tahmidr/request-dispatcher/internal/backoff"
	"github.com/tahmidr/request-dispatcher/internal/breaker"
	"github.com/tahmidr/request-dispatcher/internal/cache"
	"github.com/tahmidr/request-dispatcher/internal/domain"
	"github.com/tahmidr/request-dispatcher/internal/errors"
	"github.com/tahmidr/request-dispatcher/internal/ratelimit"
	"github.com/tahmidr/request-dispatcher/pkg/logger"
)

// Connection owns exactly one backend endpoint for the process lifetime.
// Its breaker, limiter, and metrics are mutated only through this type.
type Connection struct {
	config    domain.BackendConfig
	transport domain.TransportClient
	limiter   *ratelimit.Limiter
	breaker   *breaker.CircuitBreaker
	pool      *semaphore.Weighted
	metrics   *ServiceMetrics
	cache     *cache.ResponseCache
	logger    *logger.Logger
	retry     backoff.Strategy
}

// New creates a Connection for the given backend. responseCache may be
// nil when caching is disabled for the deployment.
func New(cfg domain.BackendConfig, transport domain.TransportClient, responseCache *cache.ResponseCache, log *logger.Logger) *Connection {
	cfg = cfg.WithDefaults()
	return &Connection{
		config:    cfg,
		transport: transport,
		limiter:   ratelimit.New(cfg.RatePerMinute, cfg.RateBurst),
		breaker: breaker.New(breaker.Config{
			FailureThreshold: cfg.BreakerThreshold,
			Cooldown:         cfg.BreakerCooldown,
			MaxProbes:        cfg.BreakerMaxProbes,
		}, log, cfg.Name),
		pool:    semaphore.NewWeighted(cfg.MaxConcurrency),
		metrics: NewServiceMetrics(),
		cache:   responseCache,
		logger:  log.BackendLogger(cfg.Name, cfg.Address),
		retry:   backoff.ExponentialJitter{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax},
	}
}

// Config returns the connection's immutable configuration.
func (c *Connection) Config() domain.BackendConfig { return c.config }

// Name returns the backend name.
func (c *Connection) Name() string { return c.config.Name }

// Breaker exposes the circuit breaker for balancer filtering and status.
func (c *Connection) Breaker() *breaker.CircuitBreaker { return c.breaker }

// Metrics exposes the rolling metrics for balancer weighting and status.
func (c *Connection) Metrics() *ServiceMetrics { return c.metrics }

// Status builds this backend's row of a SystemStatus report.
func (c *Connection) Status() domain.BackendStatus {
	return domain.BackendStatus{
		Name:         c.config.Name,
		Address:      c.config.Address,
		Capability:   c.config.Capability,
		Tier:         c.config.Tier,
		CircuitState: c.breaker.State().String(),
		Metrics:      c.metrics.Snapshot(c.breaker.OpenCount()),
	}
}

// Execute performs one dispatched request against this backend:
// breaker gate, rate admission bounded by the deadline, cache lookup,
// the bounded retry loop, metrics/breaker updates, and cache
// write-through on success.
func (c *Connection) Execute(ctx context.Context, env domain.RequestEnvelope) (domain.Result, error) {
	start := time.Now()

	if !c.breaker.Allow() {
		return domain.Result{}, errors.NewCircuitOpenError(c.config.Name)
	}

	ctx, cancel := c.boundByDeadline(ctx, env)
	defer cancel()

	if err := c.pool.Acquire(ctx, 1); err != nil {
		return domain.Result{}, errors.NewTimeoutError("connection_pool", err).WithBackend(c.config.Name)
	}
	defer c.pool.Release(1)

	if err := c.limiter.WaitAcquire(ctx, 1); err != nil {
		de, _ := errors.AsDispatchError(err)
		return domain.Result{}, de.WithBackend(c.config.Name)
	}

	if c.cache != nil && env.CacheKey != "" {
		if entry, ok := c.cache.Get(ctx, env.CacheKey); ok {
			return domain.Result{
				RequestID:  env.ID,
				Backend:    entry.Backend,
				Payload:    entry.Payload,
				FromCache:  true,
				Latency:    time.Since(start),
				FinishedAt: time.Now(),
			}, nil
		}
	}

	payload, attempts, err := c.callWithRetry(ctx, env)
	latency := time.Since(start)

	if err != nil {
		c.metrics.RecordFailure(latency)
		c.breaker.RecordFailure()
		if de, ok := errors.AsDispatchError(err); ok {
			return domain.Result{}, de.WithBackend(c.config.Name)
		}
		return domain.Result{}, errors.Wrap(err, errors.KindUnclassified, "backend", "call failed").
			WithBackend(c.config.Name)
	}

	c.metrics.RecordSuccess(latency)
	c.breaker.RecordSuccess()

	if c.cache != nil && env.CacheKey != "" && c.config.CacheTTL > 0 {
		c.cache.Set(ctx, env.CacheKey, &cache.Entry{
			Payload: payload,
			Backend: c.config.Name,
		}, c.config.CacheTTL)
	}

	return domain.Result{
		RequestID:  env.ID,
		Backend:    c.config.Name,
		Payload:    payload,
		Attempts:   attempts,
		Latency:    latency,
		FinishedAt: time.Now(),
	}, nil
}

// boundByDeadline narrows ctx to the envelope deadline when it is
// tighter. The per-attempt timeout is applied separately in the retry
// loop.
func (c *Connection) boundByDeadline(ctx context.Context, env domain.RequestEnvelope) (context.Context, context.CancelFunc) {
	if env.Deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(env.Deadline) {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, env.Deadline)
}

// callWithRetry runs the transport call up to MaxRetries+1 times with
// exponential backoff and full jitter. Structural failures and expired
// deadlines end the loop immediately.
func (c *Connection) callWithRetry(ctx context.Context, env domain.RequestEnvelope) ([]byte, int, error) {
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, attempts, errors.NewTimeoutError("backend", ctx.Err())
		}

		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
		payload, err := c.transport.Call(attemptCtx, c.config.Address, env.Method, env.Payload)
		cancel()

		if err == nil {
			return payload, attempts, nil
		}
		lastErr = classifyTransportError(err)

		if de, ok := errors.AsDispatchError(lastErr); ok && de.IsStructural() {
			de.MarkNotRetried()
			return nil, attempts, de
		}

		if attempt < c.config.MaxRetries {
			delay := c.retry.Delay(attempt + 1)
			c.logger.WithFields(map[string]interface{}{
				"attempt": attempts,
				"delay":   delay.String(),
				"error":   lastErr.Error(),
			}).Debug("Retrying backend call")
			if !backoff.Sleep(ctx, delay) {
				return nil, attempts, errors.NewTimeoutError("backend", ctx.Err())
			}
		}
	}

	return nil, attempts, lastErr
}

// classifyTransportError maps raw transport failures onto the dispatch
// taxonomy. Errors that already carry a kind pass through unchanged.
func classifyTransportError(err error) error {
	if _, ok := errors.AsDispatchError(err); ok {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return errors.NewTimeoutError("transport", err)
	}
	return errors.Wrap(err, errors.KindUnclassified, "transport", err.Error())
}

// Close drains the connection pool so in-flight calls finish before
// shutdown completes.
func (c *Connection) Close(ctx context.Context) error {
	if err := c.pool.Acquire(ctx, c.config.MaxConcurrency); err != nil {
		return errors.NewTimeoutError("connection_pool", err).WithBackend(c.config.Name)
	}
	c.pool.Release(c.config.MaxConcurrency)
	c.logger.Info("Backend connection drained")
	return nil
}
