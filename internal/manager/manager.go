// Package manager is the public entry point of the dispatch core. A
// RequestManager accepts typed request envelopes, resolves a backend
// through the load balancer, schedules the call on the priority queue,
// and resolves failures through the conflict resolver. Managers are
// built once at process start and threaded through to call sites; there
// is no ambient global instance.
package manager

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tahmidr/request-dispatcher/internal/backend"
	"github.com/tahmidr/request-dispatcher/internal/balancer"
	"github.com/tahmidr/request-dispatcher/internal/breaker"
	"github.com/tahmidr/request-dispatcher/internal/cache"
	"github.com/tahmidr/request-dispatcher/internal/deadletter"
	"github.com/tahmidr/request-dispatcher/internal/domain"
	"github.com/tahmidr/request-dispatcher/internal/errors"
	"github.com/tahmidr/request-dispatcher/internal/observability"
	"github.com/tahmidr/request-dispatcher/internal/queue"
	"github.com/tahmidr/request-dispatcher/internal/resolver"
	"github.com/tahmidr/request-dispatcher/pkg/logger"
)

// Config tunes the request manager and its owned components.
type Config struct {
	Queue    queue.Config
	Resolver resolver.Config
	// DeadLetterCapacity bounds the dead letter ring buffer.
	DeadLetterCapacity int
	// DrainTimeout bounds how long Stop waits for in-flight calls.
	DrainTimeout time.Duration
}

// RequestManager is the dispatch core's public surface.
type RequestManager struct {
	config    Config
	logger    *logger.Logger
	transport domain.TransportClient
	cache     *cache.ResponseCache
	balancer  *balancer.LoadBalancer
	queue     *queue.DispatchQueue
	resolver  *resolver.Resolver
	deadLet   *deadletter.Store
	metrics   *observability.Metrics

	mu       sync.RWMutex
	backends map[string]*backend.Connection

	totalDispatched int64
	totalSucceeded  int64
	totalFailed     int64
}

// New builds a RequestManager. transport is required; responseCache and
// metrics may be nil.
func New(config Config, transport domain.TransportClient, responseCache *cache.ResponseCache, metrics *observability.Metrics, log *logger.Logger) *RequestManager {
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 30 * time.Second
	}

	dl := deadletter.New(config.DeadLetterCapacity, log)

	var observer resolver.Observer
	if metrics != nil {
		observer = metrics
	}

	m := &RequestManager{
		config:    config,
		logger:    log.ManagerLogger(),
		transport: transport,
		cache:     responseCache,
		balancer:  balancer.New(log),
		resolver:  resolver.New(config.Resolver, dl, log, observer),
		deadLet:   dl,
		metrics:   metrics,
		backends:  make(map[string]*backend.Connection),
	}
	m.queue = queue.New(config.Queue, m.execute, log)
	return m
}

// Start launches the dispatch workers.
func (m *RequestManager) Start() {
	m.queue.Start()
	m.logger.Info("Request manager started")
}

// Stop shuts the queue down and drains every backend connection.
func (m *RequestManager) Stop() {
	m.queue.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), m.config.DrainTimeout)
	defer cancel()

	m.mu.RLock()
	conns := make([]*backend.Connection, 0, len(m.backends))
	for _, c := range m.backends {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		if err := c.Close(ctx); err != nil {
			m.logger.WithError(err).Warnf("Backend %s did not drain cleanly", c.Name())
		}
	}
	m.logger.Info("Request manager stopped")
}

// RegisterBackend creates a connection for the given configuration.
// Administrative: expected at startup or reconfiguration, not on the
// hot path.
func (m *RequestManager) RegisterBackend(cfg domain.BackendConfig) error {
	if cfg.Name == "" || cfg.Address == "" {
		return errors.New(errors.KindValidationFailed, "request_manager",
			"backend config requires name and address").MarkNotRetried()
	}
	if !cfg.Tier.Valid() {
		return errors.New(errors.KindValidationFailed, "request_manager",
			"unknown backend tier "+string(cfg.Tier)).MarkNotRetried()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.backends[cfg.Name]; exists {
		return errors.New(errors.KindUpsertConflict, "request_manager",
			"backend "+cfg.Name+" is already registered")
	}

	conn := backend.New(cfg, m.transport, m.cache, m.logger)
	if m.metrics != nil {
		name := cfg.Name
		m.metrics.ObserveCircuitState(name, breaker.StateClosed)
		conn.Breaker().OnStateChange(func(_, to breaker.State) {
			m.metrics.ObserveCircuitState(name, to)
		})
	}
	m.backends[cfg.Name] = conn

	m.logger.WithFields(map[string]interface{}{
		"backend":    cfg.Name,
		"address":    cfg.Address,
		"capability": cfg.Capability,
		"tier":       string(cfg.Tier),
	}).Info("Registered backend")
	return nil
}

// RemoveBackend drains and deregisters the named backend.
func (m *RequestManager) RemoveBackend(name string) error {
	m.mu.Lock()
	conn, exists := m.backends[name]
	if exists {
		delete(m.backends, name)
	}
	m.mu.Unlock()

	if !exists {
		return errors.New(errors.KindValidationFailed, "request_manager",
			"backend "+name+" is not registered").MarkNotRetried()
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.config.DrainTimeout)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		m.logger.WithError(err).Warnf("Backend %s did not drain cleanly", name)
	}
	if m.metrics != nil {
		m.metrics.RemoveBackend(name)
	}

	m.logger.Infof("Removed backend %s", name)
	return nil
}

// Backend returns the named connection, if registered.
func (m *RequestManager) Backend(name string) (*backend.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.backends[name]
	return conn, ok
}

// Dispatch routes one request: balancer selection, queue scheduling,
// execution, and failure resolution. It blocks until the request
// completes or the caller's deadline expires; expired requests are
// abandoned, not awaited.
func (m *RequestManager) Dispatch(ctx context.Context, env domain.RequestEnvelope) (domain.Result, error) {
	start := time.Now()
	atomic.AddInt64(&m.totalDispatched, 1)

	result, err := m.dispatch(ctx, env)

	if err != nil {
		atomic.AddInt64(&m.totalFailed, 1)
	} else {
		atomic.AddInt64(&m.totalSucceeded, 1)
	}
	if m.metrics != nil {
		m.metrics.ObserveDispatch(env.Priority.String(), result.Backend, time.Since(start).Seconds(), err)
		m.metrics.SetQueueDepth(m.queue.Depth())
	}
	return result, err
}

func (m *RequestManager) dispatch(ctx context.Context, env domain.RequestEnvelope) (domain.Result, error) {
	if env.Capability == "" && env.BackendOverride == "" {
		return domain.Result{}, errors.New(errors.KindValidationFailed, "request_manager",
			"envelope requires a capability or an explicit backend").MarkNotRetried()
	}

	var cancel context.CancelFunc = func() {}
	if !env.Deadline.IsZero() {
		ctx, cancel = context.WithDeadline(ctx, env.Deadline)
	}
	defer cancel()

	item := &queue.Item{
		Ctx:      ctx,
		Envelope: env,
		Result:   make(chan queue.Outcome, 1),
	}
	if err := m.queue.Enqueue(item); err != nil {
		return domain.Result{}, err
	}

	select {
	case out := <-item.Result:
		return out.Result, out.Err
	case <-ctx.Done():
		// Abandon the in-flight attempt; the worker completes into the
		// buffered channel and the outcome is discarded.
		return domain.Result{}, errors.NewTimeoutError("request_manager", ctx.Err())
	}
}

// execute is the queue handler: one worker invocation per dequeued
// request.
func (m *RequestManager) execute(ctx context.Context, env domain.RequestEnvelope) (domain.Result, error) {
	conn, err := m.selectBackend(env)
	if err != nil {
		return domain.Result{}, err
	}

	result, err := conn.Execute(ctx, env)
	if err == nil {
		return result, nil
	}

	// Hand the failure to the resolver. Fail-fast and structural kinds
	// come straight back; transient kinds are retried, possibly against
	// an alternate backend.
	cc := m.resolver.NewContext(err).WithRequest(env.ID)
	res := m.resolver.Resolve(ctx, cc, func(ctx context.Context, cc *resolver.Context) (interface{}, error) {
		retryConn, selErr := m.selectBackend(env)
		if selErr != nil {
			return nil, selErr
		}
		r, execErr := retryConn.Execute(ctx, env)
		if execErr != nil {
			return nil, execErr
		}
		return r, nil
	})

	if res.Success {
		if r, ok := res.Value.(domain.Result); ok {
			return r, nil
		}
		return result, nil
	}
	if res.Err != nil {
		return domain.Result{}, res.Err
	}
	return domain.Result{}, err
}

// selectBackend builds the candidate set for the envelope and delegates
// to the balancer.
func (m *RequestManager) selectBackend(env domain.RequestEnvelope) (*backend.Connection, error) {
	m.mu.RLock()
	candidates := make([]*backend.Connection, 0, len(m.backends))
	for _, conn := range m.backends {
		if env.BackendOverride != "" || conn.Config().Capability == env.Capability {
			candidates = append(candidates, conn)
		}
	}
	m.mu.RUnlock()

	return m.balancer.Select(env, candidates)
}

// ResolveConflict runs the conflict resolver standalone for callers
// that already hold a failure and a retryable operation.
func (m *RequestManager) ResolveConflict(ctx context.Context, cc *resolver.Context, op resolver.RetryableFn) resolver.Result {
	return m.resolver.Resolve(ctx, cc, op)
}

// Resolver exposes the conflict resolver for context construction.
func (m *RequestManager) Resolver() *resolver.Resolver { return m.resolver }

// DeadLetters exposes the dead letter store for offline reprocessing.
func (m *RequestManager) DeadLetters() *deadletter.Store { return m.deadLet }

// GetStatus returns the aggregated health report. Open circuits and a
// near-saturated queue mark the system degraded even though the process
// is alive.
func (m *RequestManager) GetStatus() domain.SystemStatus {
	m.mu.RLock()
	statuses := make([]domain.BackendStatus, 0, len(m.backends))
	anyOpen := false
	for _, conn := range m.backends {
		st := conn.Status()
		if conn.Breaker().State() == breaker.StateOpen {
			anyOpen = true
		}
		statuses = append(statuses, st)
	}
	m.mu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })

	depth := m.queue.Depth()
	capacity := m.queue.Capacity()
	saturated := capacity > 0 && depth*10 >= capacity*9

	return domain.SystemStatus{
		Healthy:        true,
		Degraded:       anyOpen || saturated,
		Backends:       statuses,
		QueueDepth:     depth,
		QueueCapacity:  capacity,
		TotalDispatch:  atomic.LoadInt64(&m.totalDispatched),
		TotalSucceeded: atomic.LoadInt64(&m.totalSucceeded),
		TotalFailed:    atomic.LoadInt64(&m.totalFailed),
		GeneratedAt:    time.Now(),
	}
}
