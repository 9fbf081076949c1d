package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Priority classifies a request for queue scheduling. Lower values are
// serviced first.
type Priority int

const (
	// PriorityUrgent preempts all other traffic
	PriorityUrgent Priority = iota
	// PriorityHigh is serviced before normal traffic
	PriorityHigh
	// PriorityNormal is the default class
	PriorityNormal
	// PriorityLow is background traffic
	PriorityLow
	// PriorityBatch is bulk traffic serviced only under the fairness cap
	PriorityBatch

	// NumPriorities is the number of queue lanes
	NumPriorities = 5
)

// String returns the string representation of Priority
func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBatch:
		return "batch"
	default:
		return "unknown"
	}
}

// Tier classifies how critical a backend is. The balancer only matches a
// request against backends of its requested tier.
type Tier string

const (
	TierCritical     Tier = "critical"
	TierImportant    Tier = "important"
	TierStandard     Tier = "standard"
	TierExperimental Tier = "experimental"

	// TierAny matches every backend tier
	TierAny Tier = ""
)

// Valid reports whether the tier is one of the known classes.
func (t Tier) Valid() bool {
	switch t {
	case TierCritical, TierImportant, TierStandard, TierExperimental, TierAny:
		return true
	default:
		return false
	}
}

// BackendConfig is the immutable per-backend configuration. Built once at
// startup (or registration) and never mutated afterwards.
type BackendConfig struct {
	Name             string        `json:"name" yaml:"name"`
	Address          string        `json:"address" yaml:"address"`
	Capability       string        `json:"capability" yaml:"capability"`
	Tier             Tier          `json:"tier" yaml:"tier"`
	MaxConcurrency   int64         `json:"max_concurrency" yaml:"max_concurrency"`
	RatePerMinute    float64       `json:"rate_per_minute" yaml:"rate_per_minute"`
	RateBurst        int           `json:"rate_burst" yaml:"rate_burst"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
	MaxRetries       int           `json:"max_retries" yaml:"max_retries"`
	BackoffInitial   time.Duration `json:"backoff_initial" yaml:"backoff_initial"`
	BackoffMax       time.Duration `json:"backoff_max" yaml:"backoff_max"`
	BreakerThreshold int           `json:"breaker_threshold" yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `json:"breaker_cooldown" yaml:"breaker_cooldown"`
	BreakerMaxProbes int           `json:"breaker_max_probes" yaml:"breaker_max_probes"`
	CacheTTL         time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
}

// WithDefaults returns a copy with zero-valued tuning fields replaced by
// operational defaults.
func (c BackendConfig) WithDefaults() BackendConfig {
	if c.Tier == TierAny {
		c.Tier = TierStandard
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 32
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 10
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 100 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.BreakerMaxProbes <= 0 {
		c.BreakerMaxProbes = 1
	}
	return c
}

// RequestEnvelope is the immutable per-call unit of work handed to
// Dispatch. The zero value is not usable; build one with NewEnvelope.
type RequestEnvelope struct {
	ID         string
	Capability string
	Method     string
	Payload    []byte
	Priority   Priority
	Tier       Tier
	CacheKey   string
	// BackendOverride pins the request to a named backend, bypassing
	// balancer selection. The override must still pass the breaker gate.
	BackendOverride string
	Deadline        time.Time
	SubmittedAt     time.Time
}

// NewEnvelope builds a RequestEnvelope with a fresh ID and submission time.
func NewEnvelope(capability, method string, payload []byte, priority Priority) RequestEnvelope {
	return RequestEnvelope{
		ID:          uuid.NewString(),
		Capability:  capability,
		Method:      method,
		Payload:     payload,
		Priority:    priority,
		SubmittedAt: time.Now(),
	}
}

// RemainingBudget returns how long the envelope may still run under ctx
// and its own deadline, whichever is tighter. ok is false when no
// deadline applies.
func (e RequestEnvelope) RemainingBudget(ctx context.Context) (time.Duration, bool) {
	deadline := e.Deadline
	if ctxDeadline, has := ctx.Deadline(); has {
		if deadline.IsZero() || ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}
	}
	if deadline.IsZero() {
		return 0, false
	}
	return time.Until(deadline), true
}

// Result is the outcome of a dispatched request.
type Result struct {
	RequestID  string        `json:"request_id"`
	Backend    string        `json:"backend"`
	Payload    []byte        `json:"payload,omitempty"`
	FromCache  bool          `json:"from_cache"`
	Attempts   int           `json:"attempts"`
	Latency    time.Duration `json:"latency"`
	FinishedAt time.Time     `json:"finished_at"`
}

// MetricsSnapshot is a point-in-time copy of one backend's ServiceMetrics.
type MetricsSnapshot struct {
	TotalRequests    int64         `json:"total_requests"`
	Successes        int64         `json:"successes"`
	Failures         int64         `json:"failures"`
	SuccessRate      float64       `json:"success_rate"`
	AvgLatency       time.Duration `json:"avg_latency"`
	P95Latency       time.Duration `json:"p95_latency"`
	P99Latency       time.Duration `json:"p99_latency"`
	LastSuccess      time.Time     `json:"last_success"`
	LastFailure      time.Time     `json:"last_failure"`
	CircuitOpenCount int64         `json:"circuit_open_count"`
}

// BackendStatus is one backend's row in a SystemStatus report.
type BackendStatus struct {
	Name         string          `json:"name"`
	Address      string          `json:"address"`
	Capability   string          `json:"capability"`
	Tier         Tier            `json:"tier"`
	CircuitState string          `json:"circuit_state"`
	Metrics      MetricsSnapshot `json:"metrics"`
}

// SystemStatus is the aggregated health report returned by GetStatus.
// Degraded is true while any circuit is open or the queue is near
// saturation, even though the process itself is alive.
type SystemStatus struct {
	Healthy        bool            `json:"healthy"`
	Degraded       bool            `json:"degraded"`
	Backends       []BackendStatus `json:"backends"`
	QueueDepth     int             `json:"queue_depth"`
	QueueCapacity  int             `json:"queue_capacity"`
	TotalDispatch  int64           `json:"total_dispatched"`
	TotalSucceeded int64           `json:"total_succeeded"`
	TotalFailed    int64           `json:"total_failed"`
	GeneratedAt    time.Time       `json:"generated_at"`
}

// ResolutionRecord is one append-only entry in a conflict context's
// resolution history.
type ResolutionRecord struct {
	Strategy  string    `json:"strategy"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// TransportClient issues the actual network call for a backend. The
// dispatch core is protocol-agnostic over whatever the client speaks;
// implementations must honor ctx cancellation.
type TransportClient interface {
	// Call performs one request against the backend address and returns
	// the raw response payload.
	Call(ctx context.Context, address, method string, payload []byte) ([]byte, error)
}

// TransportFunc adapts a function to the TransportClient interface.
type TransportFunc func(ctx context.Context, address, method string, payload []byte) ([]byte, error)

// Call implements TransportClient.
func (f TransportFunc) Call(ctx context.Context, address, method string, payload []byte) ([]byte, error) {
	return f(ctx, address, method, payload)
}
