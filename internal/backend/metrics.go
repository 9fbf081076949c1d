package backend

import (
	"sort"
	"sync"
	"time"

	"github.com/tahmidr/request-dispatcher/internal/domain"
)

// sampleWindow bounds the number of recent latency samples kept for
// percentile computation.
const sampleWindow = 256

// ServiceMetrics tracks one backend's request outcomes and latency
// distribution. Mutated only by its owning Connection.
type ServiceMetrics struct {
	mu sync.Mutex

	totalRequests int64
	successes     int64
	failures      int64

	// samples is a ring of the most recent latencies.
	samples []time.Duration
	next    int
	filled  bool

	lastSuccess time.Time
	lastFailure time.Time
}

// NewServiceMetrics creates an empty metrics record.
func NewServiceMetrics() *ServiceMetrics {
	return &ServiceMetrics{samples: make([]time.Duration, sampleWindow)}
}

// RecordSuccess records one successful call and its latency.
func (m *ServiceMetrics) RecordSuccess(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalRequests++
	m.successes++
	m.lastSuccess = time.Now()
	m.record(latency)
}

// RecordFailure records one failed call and its latency.
func (m *ServiceMetrics) RecordFailure(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalRequests++
	m.failures++
	m.lastFailure = time.Now()
	m.record(latency)
}

func (m *ServiceMetrics) record(latency time.Duration) {
	m.samples[m.next] = latency
	m.next++
	if m.next == len(m.samples) {
		m.next = 0
		m.filled = true
	}
}

// SuccessRate returns the fraction of successful calls in [0,1]. A
// backend with no history reports 1 so it is not penalized by the
// balancer before its first call.
func (m *ServiceMetrics) SuccessRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.totalRequests == 0 {
		return 1.0
	}
	return float64(m.successes) / float64(m.totalRequests)
}

// AvgLatency returns the mean latency over the sample window.
func (m *ServiceMetrics) AvgLatency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.avgLocked()
}

func (m *ServiceMetrics) avgLocked() time.Duration {
	n := m.sampleCountLocked()
	if n == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < n; i++ {
		sum += m.samples[i]
	}
	return sum / time.Duration(n)
}

func (m *ServiceMetrics) sampleCountLocked() int {
	if m.filled {
		return len(m.samples)
	}
	return m.next
}

// percentileLocked returns the pth percentile latency over the window.
func (m *ServiceMetrics) percentileLocked(p float64) time.Duration {
	n := m.sampleCountLocked()
	if n == 0 {
		return 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, m.samples[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(p * float64(n-1))
	return sorted[idx]
}

// Snapshot returns a point-in-time copy for status reporting.
// circuitOpens comes from the connection's breaker.
func (m *ServiceMetrics) Snapshot(circuitOpens int64) domain.MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	rate := 1.0
	if m.totalRequests > 0 {
		rate = float64(m.successes) / float64(m.totalRequests)
	}

	return domain.MetricsSnapshot{
		TotalRequests:    m.totalRequests,
		Successes:        m.successes,
		Failures:         m.failures,
		SuccessRate:      rate,
		AvgLatency:       m.avgLocked(),
		P95Latency:       m.percentileLocked(0.95),
		P99Latency:       m.percentileLocked(0.99),
		LastSuccess:      m.lastSuccess,
		LastFailure:      m.lastFailure,
		CircuitOpenCount: circuitOpens,
	}
}
