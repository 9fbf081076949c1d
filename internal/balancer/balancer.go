// Package balancer selects among healthy backend connections for a
// request, weighting candidates by observed latency and success rate.
package balancer

import (
	"math/rand"
	"sync"
	"time"

	"github.com/tahmidr/request-dispatcher/internal/backend"
	"github.com/tahmidr/request-dispatcher/internal/domain"
	"github.com/tahmidr/request-dispatcher/internal/errors"
	"github.com/tahmidr/request-dispatcher/pkg/logger"
)

// latencyEpsilon keeps the weight finite for backends with no latency
// history.
const latencyEpsilon = 1.0 // milliseconds

// LoadBalancer picks a backend connection per request. Safe for
// concurrent use; selection holds no lock beyond the RNG's.
type LoadBalancer struct {
	logger *logger.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a LoadBalancer.
func New(log *logger.Logger) *LoadBalancer {
	return &LoadBalancer{
		logger: log.BalancerLogger(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Select chooses a connection for the envelope from candidates. The
// filtered set excludes backends whose circuit is open and backends
// outside the envelope's tier preference. An explicit backend override
// is honored when that backend is present and its circuit is not open.
func (lb *LoadBalancer) Select(env domain.RequestEnvelope, candidates []*backend.Connection) (*backend.Connection, error) {
	if env.BackendOverride != "" {
		for _, conn := range candidates {
			if conn.Name() == env.BackendOverride {
				if !conn.Breaker().Ready() {
					return nil, errors.NewCircuitOpenError(conn.Name())
				}
				return conn, nil
			}
		}
		return nil, errors.NewNoBackendError(env.Capability).
			WithMetadata("override", env.BackendOverride)
	}

	eligible := make([]*backend.Connection, 0, len(candidates))
	for _, conn := range candidates {
		if !conn.Breaker().Ready() {
			continue
		}
		if env.Tier != domain.TierAny && conn.Config().Tier != env.Tier {
			continue
		}
		eligible = append(eligible, conn)
	}
	if len(eligible) == 0 {
		return nil, errors.NewNoBackendError(env.Capability)
	}

	weights := make([]float64, len(eligible))
	total := 0.0
	for i, conn := range eligible {
		weights[i] = weight(conn)
		total += weights[i]
	}

	var chosen *backend.Connection
	if total <= 0 {
		// No usable history anywhere; pick uniformly.
		chosen = eligible[lb.intn(len(eligible))]
	} else {
		target := lb.float64() * total
		acc := 0.0
		chosen = eligible[len(eligible)-1]
		for i, w := range weights {
			acc += w
			if target < acc {
				chosen = eligible[i]
				break
			}
		}
	}

	lb.logger.WithFields(map[string]interface{}{
		"backend":    chosen.Name(),
		"capability": env.Capability,
		"candidates": len(eligible),
	}).Debug("Selected backend")

	return chosen, nil
}

// weight scores a connection: faster and more reliable backends receive
// proportionally more traffic.
func weight(conn *backend.Connection) float64 {
	m := conn.Metrics()
	latencyMs := float64(m.AvgLatency().Milliseconds())
	return (1.0 / (latencyMs + latencyEpsilon)) * m.SuccessRate()
}

func (lb *LoadBalancer) intn(n int) int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.rng.Intn(n)
}

func (lb *LoadBalancer) float64() float64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.rng.Float64()
}
