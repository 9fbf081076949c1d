package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tahmidr/request-dispatcher/internal/deadletter"
	"github.com/tahmidr/request-dispatcher/internal/domain"
	"github.com/tahmidr/request-dispatcher/internal/errors"
	"github.com/tahmidr/request-dispatcher/internal/manager"
	"github.com/tahmidr/request-dispatcher/internal/observability"
	"github.com/tahmidr/request-dispatcher/internal/queue"
	"github.com/tahmidr/request-dispatcher/internal/resolver"
	"github.com/tahmidr/request-dispatcher/pkg/logger"
)

func newTestHandler(t *testing.T, metrics *observability.Metrics) (*AdminHandler, *manager.RequestManager) {
	t.Helper()
	m := manager.New(manager.Config{
		Queue:              queue.Config{Capacity: 16, Workers: 2, FairnessCap: 4},
		Resolver:           resolver.Config{DefaultMaxRetries: 1, RetryInitial: time.Millisecond, RetryMax: time.Millisecond},
		DeadLetterCapacity: 8,
		DrainTimeout:       time.Second,
	}, domain.TransportFunc(func(context.Context, string, string, []byte) ([]byte, error) {
		return []byte("ok"), nil
	}), nil, metrics, logger.NewNop())
	return NewAdminHandler(m, metrics, logger.NewNop()), m
}

func registerBackend(t *testing.T, m *manager.RequestManager, name string) {
	t.Helper()
	require.NoError(t, m.RegisterBackend(domain.BackendConfig{
		Name:       name,
		Address:    "http://" + name + ":8080",
		Capability: "orders",
	}))
}

func doRequest(h *AdminHandler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()

	h, m := newTestHandler(t, nil)
	registerBackend(t, m, "b1")

	rec := doRequest(h, http.MethodGet, "/admin/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"healthy":true`)
	assert.Contains(t, rec.Body.String(), `"b1"`)
}

func TestStatusStrictModeReportsDegraded(t *testing.T) {
	t.Parallel()

	h, m := newTestHandler(t, nil)
	require.NoError(t, m.RegisterBackend(domain.BackendConfig{
		Name:             "b1",
		Address:          "http://b1:8080",
		Capability:       "orders",
		BreakerThreshold: 1,
		BreakerCooldown:  time.Hour,
	}))
	conn, ok := m.Backend("b1")
	require.True(t, ok)
	conn.Breaker().RecordFailure()

	rec := doRequest(h, http.MethodGet, "/admin/status", "")
	assert.Equal(t, http.StatusOK, rec.Code, "degraded is a flag, not a failure, by default")
	assert.Contains(t, rec.Body.String(), `"degraded":true`)

	rec = doRequest(h, http.MethodGet, "/admin/status?strict=1", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListBackends(t *testing.T) {
	t.Parallel()

	h, m := newTestHandler(t, nil)
	registerBackend(t, m, "alpha")
	registerBackend(t, m, "beta")

	rec := doRequest(h, http.MethodGet, "/admin/backends", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"alpha"`)
	assert.Contains(t, rec.Body.String(), `"beta"`)
}

func TestRegisterBackendEndpoint(t *testing.T) {
	t.Parallel()

	h, m := newTestHandler(t, nil)

	body := `{
		"name": "orders-primary",
		"address": "http://orders:8080",
		"capability": "orders",
		"tier": "critical",
		"timeout": "5s",
		"max_retries": 2
	}`
	rec := doRequest(h, http.MethodPost, "/admin/backends", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	conn, ok := m.Backend("orders-primary")
	require.True(t, ok)
	assert.Equal(t, domain.TierCritical, conn.Config().Tier)
	assert.Equal(t, 5*time.Second, conn.Config().Timeout)

	// Registering the same name again is a conflict, not a replace.
	rec = doRequest(h, http.MethodPost, "/admin/backends", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRegisterBackendRejectsBadInput(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t, nil)

	rec := doRequest(h, http.MethodPost, "/admin/backends", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(h, http.MethodPost, "/admin/backends", `{"name": "", "address": "http://x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRemoveBackendEndpoint(t *testing.T) {
	t.Parallel()

	h, m := newTestHandler(t, nil)
	registerBackend(t, m, "b1")

	rec := doRequest(h, http.MethodDelete, "/admin/backends/b1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, ok := m.Backend("b1")
	assert.False(t, ok)

	rec = doRequest(h, http.MethodDelete, "/admin/backends/b1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeadLetterEndpoints(t *testing.T) {
	t.Parallel()

	h, m := newTestHandler(t, nil)
	for i := 0; i < 3; i++ {
		m.DeadLetters().Add(&deadletter.Entry{
			RequestID: "req-" + string(rune('a'+i)),
			Kind:      errors.KindResourceExhausted,
			Error:     "resource exhausted",
		})
	}

	rec := doRequest(h, http.MethodGet, "/admin/deadletters/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"buffered":3`)

	rec = doRequest(h, http.MethodGet, "/admin/deadletters?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"drained":2`)
	assert.Contains(t, rec.Body.String(), "req-a")
	assert.Contains(t, rec.Body.String(), "req-b")
	assert.NotContains(t, rec.Body.String(), "req-c")

	rec = doRequest(h, http.MethodGet, "/admin/deadletters?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	metrics := observability.New()
	h, m := newTestHandler(t, metrics)
	registerBackend(t, m, "b1")
	m.Start()
	defer m.Stop()

	_, err := m.Dispatch(context.Background(), domain.NewEnvelope("orders", "create", nil, domain.PriorityNormal))
	require.NoError(t, err)

	rec := doRequest(h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dispatcher_requests_total")
}

func TestMetricsRouteAbsentWithoutRegistry(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t, nil)
	rec := doRequest(h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
