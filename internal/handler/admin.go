// Package handler exposes the administrative HTTP surface: system
// status, backend registration, dead letter inspection, and Prometheus
// metrics. None of this sits on the dispatch hot path.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tahmidr/request-dispatcher/internal/config"
	"github.com/tahmidr/request-dispatcher/internal/errors"
	"github.com/tahmidr/request-dispatcher/internal/manager"
	"github.com/tahmidr/request-dispatcher/internal/observability"
	"github.com/tahmidr/request-dispatcher/pkg/logger"
)

// AdminHandler serves the admin API for one RequestManager.
type AdminHandler struct {
	manager *manager.RequestManager
	metrics *observability.Metrics
	logger  *logger.Logger
}

// NewAdminHandler creates an AdminHandler. metrics may be nil, in which
// case the /metrics route is not registered.
func NewAdminHandler(m *manager.RequestManager, metrics *observability.Metrics, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		manager: m,
		metrics: metrics,
		logger:  log.AdminLogger(),
	}
}

// Router builds the admin mux.
func (h *AdminHandler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/admin/status", h.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/admin/backends", h.handleListBackends).Methods(http.MethodGet)
	r.HandleFunc("/admin/backends", h.handleRegisterBackend).Methods(http.MethodPost)
	r.HandleFunc("/admin/backends/{name}", h.handleRemoveBackend).Methods(http.MethodDelete)
	r.HandleFunc("/admin/deadletters", h.handleDrainDeadLetters).Methods(http.MethodGet)
	r.HandleFunc("/admin/deadletters/stats", h.handleDeadLetterStats).Methods(http.MethodGet)
	if h.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.metrics.Registry(), promhttp.HandlerOpts{}))
	}
	return r
}

func (h *AdminHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := h.manager.GetStatus()
	code := http.StatusOK
	if status.Degraded {
		// Degraded is reported as 200 with the flag set; orchestration
		// probes that want a hard signal use ?strict=1.
		if r.URL.Query().Get("strict") == "1" {
			code = http.StatusServiceUnavailable
		}
	}
	h.writeJSON(w, code, status)
}

func (h *AdminHandler) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.manager.GetStatus().Backends)
}

func (h *AdminHandler) handleRegisterBackend(w http.ResponseWriter, r *http.Request) {
	var cfg config.BackendConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid backend config: "+err.Error())
		return
	}

	if err := h.manager.RegisterBackend(cfg.Domain()); err != nil {
		code := http.StatusBadRequest
		if errors.GetKind(err) == errors.KindUpsertConflict {
			code = http.StatusConflict
		}
		h.writeError(w, code, err.Error())
		return
	}

	h.logger.Infof("Backend %s registered via admin API", cfg.Name)
	w.WriteHeader(http.StatusCreated)
}

func (h *AdminHandler) handleRemoveBackend(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.manager.RemoveBackend(name); err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.logger.Infof("Backend %s removed via admin API", name)
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) handleDrainDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	entries := h.manager.DeadLetters().DrainBatch(limit)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"drained": len(entries),
	})
}

func (h *AdminHandler) handleDeadLetterStats(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"buffered": h.manager.DeadLetters().Len(),
		"capacity": h.manager.DeadLetters().Capacity(),
		"by_kind":  h.manager.DeadLetters().Stats(),
	})
}

func (h *AdminHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Error("Failed to encode admin response")
	}
}

func (h *AdminHandler) writeError(w http.ResponseWriter, code int, msg string) {
	h.writeJSON(w, code, map[string]string{"error": msg})
}
