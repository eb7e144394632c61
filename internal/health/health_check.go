package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hlameta/hlameta/internal/model"
	"go.uber.org/zap"
)

// Pinger is satisfied by the table and pointer stores
type Pinger interface {
	Ping(ctx context.Context) error
}

// CacheInspector reports which (dataset, version) pairs are loaded
type CacheInspector interface {
	Loaded() []model.DatasetVersion
}

// HealthChecker provides health check endpoints
type HealthChecker struct {
	tableStore   Pinger
	pointerStore Pinger
	cache        CacheInspector
	timeout      time.Duration
	logger       *zap.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
	Loaded    []string          `json:"loaded,omitempty"`
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(
	tableStore Pinger,
	pointerStore Pinger,
	cache CacheInspector,
	logger *zap.Logger,
) *HealthChecker {
	return &HealthChecker{
		tableStore:   tableStore,
		pointerStore: pointerStore,
		cache:        cache,
		timeout:      5 * time.Second,
		logger:       logger,
	}
}

// LivenessHandler handles liveness check requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	})
}

// ReadinessHandler handles readiness check requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	for name, p := range map[string]Pinger{"table_store": h.tableStore, "pointer_store": h.pointerStore} {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			h.logger.Error("Store health check failed", zap.String("store", name), zap.Error(err))
			checks[name] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks[name] = "healthy"
		}
	}

	status := HealthStatus{
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}
	if h.cache != nil {
		for _, dv := range h.cache.Loaded() {
			status.Loaded = append(status.Loaded, dv.Dataset+"@"+dv.Version)
		}
	}

	if allHealthy {
		status.Status = "ready"
		writeStatus(w, http.StatusOK, status)
		return
	}
	status.Status = "not_ready"
	writeStatus(w, http.StatusServiceUnavailable, status)
}

func writeStatus(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
