package handler

import (
	"net/http"
	"time"
)

// RegistryStats is the registry view read by the health endpoint.
type RegistryStats interface {
	ActiveScanCount() int
	ScanCount() int
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	registry RegistryStats
	started  time.Time
	version  string
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(registry RegistryStats, version string) *HealthHandler {
	return &HealthHandler{registry: registry, started: time.Now(), version: version}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status        string    `json:"status"`
	Version       string    `json:"version,omitempty"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	ActiveScans   int       `json:"active_scans"`
	TrackedScans  int       `json:"tracked_scans"`
	Timestamp     time.Time `json:"timestamp"`
}

// Health handles GET /health (liveness probe).
func (h *HealthHandler) Health(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		UptimeSeconds: time.Since(h.started).Seconds(),
		Timestamp:     time.Now().UTC(),
	}
	if h.registry != nil {
		resp.ActiveScans = h.registry.ActiveScanCount()
		resp.TrackedScans = h.registry.ScanCount()
	}
	writeJSON(w, http.StatusOK, resp)
}
