package http

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"inference-mesh/internal/handler/http/respond"
	"inference-mesh/internal/mesh"
)

// HealthResponse represents the JSON response for health check endpoints.
type HealthResponse struct {
	Status    string                 `json:"status"`    // "healthy" or "unhealthy"
	Timestamp string                 `json:"timestamp"` // ISO 8601 format
	Checks    map[string]CheckStatus `json:"checks"`    // Status of each check item
	Version   string                 `json:"version"`   // Application version
}

// CheckStatus represents the status of a single health check.
type CheckStatus struct {
	Status  string                 `json:"status"`            // "healthy" or "unhealthy"
	Message string                 `json:"message,omitempty"` // Optional status message
	Details map[string]interface{} `json:"details,omitempty"` // Optional additional details
}

// HealthHandler handles health check endpoint requests. It reports node pool
// state and, when a recall database is configured, its connectivity.
type HealthHandler struct {
	Mesh    *mesh.Mesh
	DB      *sql.DB // nil when recall is not backed by Postgres
	Version string
}

// ServeHTTP implements the /health endpoint. The gateway reports unhealthy
// only when it cannot serve at all: every node open-circuited or cooling
// down. A down recall database degrades recall, not dispatch, so it is
// reported but does not flip overall status.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]CheckStatus)
	overall := "healthy"

	stats := h.Mesh.GetStats()
	available := 0
	for _, n := range stats.Nodes {
		if !n.InCooldown && n.CircuitState != "open" {
			available++
		}
	}
	meshCheck := CheckStatus{
		Status: "healthy",
		Details: map[string]interface{}{
			"nodes_total":     len(stats.Nodes),
			"nodes_available": available,
		},
	}
	if available == 0 {
		meshCheck.Status = "unhealthy"
		meshCheck.Message = "no nodes available for dispatch"
		overall = "unhealthy"
	}
	checks["mesh"] = meshCheck

	if h.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		dbCheck := CheckStatus{Status: "healthy"}
		if err := h.DB.PingContext(ctx); err != nil {
			dbCheck.Status = "unhealthy"
			dbCheck.Message = err.Error()
		}
		checks["recall_db"] = dbCheck
	}

	status := http.StatusOK
	if overall == "unhealthy" {
		status = http.StatusServiceUnavailable
	}

	respond.JSON(w, status, HealthResponse{
		Status:    overall,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
		Version:   h.Version,
	})
}
