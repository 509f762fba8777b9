package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inference-mesh/internal/domain/entity"
	"inference-mesh/internal/infra/transport"
	"inference-mesh/internal/mesh"
	"inference-mesh/internal/resilience"
)

func TestHealthHandler_Healthy(t *testing.T) {
	m := newChatMesh(t, mesh.NodeSpec{ID: "a", Transport: transport.NewStatic("a"), Weight: 1})
	h := &HealthHandler{Mesh: m, Version: "test"}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, "healthy", resp.Checks["mesh"].Status)
	assert.NotContains(t, resp.Checks, "recall_db")
}

func TestHealthHandler_UnhealthyWhenAllNodesCoolingDown(t *testing.T) {
	// Drive every node into cooldown by exhausting it with rate limits.
	limited := transport.NewStatic("limited",
		transport.StaticResponse{SetupErr: transport.NewError("limited", transport.KindRateLimited, 429, "slow down", nil)})
	reg := resilience.NewRegistry(resilience.Config{RetryDefaults: fastRetryDefaults})
	m, err := mesh.New(mesh.Config{Cooldown: time.Minute}, reg, []mesh.NodeSpec{
		{ID: "a", Transport: limited, Weight: 1},
	})
	require.NoError(t, err)

	_, dispatchErr := m.Dispatch(t.Context(), mesh.DispatchRequest{
		Messages: []entity.Message{{Role: entity.RoleUser, Content: "hi"}},
	})
	require.Error(t, dispatchErr)

	h := &HealthHandler{Mesh: m, Version: "test"}
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, "no nodes available for dispatch", resp.Checks["mesh"].Message)
}
