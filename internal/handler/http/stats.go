package http

import (
	"fmt"
	"net/http"
	"strings"

	"inference-mesh/internal/handler/http/respond"
	"inference-mesh/internal/mesh"
	"inference-mesh/internal/resilience"
)

// StatsResponse is the JSON body for GET /v1/mesh/stats.
type StatsResponse struct {
	Mesh       mesh.MeshStats   `json:"mesh"`
	Resilience resilience.Stats `json:"resilience"`
}

// StatsHandler exposes node health and resilience counters for operators
// and dashboards.
type StatsHandler struct {
	Mesh     *mesh.Mesh
	Registry *resilience.Registry
}

func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, http.StatusOK, StatsResponse{
		Mesh:       h.Mesh.GetStats(),
		Resilience: h.Registry.GetStats(),
	})
}

// NodeStatsHandler serves GET /v1/mesh/nodes/{id} with one node's health
// snapshot.
type NodeStatsHandler struct {
	Mesh *mesh.Mesh
}

func (h *NodeStatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/mesh/nodes/"), "/stats")
	for _, n := range h.Mesh.GetStats().Nodes {
		if n.ID == id {
			respond.JSON(w, http.StatusOK, n)
			return
		}
	}
	respond.Error(w, http.StatusNotFound, fmt.Errorf("unknown node %q", id))
}
