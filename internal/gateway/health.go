package gateway

import (
	"encoding/json"
	"net/http"
)

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status       string `json:"status"` // "ok" or "degraded"
	Node         string `json:"node,omitempty"`
	Coordination string `json:"coordination,omitempty"`
	Degraded     bool   `json:"degraded"`
	Connections  int    `json:"connections"`
}

// handleHealth returns an http.HandlerFunc for GET /health. A degraded
// coordination backend still answers 200: the instance serves its own
// connections.
func (g *Gateway) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := HealthResponse{Status: "ok"}

		if g.backend != nil {
			resp.Node = g.backend.Node()
			resp.Coordination = g.backend.Kind()
			resp.Degraded = g.backend.Degraded()
			if resp.Degraded {
				resp.Status = "degraded"
			}
		}
		if g.hub != nil {
			resp.Connections = g.hub.Connections()
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
