package gateway

import (
	"net/http"
	"time"

	"github.com/flemzord/pulse/internal/core"
)

// StatusResponse is the JSON response for GET /status.
type StatusResponse struct {
	Uptime       int64    `json:"uptime_seconds"`
	Node         string   `json:"node,omitempty"`
	Coordination string   `json:"coordination,omitempty"`
	Degraded     bool     `json:"degraded"`
	Connections  int      `json:"connections"`
	OnlineUsers  int      `json:"online_users"`
	ActiveModels []string `json:"active_models"`
	Modules      []string `json:"modules"`
	AuditErrors  int64    `json:"audit_write_errors"`
}

// handleStatus returns an http.HandlerFunc for GET /status.
func (g *Gateway) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{
			Uptime:       int64(time.Since(g.startedAt) / time.Second),
			ActiveModels: []string{},
		}

		if g.backend != nil {
			resp.Node = g.backend.Node()
			resp.Coordination = g.backend.Kind()
			resp.Degraded = g.backend.Degraded()
		}
		if g.hub != nil {
			resp.Connections = g.hub.Connections()
		}
		if g.presence != nil {
			users, err := g.presence.OnlineUsers(r.Context())
			if err != nil {
				writeError(w, http.StatusBadGateway, err)
				return
			}
			resp.OnlineUsers = len(users)
		}
		if g.usage != nil {
			models, err := g.usage.ActiveModels(r.Context())
			if err != nil {
				writeError(w, http.StatusBadGateway, err)
				return
			}
			resp.ActiveModels = models
		}
		if g.audit != nil {
			resp.AuditErrors = g.audit.WriteErrors()
		}
		for _, m := range core.GetModules() {
			resp.Modules = append(resp.Modules, string(m.ID))
		}

		writeJSON(w, http.StatusOK, resp)
	}
}
