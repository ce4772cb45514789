package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flemzord/pulse/internal/metrics"
	"github.com/flemzord/pulse/internal/transport"
)

// buildRouter constructs the chi mux with all routes wired.
func (g *Gateway) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Public, no auth required.
	r.Get("/health", g.handleHealth())
	r.Handle("/metrics", metrics.Handler())

	// Socket endpoints authenticate through their own credential.
	if g.hub != nil {
		r.Group(func(r chi.Router) {
			r.Use(connectLimit(g.audit, g.limiter))
			transport.Mount(r, g.hub, g.endpoints)
		})
	}

	// Admin endpoints, auth required. Not mounted if no auth configured.
	if g.config.Auth.IsConfigured() {
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware(g.config.Auth, g.audit, g.limiter))
			r.Get("/status", g.handleStatus())
			r.Route("/api", func(r chi.Router) {
				r.Get("/presence/users", g.handleOnlineUsers())
				r.Get("/presence/users/{id}", g.handleUserPresence())
				r.Get("/rooms/{room}/users", g.handleRoomUsers())
				r.Get("/usage/models", g.handleActiveModels())
				r.Post("/chats/{chat_id}/messages/{message_id}/events", g.handleEmit())
				r.Post("/chats/{chat_id}/messages/{message_id}/call", g.handleCall())
				r.Put("/users/{id}", g.handlePutUser())
				r.Put("/channels/{id}/members/{user_id}", g.handleAddMember())
				r.Delete("/channels/{id}/members/{user_id}", g.handleRemoveMember())
			})
		})
	}

	return r
}
