package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flemzord/pulse/internal/dispatch"
	"github.com/flemzord/pulse/internal/security"
	"github.com/flemzord/pulse/internal/transport"
	"github.com/flemzord/pulse/pkg/identity"
)

// maxBodyBytes bounds admin request bodies.
const maxBodyBytes = 1 << 20

// PresenceResponse is the JSON response for GET /api/presence/users/{id}.
type PresenceResponse struct {
	UserID      string   `json:"user_id"`
	Online      bool     `json:"online"`
	Connections []string `json:"connections"`
}

// EventRequest is the body of the emit and call routes.
type EventRequest struct {
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
	Event     dispatch.Event `json:"event"`

	// Timeout bounds a call, e.g. "30s". Empty waits until the client
	// replies or disconnects.
	Timeout string `json:"timeout,omitempty"`
}

// CallResponse is the JSON response of the call route.
type CallResponse struct {
	Reply json.RawMessage `json:"reply"`
}

func (g *Gateway) handleOnlineUsers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.presence == nil {
			unavailable(w, "presence")
			return
		}
		users, err := g.presence.OnlineUsers(r.Context())
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]string{"user_ids": users})
	}
}

func (g *Gateway) handleUserPresence() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.presence == nil {
			unavailable(w, "presence")
			return
		}
		id := chi.URLParam(r, "id")
		conns, err := g.presence.ConnectionsOf(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, PresenceResponse{UserID: id, Online: len(conns) > 0, Connections: conns})
	}
}

// handleRoomUsers lists the users in a room on this instance.
func (g *Gateway) handleRoomUsers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.presence == nil {
			unavailable(w, "presence")
			return
		}
		users, err := g.presence.ParticipantsOf(r.Context(), chi.URLParam(r, "room"))
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]string{"user_ids": users})
	}
}

func (g *Gateway) handleActiveModels() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.usage == nil {
			unavailable(w, "usage")
			return
		}
		models, err := g.usage.ActiveModels(r.Context())
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]string{"models": models})
	}
}

func (g *Gateway) handleEmit() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.dispatcher == nil {
			unavailable(w, "dispatch")
			return
		}
		req, body, ok := decodeEvent(w, r)
		if !ok {
			return
		}
		g.auditDispatch(r, req, body.Event.Type)

		if err := g.dispatcher.EmitToUser(r.Context(), req, body.Event); err != nil {
			writeError(w, dispatchStatus(err), err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (g *Gateway) handleCall() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.dispatcher == nil {
			unavailable(w, "dispatch")
			return
		}
		req, body, ok := decodeEvent(w, r)
		if !ok {
			return
		}

		ctx := r.Context()
		if body.Timeout != "" {
			d, err := time.ParseDuration(body.Timeout)
			if err != nil || d <= 0 {
				writeError(w, http.StatusBadRequest, fmt.Errorf("invalid timeout %q", body.Timeout))
				return
			}
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		g.auditDispatch(r, req, body.Event.Type)

		reply, err := g.dispatcher.CallUser(ctx, req, body.Event)
		if err != nil {
			writeError(w, dispatchStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, CallResponse{Reply: reply})
	}
}

func (g *Gateway) handlePutUser() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.directory == nil {
			unavailable(w, "directory")
			return
		}
		var u identity.Identity
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&u); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		u.ID = chi.URLParam(r, "id")
		if err := g.directory.UpsertUser(r.Context(), u); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		g.auditDirectory(r, u.ID, "upsert user")
		writeJSON(w, http.StatusOK, u)
	}
}

func (g *Gateway) handleAddMember() http.HandlerFunc {
	return g.membership("add member", func(d Directory) func(context.Context, string, string) error {
		return d.AddMember
	})
}

func (g *Gateway) handleRemoveMember() http.HandlerFunc {
	return g.membership("remove member", func(d Directory) func(context.Context, string, string) error {
		return d.RemoveMember
	})
}

func (g *Gateway) membership(action string, op func(Directory) func(context.Context, string, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.directory == nil {
			unavailable(w, "directory")
			return
		}
		channel, user := chi.URLParam(r, "id"), chi.URLParam(r, "user_id")
		if err := op(g.directory)(r.Context(), channel, user); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		g.auditDirectory(r, user, action+" "+channel)
		w.WriteHeader(http.StatusNoContent)
	}
}

func decodeEvent(w http.ResponseWriter, r *http.Request) (dispatch.Request, EventRequest, bool) {
	var body EventRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return dispatch.Request{}, body, false
	}
	if body.Event.Type == "" {
		writeError(w, http.StatusBadRequest, errors.New("event.type is required"))
		return dispatch.Request{}, body, false
	}
	req := dispatch.Request{
		UserID:    body.UserID,
		SessionID: body.SessionID,
		ChatID:    chi.URLParam(r, "chat_id"),
		MessageID: chi.URLParam(r, "message_id"),
	}
	return req, body, true
}

func dispatchStatus(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrMissingUser), errors.Is(err, dispatch.ErrMissingSession):
		return http.StatusBadRequest
	case errors.Is(err, transport.ErrConnectionNotFound), errors.Is(err, transport.ErrConnectionClosed):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (g *Gateway) auditDispatch(r *http.Request, req dispatch.Request, kind string) {
	if g.audit == nil {
		return
	}
	g.audit.Log(security.AuditEvent{
		Type:   security.EventDispatch,
		Remote: r.RemoteAddr,
		Method: r.Method,
		Path:   r.URL.Path,
		UserID: req.UserID,
		ChatID: req.ChatID,
		Detail: kind,
	})
}

func (g *Gateway) auditDirectory(r *http.Request, userID, detail string) {
	if g.audit == nil {
		return
	}
	g.audit.Log(security.AuditEvent{
		Type:   security.EventDirectory,
		Remote: r.RemoteAddr,
		Method: r.Method,
		Path:   r.URL.Path,
		UserID: userID,
		Detail: detail,
	})
}

func unavailable(w http.ResponseWriter, what string) {
	writeError(w, http.StatusServiceUnavailable, fmt.Errorf("%s not available", what))
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
