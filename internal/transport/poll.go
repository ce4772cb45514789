package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// sseSink writes frames as server-sent events.
type sseSink struct {
	w       io.Writer
	flusher http.Flusher
	done    chan struct{}
	once    sync.Once
}

func (s *sseSink) Send(_ context.Context, env Envelope) error {
	select {
	case <-s.done:
		return ErrConnectionClosed
	default:
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) Close(string) error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// PollHandler serves the polling transport: a long-lived SSE stream for
// server frames and POSTs for client frames.
type PollHandler struct {
	hub       *Hub
	keepalive time.Duration
}

// NewPollHandler returns the polling endpoints for hub.
func NewPollHandler(hub *Hub, keepalive time.Duration) *PollHandler {
	return &PollHandler{hub: hub, keepalive: keepalive}
}

// Stream serves GET: the first frame is {type:"open", id:<conn id>}.
func (h *PollHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sink := &sseSink{w: w, flusher: flusher, done: make(chan struct{})}
	ctx := r.Context()

	id, err := h.hub.Attach(ctx, sink, Credential(r))
	if err != nil {
		h.hub.logger.Warn("transport: attach failed", "error", err)
		return
	}
	// Writes must stop before the handler returns and w becomes invalid.
	if c, ok := h.hub.conns.Get(id); ok {
		defer func() {
			_ = sink.Close("")
			c.wmu.Lock()
			c.wmu.Unlock() //nolint:staticcheck // waits for an in-flight write
		}()
	}
	defer h.hub.Detach(context.WithoutCancel(ctx), id)

	var tick <-chan time.Time
	if h.keepalive > 0 {
		ticker := time.NewTicker(h.keepalive)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-sink.done:
			return
		case <-tick:
			c, ok := h.hub.conns.Get(id)
			if !ok {
				return
			}
			c.wmu.Lock()
			_, err := io.WriteString(w, ": ping\n\n")
			if err == nil {
				flusher.Flush()
			}
			c.wmu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Post serves POST /{id}: the body is one Envelope from the client.
func (h *PollHandler) Post(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.hub.Has(id) {
		http.Error(w, "unknown connection", http.StatusNotFound)
		return
	}

	var env Envelope
	if err := json.NewDecoder(io.LimitReader(r.Body, maxFrameSize)).Decode(&env); err != nil {
		http.Error(w, "invalid frame", http.StatusBadRequest)
		return
	}
	if err := h.hub.Receive(r.Context(), id, env); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrConnectionNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// EndpointConfig selects and tunes the socket endpoints.
type EndpointConfig struct {
	WebSocket      bool
	AllowedOrigins []string
	PingInterval   time.Duration
}

// Mount registers the socket endpoints on r. Exactly one transport is
// served: /socket/ws when websockets are enabled, /socket/poll otherwise.
func Mount(r chi.Router, hub *Hub, cfg EndpointConfig) {
	if cfg.WebSocket {
		r.Handle("/socket/ws", NewWebSocketHandler(hub, cfg.AllowedOrigins, cfg.PingInterval))
		return
	}
	poll := NewPollHandler(hub, cfg.PingInterval)
	r.Get("/socket/poll", poll.Stream)
	r.Post("/socket/poll/{id}", poll.Post)
}
