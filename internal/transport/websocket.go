package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// maxFrameSize bounds a single inbound frame.
const maxFrameSize = MaxPayloadBytes + 4<<10

// Credential extracts the connection credential from the ?token= query
// parameter or an Authorization: Bearer header.
func Credential(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSink) Close(reason string) error {
	return s.conn.Close(websocket.StatusGoingAway, reason)
}

// WebSocketHandler serves the websocket transport.
type WebSocketHandler struct {
	hub          *Hub
	origins      []string
	pingInterval time.Duration
}

// NewWebSocketHandler returns the websocket endpoint for hub. origins are
// accepted origin patterns in addition to the request host.
func NewWebSocketHandler(hub *Hub, origins []string, pingInterval time.Duration) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, origins: origins, pingInterval: pingInterval}
}

// ServeHTTP runs one connection: accept, attach, read loop, detach.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.hub.logger
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		logger.Warn("transport: websocket accept failed", "error", err)
		return
	}
	defer func() {
		_ = conn.Close(websocket.StatusInternalError, "unexpected close")
	}()
	conn.SetReadLimit(maxFrameSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	id, err := h.hub.Attach(ctx, &wsSink{conn: conn}, Credential(r))
	if err != nil {
		logger.Warn("transport: attach failed", "error", err)
		return
	}
	defer h.hub.Detach(context.WithoutCancel(ctx), id)

	if h.pingInterval > 0 {
		go h.pingLoop(ctx, cancel, conn)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn("transport: invalid frame", "conn", id, "error", err)
			continue
		}
		if err := h.hub.Receive(ctx, id, env); err != nil {
			logger.Debug("transport: frame rejected", "conn", id, "error", err)
		}
	}
}

// pingLoop cancels the connection when the client stops answering pings.
func (h *WebSocketHandler) pingLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, h.pingInterval)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				cancel()
				return
			}
		}
	}
}
