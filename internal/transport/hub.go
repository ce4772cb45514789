package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flemzord/pulse/internal/cluster"
	"github.com/flemzord/pulse/internal/metrics"
	"github.com/flemzord/pulse/internal/security"
)

// writeTimeout bounds a single frame write during fan-out so one slow
// client cannot stall a broadcast.
const writeTimeout = 10 * time.Second

// Handler receives connection lifecycle and inbound events.
type Handler interface {
	// Connect runs after a connection is attached. credential may be empty.
	Connect(ctx context.Context, conn, credential string)
	// Event handles a named event. The reply is sent back when the client
	// asked for an ack; a nil reply acks with null.
	Event(ctx context.Context, conn, event string, data json.RawMessage) (any, error)
	// Disconnect runs after a connection is detached.
	Disconnect(ctx context.Context, conn string)
}

// HubConfig wires a Hub.
type HubConfig struct {
	// Node identifies this instance on the bus.
	Node   string
	Bus    cluster.Bus
	Logger *slog.Logger
}

// Hub owns the connections and rooms of this instance and relays emissions
// to peers through the cluster bus.
type Hub struct {
	node    string
	bus     cluster.Bus
	logger  *slog.Logger
	conns   *ConnStore
	handler Handler

	mu    sync.RWMutex
	rooms map[string]map[string]struct{}

	callsMu sync.Mutex
	// awaiting holds calls this node relayed to a peer, by call id.
	awaiting map[string]chan cluster.Message
	// serving holds peer calls running against a local connection.
	serving map[string]context.CancelFunc
}

// NewHub creates a Hub. A nil Bus means a single instance.
func NewHub(cfg HubConfig) *Hub {
	h := &Hub{
		node:   cfg.Node,
		bus:    cfg.Bus,
		logger: cfg.Logger,
		conns:  NewConnStore(),
		rooms:  make(map[string]map[string]struct{}),

		awaiting: make(map[string]chan cluster.Message),
		serving:  make(map[string]context.CancelFunc),
	}
	if h.bus == nil {
		h.bus = cluster.Local{}
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// SetHandler installs the inbound event handler. It must be called before
// the first connection is attached.
func (h *Hub) SetHandler(handler Handler) { h.handler = handler }

// Start subscribes to peer emissions.
func (h *Hub) Start(ctx context.Context) error {
	if err := h.bus.Subscribe(ctx, h.onPeer); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	return nil
}

// Stop closes every connection on this instance.
func (h *Hub) Stop(_ context.Context) error {
	for _, c := range h.conns.Snapshot() {
		_ = c.sink.Close("server shutting down")
	}
	return nil
}

// Attach registers a new connection over sink, sends it its id and runs the
// Connect handler. It returns the connection id.
func (h *Hub) Attach(ctx context.Context, sink Sink, credential string) (string, error) {
	c := newConn(uuid.NewString(), sink)
	h.conns.Add(c)
	metrics.ActiveConnections.Inc()
	metrics.TotalConnections.Inc()

	if err := c.send(ctx, Envelope{Type: MsgOpen, ID: c.ID, Timestamp: time.Now()}); err != nil {
		h.Detach(ctx, c.ID)
		return "", err
	}
	h.logger.Debug("transport: connection attached", "conn", c.ID)

	if h.handler != nil {
		h.handler.Connect(ctx, c.ID, credential)
	}
	return c.ID, nil
}

// Detach removes a connection from its rooms and the hub, fails its pending
// calls and runs the Disconnect handler. Detaching twice is a no-op.
func (h *Hub) Detach(ctx context.Context, id string) {
	c, ok := h.conns.Get(id)
	if !ok || !h.conns.Remove(id) {
		return
	}
	metrics.ActiveConnections.Dec()

	h.mu.Lock()
	for _, room := range c.shutdown() {
		h.leaveLocked(id, room)
	}
	h.mu.Unlock()
	h.logger.Debug("transport: connection detached", "conn", id)

	if h.handler != nil {
		h.handler.Disconnect(ctx, id)
	}
}

// Has reports whether id is a live connection on this instance.
func (h *Hub) Has(id string) bool {
	_, ok := h.conns.Get(id)
	return ok
}

// Connections returns the number of live connections on this instance.
func (h *Hub) Connections() int { return h.conns.Len() }

// Receive processes one frame read from connection id.
func (h *Hub) Receive(ctx context.Context, id string, env Envelope) error {
	c, ok := h.conns.Get(id)
	if !ok {
		return ErrConnectionNotFound
	}

	switch env.Type {
	case MsgAck:
		if !c.resolve(env.ID, env.Data) {
			h.logger.Debug("transport: dropping unmatched ack", "conn", id, "id", env.ID)
		}
		return nil
	case MsgEvent:
	default:
		h.logger.Warn("transport: unexpected frame type", "conn", id, "type", env.Type)
		return nil
	}

	if env.Event == "" {
		return ErrEmptyEvent
	}
	metrics.EventsReceived.WithLabelValues(env.Event).Inc()
	if h.handler == nil {
		return nil
	}

	var reply any
	err := validatePayload(env.Data)
	if err == nil {
		reply, err = h.handler.Event(ctx, id, env.Event, env.Data)
	}
	if env.ID == "" {
		if err != nil {
			h.logger.Warn("transport: event handler failed", "conn", id, "event", env.Event, "error", err)
		}
		return nil
	}

	resp := Envelope{Type: MsgAck, Event: env.Event, ID: env.ID, Timestamp: time.Now()}
	if err != nil {
		resp.Type = MsgError
		resp.Data, _ = json.Marshal(ErrorPayload{Message: err.Error()})
	} else if resp.Data, err = json.Marshal(reply); err != nil {
		return fmt.Errorf("transport: encode reply to %s: %w", env.Event, err)
	}
	return c.send(ctx, resp)
}

// Emit sends event to every connection in the cluster.
func (h *Hub) Emit(ctx context.Context, event string, data any) error {
	raw, err := encode(event, data)
	if err != nil {
		return err
	}
	metrics.EventsEmitted.WithLabelValues(string(cluster.ScopeAll)).Inc()
	h.deliver(ctx, h.conns.Snapshot(), event, raw)
	return h.publish(ctx, cluster.ScopeAll, "", event, raw)
}

// EmitTo sends event to one connection, wherever in the cluster it lives.
// An id that matches no connection anywhere is dropped silently.
func (h *Hub) EmitTo(ctx context.Context, conn, event string, data any) error {
	raw, err := encode(event, data)
	if err != nil {
		return err
	}
	metrics.EventsEmitted.WithLabelValues(string(cluster.ScopeConn)).Inc()
	if c, ok := h.conns.Get(conn); ok {
		return c.send(ctx, Envelope{Type: MsgEvent, Event: event, Data: raw, Timestamp: time.Now()})
	}
	return h.publish(ctx, cluster.ScopeConn, conn, event, raw)
}

// EmitRoom sends event to every participant of room in the cluster.
func (h *Hub) EmitRoom(ctx context.Context, room, event string, data any) error {
	raw, err := encode(event, data)
	if err != nil {
		return err
	}
	metrics.EventsEmitted.WithLabelValues(string(cluster.ScopeRoom)).Inc()
	h.deliver(ctx, h.roomConns(room), event, raw)
	return h.publish(ctx, cluster.ScopeRoom, room, event, raw)
}

// Call sends event to a connection and waits for its ack. A connection owned
// by a peer is reached through the bus; in a single-instance deployment an
// unknown id fails with ErrConnectionNotFound. There is no built-in timeout;
// bound ctx to impose one.
func (h *Hub) Call(ctx context.Context, conn, event string, data any) (json.RawMessage, error) {
	raw, err := encode(event, data)
	if err != nil {
		return nil, err
	}
	if c, ok := h.conns.Get(conn); ok {
		return c.call(ctx, event, raw)
	}
	if _, single := h.bus.(cluster.Local); single {
		return nil, ErrConnectionNotFound
	}
	return h.callPeer(ctx, conn, event, raw)
}

func (h *Hub) callPeer(ctx context.Context, conn, event string, raw json.RawMessage) (json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan cluster.Message, 1)
	h.callsMu.Lock()
	h.awaiting[id] = ch
	h.callsMu.Unlock()
	defer func() {
		h.callsMu.Lock()
		delete(h.awaiting, id)
		h.callsMu.Unlock()
	}()

	msg := cluster.Message{Scope: cluster.ScopeCall, Target: conn, ID: id, Event: event, Data: raw}
	if err := h.bus.Publish(ctx, msg); err != nil {
		return nil, fmt.Errorf("transport: relay call %s: %w", event, err)
	}

	select {
	case reply := <-ch:
		if reply.Error != "" {
			return nil, peerError(reply.Error)
		}
		return reply.Data, nil
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
		defer cancel()
		if err := h.bus.Publish(cctx, cluster.Message{Scope: cluster.ScopeCancel, ID: id}); err != nil {
			h.logger.Debug("transport: cancel relay failed", "call", id, "error", err)
		}
		return nil, ctx.Err()
	}
}

// servePeerCall runs a call relayed by node msg.Node against local
// connection c and publishes the outcome back. It is registered before it
// starts so a cancel that follows on the bus always finds it.
func (h *Hub) servePeerCall(c *Conn, msg cluster.Message) {
	ctx, cancel := context.WithCancel(context.Background())
	h.callsMu.Lock()
	h.serving[msg.ID] = cancel
	h.callsMu.Unlock()

	go func() {
		defer func() {
			h.callsMu.Lock()
			delete(h.serving, msg.ID)
			h.callsMu.Unlock()
			cancel()
		}()

		data, err := c.call(ctx, msg.Event, msg.Data)
		if ctx.Err() != nil {
			return
		}
		reply := cluster.Message{Scope: cluster.ScopeReply, Target: msg.Node, ID: msg.ID, Event: msg.Event, Data: data}
		if err != nil {
			reply.Data = nil
			reply.Error = err.Error()
		}

		pctx, pcancel := context.WithTimeout(context.Background(), writeTimeout)
		defer pcancel()
		if err := h.bus.Publish(pctx, reply); err != nil {
			h.logger.Warn("transport: call reply relay failed", "conn", c.ID, "call", msg.ID, "error", err)
		}
	}()
}

// peerError restores the sentinel a peer reported, so callers can match it.
func peerError(text string) error {
	for _, sentinel := range []error{ErrConnectionClosed, ErrConnectionNotFound} {
		if text == sentinel.Error() {
			return sentinel
		}
	}
	return fmt.Errorf("transport: peer: %s", text)
}

// Enter adds a local connection to room.
func (h *Hub) Enter(conn, room string) error {
	c, ok := h.conns.Get(conn)
	if !ok {
		return ErrConnectionNotFound
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	c.rooms[room] = struct{}{}

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[room] = members
	}
	members[conn] = struct{}{}
	return nil
}

// Leave removes a connection from room.
func (h *Hub) Leave(conn, room string) {
	if c, ok := h.conns.Get(conn); ok {
		c.mu.Lock()
		delete(c.rooms, room)
		c.mu.Unlock()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(conn, room)
}

func (h *Hub) leaveLocked(conn, room string) {
	members := h.rooms[room]
	delete(members, conn)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Participants returns the ids of the local connections in room, sorted.
func (h *Hub) Participants(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := slices.Collect(maps.Keys(h.rooms[room]))
	slices.Sort(ids)
	return ids
}

func (h *Hub) roomConns(room string) []*Conn {
	ids := h.Participants(room)
	out := make([]*Conn, 0, len(ids))
	for _, id := range ids {
		if c, ok := h.conns.Get(id); ok {
			out = append(out, c)
		}
	}
	return out
}

// deliver writes an event to each connection. A failing connection is
// logged and skipped; its read loop will detach it.
func (h *Hub) deliver(ctx context.Context, conns []*Conn, event string, raw json.RawMessage) {
	env := Envelope{Type: MsgEvent, Event: event, Data: raw, Timestamp: time.Now()}
	for _, c := range conns {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := c.send(wctx, env)
		cancel()
		if err != nil {
			h.logger.Debug("transport: dropping frame", "conn", c.ID, "event", event, "error", err)
		}
	}
}

func (h *Hub) publish(ctx context.Context, scope cluster.Scope, target, event string, raw json.RawMessage) error {
	err := h.bus.Publish(ctx, cluster.Message{Scope: scope, Target: target, Event: event, Data: raw})
	if err != nil {
		return fmt.Errorf("transport: relay %s: %w", event, err)
	}
	return nil
}

// onPeer delivers an emission published by another instance to the matching
// local connections, and serves or settles relayed calls.
func (h *Hub) onPeer(msg cluster.Message) {
	ctx := context.Background()
	switch msg.Scope {
	case cluster.ScopeAll:
		h.deliver(ctx, h.conns.Snapshot(), msg.Event, msg.Data)
	case cluster.ScopeRoom:
		h.deliver(ctx, h.roomConns(msg.Target), msg.Event, msg.Data)
	case cluster.ScopeConn:
		if c, ok := h.conns.Get(msg.Target); ok {
			h.deliver(ctx, []*Conn{c}, msg.Event, msg.Data)
		}
	case cluster.ScopeCall:
		if c, ok := h.conns.Get(msg.Target); ok {
			h.servePeerCall(c, msg)
		}
	case cluster.ScopeReply:
		if msg.Target != h.node {
			return
		}
		h.callsMu.Lock()
		ch, ok := h.awaiting[msg.ID]
		h.callsMu.Unlock()
		if ok {
			select {
			case ch <- msg:
			default:
			}
		}
	case cluster.ScopeCancel:
		h.callsMu.Lock()
		cancel, ok := h.serving[msg.ID]
		h.callsMu.Unlock()
		if ok {
			cancel()
		}
	default:
		h.logger.Warn("transport: unknown peer scope", "scope", msg.Scope)
	}
}

// validatePayload bounds inbound event data before any handler decodes it.
func validatePayload(data json.RawMessage) error {
	if err := security.ValidateFrame(data, security.FrameLimits{MaxBytes: MaxPayloadBytes}); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	return nil
}

func encode(event string, data any) (json.RawMessage, error) {
	if event == "" {
		return nil, ErrEmptyEvent
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("transport: encode %s: %w", event, err)
	}
	return raw, nil
}
