// Package dispatch delivers chat generation events to every live connection
// of the user who owns the chat and mirrors content-affecting events into the
// message store.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flemzord/pulse/internal/metrics"
)

// EventChat is the outbound event name for chat-scoped events.
const EventChat = "chat-events"

// Event kinds with a persistence side effect.
const (
	KindStatus  = "status"
	KindMessage = "message"
	KindReplace = "replace"
)

var (
	// ErrMissingUser is returned when a request names no owning user.
	ErrMissingUser = errors.New("dispatch: user id is required")

	// ErrMissingSession is returned by CallUser when a request has no
	// originating connection.
	ErrMissingSession = errors.New("dispatch: session id is required")
)

var tracer = otel.Tracer("github.com/flemzord/pulse/internal/dispatch")

// Request identifies who asked for a generation and where its events belong.
type Request struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

// Event is an application-level generation event. Type and Data drive
// persistence and metrics. An Event decoded from JSON is re-encoded exactly
// as received, so fields beyond type and data reach clients untouched;
// changing Type or Data afterwards does not alter that encoding.
type Event struct {
	Type string
	Data json.RawMessage

	raw json.RawMessage
}

// eventView is the part of an event pulse interprets.
type eventView struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalJSON keeps the original bytes alongside the decoded view.
func (e *Event) UnmarshalJSON(b []byte) error {
	var v eventView
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	e.Type, e.Data = v.Type, v.Data
	e.raw = slices.Clone(b)
	return nil
}

// MarshalJSON returns the received bytes when there are any.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.raw != nil {
		return e.raw, nil
	}
	return json.Marshal(eventView{Type: e.Type, Data: e.Data})
}

// Payload is the body of a chat-events emission.
type Payload struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Data      Event  `json:"data"`
}

// Transport emits to and calls single connections.
type Transport interface {
	EmitTo(ctx context.Context, conn, event string, data any) error
	Call(ctx context.Context, conn, event string, data any) (json.RawMessage, error)
}

// Connections resolves a user's live connections.
type Connections interface {
	ConnectionsOf(ctx context.Context, userID string) ([]string, error)
}

// MessageStore is the persisted chat message store.
type MessageStore interface {
	Message(ctx context.Context, chatID, messageID string) (string, error)
	UpsertMessage(ctx context.Context, chatID, messageID, content string) error
	AddStatus(ctx context.Context, chatID, messageID string, status json.RawMessage) error
}

// Dispatcher fans events out and mirrors them into the store.
type Dispatcher struct {
	transport Transport
	conns     Connections
	messages  MessageStore
	logger    *slog.Logger
}

// New returns a Dispatcher. messages may be nil, in which case events are
// delivered without persistence.
func New(transport Transport, conns Connections, messages MessageStore, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{transport: transport, conns: conns, messages: messages, logger: logger}
}

// Targets returns the connections an event for req is delivered to: the
// user's known connections plus the requesting one, each once, sorted.
func (d *Dispatcher) Targets(ctx context.Context, req Request) ([]string, error) {
	conns, err := d.conns.ConnectionsOf(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: connections of %s: %w", req.UserID, err)
	}
	targets := slices.Clone(conns)
	if req.SessionID != "" {
		targets = append(targets, req.SessionID)
	}
	slices.Sort(targets)
	return slices.Compact(targets), nil
}

// EmitToUser delivers ev to every target connection, then applies the
// event's persistence side effect. A failed emission to one connection is
// logged and does not stop delivery to the others; a persistence failure is
// returned.
func (d *Dispatcher) EmitToUser(ctx context.Context, req Request, ev Event) error {
	ctx, span := tracer.Start(ctx, "dispatch.emit",
		trace.WithAttributes(
			attribute.String("chat.id", req.ChatID),
			attribute.String("message.id", req.MessageID),
			attribute.String("event.kind", ev.Type),
		),
	)
	defer span.End()

	if req.UserID == "" {
		return ErrMissingUser
	}

	targets, err := d.Targets(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.Int("dispatch.targets", len(targets)))

	payload := Payload{ChatID: req.ChatID, MessageID: req.MessageID, Data: ev}
	for _, conn := range targets {
		if err := d.transport.EmitTo(ctx, conn, EventChat, payload); err != nil {
			d.logger.Warn("dispatch: emit failed", "conn", conn, "chat", req.ChatID, "error", err)
		}
	}
	metrics.DispatchEvents.WithLabelValues(kindLabel(ev.Type)).Inc()

	if err := d.persist(ctx, req, ev); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// CallUser sends ev to the requesting connection only and waits for its
// reply. There is no built-in timeout; callers bound the wait through ctx.
func (d *Dispatcher) CallUser(ctx context.Context, req Request, ev Event) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "dispatch.call",
		trace.WithAttributes(
			attribute.String("chat.id", req.ChatID),
			attribute.String("message.id", req.MessageID),
			attribute.String("event.kind", ev.Type),
		),
	)
	defer span.End()

	if req.SessionID == "" {
		return nil, ErrMissingSession
	}

	payload := Payload{ChatID: req.ChatID, MessageID: req.MessageID, Data: ev}
	reply, err := d.transport.Call(ctx, req.SessionID, EventChat, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("dispatch: call %s: %w", req.SessionID, err)
	}
	return reply, nil
}

// content is the shape of message and replace event data.
type content struct {
	Content string `json:"content"`
}

func (d *Dispatcher) persist(ctx context.Context, req Request, ev Event) error {
	if d.messages == nil {
		return nil
	}

	switch ev.Type {
	case KindStatus:
		status := ev.Data
		if len(status) == 0 {
			status = json.RawMessage(`{}`)
		}
		if err := d.messages.AddStatus(ctx, req.ChatID, req.MessageID, status); err != nil {
			return fmt.Errorf("dispatch: add status: %w", err)
		}

	case KindMessage:
		frag, err := fragment(ev.Data)
		if err != nil {
			return err
		}
		current, err := d.messages.Message(ctx, req.ChatID, req.MessageID)
		if err != nil {
			return fmt.Errorf("dispatch: load message: %w", err)
		}
		if err := d.messages.UpsertMessage(ctx, req.ChatID, req.MessageID, current+frag); err != nil {
			return fmt.Errorf("dispatch: append message: %w", err)
		}

	case KindReplace:
		frag, err := fragment(ev.Data)
		if err != nil {
			return err
		}
		if err := d.messages.UpsertMessage(ctx, req.ChatID, req.MessageID, frag); err != nil {
			return fmt.Errorf("dispatch: replace message: %w", err)
		}
	}
	return nil
}

func fragment(data json.RawMessage) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	var c content
	if err := json.Unmarshal(data, &c); err != nil {
		return "", fmt.Errorf("dispatch: event data: %w", err)
	}
	return c.Content, nil
}

func kindLabel(kind string) string {
	switch kind {
	case KindStatus, KindMessage, KindReplace:
		return kind
	}
	return "other"
}
