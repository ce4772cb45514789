// Package socket maps inbound socket events onto the presence, usage and
// room components.
package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/flemzord/pulse/internal/presence"
	"github.com/flemzord/pulse/internal/rooms"
	"github.com/flemzord/pulse/internal/transport"
	"github.com/flemzord/pulse/pkg/identity"
)

// Inbound event names.
const (
	EventUserJoin     = "user-join"
	EventJoinChannels = "join-channels"
	EventUsage        = "usage"
	EventChannel      = rooms.EventChannel
	EventUserList     = presence.EventUserList
)

// Authenticator maps a credential to an identity. ok is false for an invalid
// credential or an unknown user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (identity.Identity, bool, error)
}

// Presence is the subset of the presence registry the server drives.
type Presence interface {
	Bind(ctx context.Context, conn string, id identity.Identity) error
	Unbind(ctx context.Context, conn string) error
	UserList(ctx context.Context) (presence.UserListPayload, error)
}

// UsageReporter records model usage.
type UsageReporter interface {
	Report(ctx context.Context, model, conn string, now time.Time) error
}

// Channels joins rooms and relays room events.
type Channels interface {
	JoinChannels(ctx context.Context, conn, userID string) ([]string, error)
	Relay(ctx context.Context, conn string, ev rooms.ChannelEvent) (bool, error)
}

// Emitter sends an event to one connection.
type Emitter interface {
	EmitTo(ctx context.Context, conn, event string, data any) error
}

// AuthPayload carries a credential in user-join and join-channels.
type AuthPayload struct {
	Auth *struct {
		Token string `json:"token"`
	} `json:"auth"`
}

// UsageRequest is the body of the usage event.
type UsageRequest struct {
	Model string `json:"model"`
}

// Config wires a Server.
type Config struct {
	Auth     Authenticator
	Presence Presence
	Usage    UsageReporter
	Channels Channels
	Out      Emitter
	Now      func() time.Time
	Logger   *slog.Logger
}

// Server implements transport.Handler.
type Server struct {
	auth     Authenticator
	presence Presence
	usage    UsageReporter
	channels Channels
	out      Emitter
	now      func() time.Time
	logger   *slog.Logger
}

var _ transport.Handler = (*Server)(nil)

// NewServer returns a Server.
func NewServer(cfg Config) *Server {
	s := &Server{
		auth:     cfg.Auth,
		presence: cfg.Presence,
		usage:    cfg.Usage,
		channels: cfg.Channels,
		out:      cfg.Out,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Connect binds the connection when it presented a valid credential and
// joins it to its channels. Without one the connection stays anonymous.
func (s *Server) Connect(ctx context.Context, conn, credential string) {
	if credential == "" {
		s.logger.Debug("socket: anonymous connection", "conn", conn)
		return
	}
	if _, err := s.join(ctx, conn, credential); err != nil {
		s.logger.Warn("socket: connect failed", "conn", conn, "error", err)
	}
}

// Disconnect unbinds the connection. Unknown connections are ignored.
func (s *Server) Disconnect(ctx context.Context, conn string) {
	if err := s.presence.Unbind(ctx, conn); err != nil {
		s.logger.Warn("socket: unbind failed", "conn", conn, "error", err)
	}
}

// Event dispatches a named inbound event.
func (s *Server) Event(ctx context.Context, conn, event string, data json.RawMessage) (any, error) {
	switch event {
	case EventUserJoin:
		return s.onUserJoin(ctx, conn, data)
	case EventJoinChannels:
		return nil, s.onJoinChannels(ctx, conn, data)
	case EventUsage:
		return nil, s.onUsage(ctx, conn, data)
	case EventChannel:
		return nil, s.onChannelEvent(ctx, conn, data)
	case EventUserList:
		return nil, s.onUserList(ctx, conn)
	}
	s.logger.Debug("socket: ignoring unknown event", "conn", conn, "event", event)
	return nil, nil
}

// onUserJoin replies with the resolved {id, name}, or null for an invalid
// credential.
func (s *Server) onUserJoin(ctx context.Context, conn string, data json.RawMessage) (any, error) {
	token, err := credential(data)
	if err != nil || token == "" {
		return nil, err
	}
	id, err := s.join(ctx, conn, token)
	if err != nil || id == nil {
		return nil, err
	}
	return id.Ref(), nil
}

func (s *Server) onJoinChannels(ctx context.Context, conn string, data json.RawMessage) error {
	token, err := credential(data)
	if err != nil || token == "" {
		return err
	}
	id, ok, err := s.auth.Authenticate(ctx, token)
	if err != nil || !ok {
		return err
	}
	_, err = s.channels.JoinChannels(ctx, conn, id.ID)
	return err
}

func (s *Server) onUsage(ctx context.Context, conn string, data json.RawMessage) error {
	var req UsageRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	return s.usage.Report(ctx, req.Model, conn, s.now())
}

func (s *Server) onChannelEvent(ctx context.Context, conn string, data json.RawMessage) error {
	var ev rooms.ChannelEvent
	if err := decode(data, &ev); err != nil {
		return err
	}
	_, err := s.channels.Relay(ctx, conn, ev)
	return err
}

func (s *Server) onUserList(ctx context.Context, conn string) error {
	payload, err := s.presence.UserList(ctx)
	if err != nil {
		return err
	}
	return s.out.EmitTo(ctx, conn, EventUserList, payload)
}

// join authenticates token, binds conn and enters its channel rooms. It
// returns nil when the credential does not resolve to a user.
func (s *Server) join(ctx context.Context, conn, token string) (*identity.Identity, error) {
	id, ok, err := s.auth.Authenticate(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("socket: authenticate: %w", err)
	}
	if !ok {
		s.logger.Debug("socket: credential rejected", "conn", conn)
		return nil, nil
	}
	if err := s.presence.Bind(ctx, conn, id); err != nil {
		return nil, fmt.Errorf("socket: bind: %w", err)
	}
	if _, err := s.channels.JoinChannels(ctx, conn, id.ID); err != nil {
		return &id, fmt.Errorf("socket: join channels: %w", err)
	}
	return &id, nil
}

func credential(data json.RawMessage) (string, error) {
	var p AuthPayload
	if err := decode(data, &p); err != nil {
		return "", err
	}
	if p.Auth == nil {
		return "", nil
	}
	return p.Auth.Token, nil
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("socket: decode payload: %w", err)
	}
	return nil
}
