// Package rooms joins connections to their channels' rooms and relays
// transient room events, such as typing indicators, between participants.
package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/flemzord/pulse/pkg/identity"
)

// EventChannel is both the inbound and the outbound room event name.
const EventChannel = "channel-events"

// roomPrefix prefixes channel ids to form room names.
const roomPrefix = "channel:"

// ErrMissingChannel is returned for a room event without a channel id.
var ErrMissingChannel = errors.New("rooms: channel_id is required")

// transient lists the event kinds relayed to room participants. Other kinds
// are accepted and ignored.
var transient = []string{"typing"}

// RoomName returns the room a channel's participants share.
func RoomName(channelID string) string {
	return roomPrefix + channelID
}

// ChannelLookup resolves a user's channel memberships.
type ChannelLookup interface {
	ChannelsOf(ctx context.Context, userID string) ([]string, error)
}

// Rooms is the transport's room primitive.
type Rooms interface {
	Enter(conn, room string) error
	Participants(room string) []string
	EmitRoom(ctx context.Context, room, event string, data any) error
}

// Sessions resolves the identity bound to a connection.
type Sessions interface {
	IdentityOf(ctx context.Context, conn string) (identity.Identity, bool, error)
}

// ChannelEvent is the inbound room event.
type ChannelEvent struct {
	ChannelID string          `json:"channel_id"`
	MessageID *string         `json:"message_id,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// RelayedEvent is what room participants receive.
type RelayedEvent struct {
	ChannelID string           `json:"channel_id"`
	MessageID *string          `json:"message_id"`
	Data      json.RawMessage  `json:"data"`
	User      identity.Summary `json:"user"`
}

// Bridge connects presence to transport rooms.
type Bridge struct {
	channels ChannelLookup
	rooms    Rooms
	sessions Sessions
	logger   *slog.Logger
}

// NewBridge returns a Bridge.
func NewBridge(channels ChannelLookup, rooms Rooms, sessions Sessions, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{channels: channels, rooms: rooms, sessions: sessions, logger: logger}
}

// JoinChannels enters conn into the room of every channel userID belongs to
// and returns the rooms joined.
func (b *Bridge) JoinChannels(ctx context.Context, conn, userID string) ([]string, error) {
	ids, err := b.channels.ChannelsOf(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("rooms: channels of %s: %w", userID, err)
	}
	joined := make([]string, 0, len(ids))
	for _, id := range ids {
		room := RoomName(id)
		if err := b.rooms.Enter(conn, room); err != nil {
			return joined, fmt.Errorf("rooms: enter %s: %w", room, err)
		}
		joined = append(joined, room)
	}
	b.logger.Debug("rooms: joined channels", "conn", conn, "user", userID, "rooms", len(joined))
	return joined, nil
}

// Relay re-broadcasts ev to its room when conn is a participant and the
// event kind is transient. It reports whether anything was emitted; a
// rejected or ignored event is not an error.
func (b *Bridge) Relay(ctx context.Context, conn string, ev ChannelEvent) (bool, error) {
	if ev.ChannelID == "" {
		return false, ErrMissingChannel
	}
	room := RoomName(ev.ChannelID)
	if !slices.Contains(b.rooms.Participants(room), conn) {
		b.logger.Debug("rooms: sender not in room", "conn", conn, "room", room)
		return false, nil
	}

	var kind struct {
		Type string `json:"type"`
	}
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &kind); err != nil {
			return false, fmt.Errorf("rooms: event data: %w", err)
		}
	}
	if !slices.Contains(transient, kind.Type) {
		return false, nil
	}

	sender, ok, err := b.sessions.IdentityOf(ctx, conn)
	if err != nil {
		return false, fmt.Errorf("rooms: sender of %s: %w", conn, err)
	}
	if !ok {
		return false, nil
	}

	out := RelayedEvent{
		ChannelID: ev.ChannelID,
		MessageID: ev.MessageID,
		Data:      ev.Data,
		User:      sender.Summary(),
	}
	if err := b.rooms.EmitRoom(ctx, room, EventChannel, out); err != nil {
		return false, fmt.Errorf("rooms: emit %s: %w", room, err)
	}
	return true, nil
}
