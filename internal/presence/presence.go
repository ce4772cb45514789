// Package presence tracks which users are online and through which
// connections. It owns the session pool (connection → identity) and the user
// pool (user → connections).
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/flemzord/pulse/internal/metrics"
	"github.com/flemzord/pulse/internal/pool"
	"github.com/flemzord/pulse/pkg/identity"
)

// EventUserList is the outbound event carrying the online user ids.
const EventUserList = "user-list"

// Sentinel errors for the presence package.
var (
	ErrEmptyConnection = errors.New("presence: connection id must not be empty")
	ErrInvalidIdentity = errors.New("presence: identity has no user id")
)

// Broadcaster emits an event to every connection in the cluster.
type Broadcaster interface {
	Emit(ctx context.Context, event string, data any) error
}

// UsageBroadcaster re-emits the in-use model list.
type UsageBroadcaster interface {
	BroadcastActiveModels(ctx context.Context) error
}

// RoomLister resolves the connections currently in a room.
type RoomLister interface {
	Participants(room string) []string
}

// UserListPayload is the body of the user-list event.
type UserListPayload struct {
	UserIDs []string `json:"user_ids"`
}

// Config wires a Registry. Sessions and Users are required; the rest may be
// nil.
type Config struct {
	Sessions pool.Store
	Users    pool.Store
	Out      Broadcaster
	Usage    UsageBroadcaster
	Rooms    RoomLister
	Logger   *slog.Logger
}

// Registry binds connections to identities.
type Registry struct {
	sessions *pool.Pool[identity.Identity]
	users    *pool.Pool[[]string]
	out      Broadcaster
	usage    UsageBroadcaster
	rooms    RoomLister
	logger   *slog.Logger

	// mu serializes read-modify-write cycles issued by this instance. Two
	// instances updating the same user concurrently can still race.
	mu sync.Mutex
}

// NewRegistry returns a Registry over the configured pools.
func NewRegistry(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: pool.New[identity.Identity](cfg.Sessions),
		users:    pool.New[[]string](cfg.Users),
		out:      cfg.Out,
		usage:    cfg.Usage,
		rooms:    cfg.Rooms,
		logger:   logger,
	}
}

// SetRooms sets the room resolver used by ParticipantsOf.
func (r *Registry) SetRooms(rooms RoomLister) { r.rooms = rooms }

// Bind records that conn is authenticated as id, then broadcasts the online
// user list and the in-use model list. Binding the same connection again is
// a no-op apart from the broadcasts.
func (r *Registry) Bind(ctx context.Context, conn string, id identity.Identity) error {
	if conn == "" {
		return ErrEmptyConnection
	}
	if !id.Valid() {
		return ErrInvalidIdentity
	}

	if err := r.bind(ctx, conn, id); err != nil {
		return err
	}
	r.logger.Debug("presence: bound", "conn", conn, "user", id.ID)

	r.broadcast(ctx)
	if r.usage != nil {
		if err := r.usage.BroadcastActiveModels(ctx); err != nil {
			r.logger.Warn("presence: usage broadcast failed", "error", err)
		}
	}
	return nil
}

func (r *Registry) bind(ctx context.Context, conn string, id identity.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// A connection re-authenticating as someone else leaves its old user.
	prev, ok, err := r.sessions.Get(ctx, conn)
	if err != nil {
		return fmt.Errorf("presence: bind %s: %w", conn, err)
	}
	if ok && prev.ID != id.ID {
		if err := r.removeConn(ctx, prev.ID, conn); err != nil {
			return err
		}
	}

	if err := r.sessions.Set(ctx, conn, id); err != nil {
		return fmt.Errorf("presence: bind %s: %w", conn, err)
	}
	conns, _, err := r.users.Get(ctx, id.ID)
	if err != nil {
		return fmt.Errorf("presence: bind %s: %w", conn, err)
	}
	if !slices.Contains(conns, conn) {
		if err := r.users.Set(ctx, id.ID, append(conns, conn)); err != nil {
			return fmt.Errorf("presence: bind %s: %w", conn, err)
		}
	}
	return nil
}

// Unbind forgets conn. Unbinding a connection that was never bound, or was
// already unbound, does nothing: a transport disconnect may race with
// application bookkeeping.
func (r *Registry) Unbind(ctx context.Context, conn string) error {
	removed, err := r.unbind(ctx, conn)
	if err != nil || !removed {
		return err
	}
	r.logger.Debug("presence: unbound", "conn", conn)
	r.broadcast(ctx)
	return nil
}

func (r *Registry) unbind(ctx context.Context, conn string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok, err := r.sessions.Get(ctx, conn)
	if err != nil {
		return false, fmt.Errorf("presence: unbind %s: %w", conn, err)
	}
	if !ok {
		return false, nil
	}
	if err := r.sessions.Delete(ctx, conn); err != nil {
		return false, fmt.Errorf("presence: unbind %s: %w", conn, err)
	}
	return true, r.removeConn(ctx, id.ID, conn)
}

// removeConn drops conn from user's set, deleting the user once the set is
// empty. Callers hold mu.
func (r *Registry) removeConn(ctx context.Context, user, conn string) error {
	conns, ok, err := r.users.Get(ctx, user)
	if err != nil {
		return fmt.Errorf("presence: user %s: %w", user, err)
	}
	if !ok {
		return nil
	}
	conns = slices.DeleteFunc(conns, func(c string) bool { return c == conn })
	if len(conns) == 0 {
		err = r.users.Delete(ctx, user)
	} else {
		err = r.users.Set(ctx, user, conns)
	}
	if err != nil {
		return fmt.Errorf("presence: user %s: %w", user, err)
	}
	return nil
}

// IsOnline reports whether user has at least one bound connection.
func (r *Registry) IsOnline(ctx context.Context, user string) (bool, error) {
	return r.users.Has(ctx, user)
}

// ConnectionsOf returns the connections bound to user, or an empty slice.
func (r *Registry) ConnectionsOf(ctx context.Context, user string) ([]string, error) {
	conns, _, err := r.users.Get(ctx, user)
	if err != nil {
		return nil, err
	}
	if conns == nil {
		conns = []string{}
	}
	return conns, nil
}

// OnlineUsers returns the ids of every online user, sorted.
func (r *Registry) OnlineUsers(ctx context.Context) ([]string, error) {
	return r.users.Keys(ctx)
}

// IdentityOf returns the identity bound to conn.
func (r *Registry) IdentityOf(ctx context.Context, conn string) (identity.Identity, bool, error) {
	return r.sessions.Get(ctx, conn)
}

// ParticipantsOf returns the distinct user ids behind the connections in
// room, sorted. Connections that are not bound are skipped.
func (r *Registry) ParticipantsOf(ctx context.Context, room string) ([]string, error) {
	if r.rooms == nil {
		return []string{}, nil
	}
	seen := make(map[string]struct{})
	users := []string{}
	for _, conn := range r.rooms.Participants(room) {
		id, ok, err := r.sessions.Get(ctx, conn)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if _, dup := seen[id.ID]; dup {
			continue
		}
		seen[id.ID] = struct{}{}
		users = append(users, id.ID)
	}
	slices.Sort(users)
	return users, nil
}

// UserList returns the payload of the user-list event.
func (r *Registry) UserList(ctx context.Context) (UserListPayload, error) {
	ids, err := r.OnlineUsers(ctx)
	if err != nil {
		return UserListPayload{}, err
	}
	metrics.OnlineUsers.Set(float64(len(ids)))
	return UserListPayload{UserIDs: ids}, nil
}

// BroadcastUserList emits the online user list to every connection.
func (r *Registry) BroadcastUserList(ctx context.Context) error {
	payload, err := r.UserList(ctx)
	if err != nil {
		return err
	}
	if r.out == nil {
		return nil
	}
	return r.out.Emit(ctx, EventUserList, payload)
}

// broadcast is BroadcastUserList for callers that must not fail on it.
func (r *Registry) broadcast(ctx context.Context) {
	if err := r.BroadcastUserList(ctx); err != nil {
		r.logger.Warn("presence: user-list broadcast failed", "error", err)
	}
}
