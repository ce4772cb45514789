package gateway

import (
	"context"
	"encoding/json"

	"github.com/flemzord/pulse/internal/dispatch"
	"github.com/flemzord/pulse/pkg/identity"
)

// Service names the gateway resolves at Start.
const (
	ServiceHub       = "realtime.hub"
	ServiceEndpoints = "realtime.endpoints"
	ServiceBackend   = "realtime.backend"
	ServicePresence  = "realtime.presence"
	ServiceUsage     = "realtime.usage"
	ServiceDispatch  = "realtime.dispatch"
	ServiceDirectory = "store.admin"
	ServiceRedactor  = "security.redactor"
)

// Backend describes the coordination backend.
type Backend interface {
	Kind() string
	Degraded() bool
	Node() string
}

// Presence answers who is online.
type Presence interface {
	OnlineUsers(ctx context.Context) ([]string, error)
	ConnectionsOf(ctx context.Context, userID string) ([]string, error)
	ParticipantsOf(ctx context.Context, room string) ([]string, error)
}

// Usage lists the models in use.
type Usage interface {
	ActiveModels(ctx context.Context) ([]string, error)
}

// Dispatcher delivers chat events to a user's connections.
type Dispatcher interface {
	EmitToUser(ctx context.Context, req dispatch.Request, ev dispatch.Event) error
	CallUser(ctx context.Context, req dispatch.Request, ev dispatch.Event) (json.RawMessage, error)
}

// Directory is the writable user and membership store.
type Directory interface {
	UpsertUser(ctx context.Context, u identity.Identity) error
	AddMember(ctx context.Context, channelID, userID string) error
	RemoveMember(ctx context.Context, channelID, userID string) error
}
