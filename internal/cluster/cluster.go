// Package cluster relays transport emissions between server instances. An
// instance that emits to "all connections" or to a room only reaches its own
// sockets directly; the bus carries the same emission to every peer. Calls to
// a connection owned by a peer travel the same way, with the ack published
// back to the calling node.
package cluster

import (
	"context"
	"encoding/json"
)

// Scope selects which connections on a receiving node a Message targets.
type Scope string

// Message scopes.
const (
	ScopeAll  Scope = "all"
	ScopeRoom Scope = "room"
	ScopeConn Scope = "conn"

	// ScopeCall asks the owner of connection Target to forward the event
	// and wait for its ack. ID correlates the reply.
	ScopeCall Scope = "call"
	// ScopeReply carries a call's outcome to node Target.
	ScopeReply Scope = "reply"
	// ScopeCancel abandons call ID; the owner stops waiting for the ack.
	ScopeCancel Scope = "cancel"
)

// Message is one emission travelling between nodes.
type Message struct {
	Node   string          `json:"node"`
	Scope  Scope           `json:"scope"`
	Target string          `json:"target,omitempty"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
	ID     string          `json:"id,omitempty"`
	// Error is set on a reply whose call failed on the owning node.
	Error string `json:"error,omitempty"`
}

// Handler receives messages published by other nodes.
type Handler func(Message)

// Bus publishes messages to peers and delivers theirs to a Handler.
// Messages a node publishes are never delivered back to that node.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// Local is the bus of a single-instance deployment: there are no peers.
type Local struct{}

// Compile-time interface check.
var _ Bus = Local{}

// Publish implements Bus.
func (Local) Publish(context.Context, Message) error { return nil }

// Subscribe implements Bus.
func (Local) Subscribe(context.Context, Handler) error { return nil }

// Close implements Bus.
func (Local) Close() error { return nil }
