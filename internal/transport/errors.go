// Package transport is the bidirectional message transport: live
// connections, rooms, emit and request/response correlation, served over a
// websocket or, when websockets are disabled, an SSE stream plus POSTs.
package transport

import "errors"

// MaxPayloadBytes bounds the data of one inbound event.
const MaxPayloadBytes = 1 << 20

// Sentinel errors for the transport package.
var (
	ErrConnectionNotFound = errors.New("transport: connection not found on this instance")
	ErrConnectionClosed   = errors.New("transport: connection closed")
	ErrEmptyEvent         = errors.New("transport: event name must not be empty")
)
