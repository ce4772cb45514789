package transport

import (
	"encoding/json"
	"time"
)

// MessageType identifies the kind of frame on a connection.
type MessageType string

// Frame types exchanged with clients.
const (
	// MsgOpen is the first frame on every connection and carries its id.
	MsgOpen MessageType = "open"
	// MsgEvent carries a named event. A non-empty ID asks for an ack.
	MsgEvent MessageType = "event"
	// MsgAck answers the event with the same ID.
	MsgAck MessageType = "ack"
	// MsgError answers the event with the same ID when its handler failed.
	MsgError MessageType = "error"
)

// Envelope is the wire format for all frames.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Event     string          `json:"event,omitempty"`
	ID        string          `json:"id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorPayload is the data of a MsgError frame.
type ErrorPayload struct {
	Message string `json:"message"`
}
