package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// Sink writes frames to one client. Implementations need not be safe for
// concurrent use; Conn serializes calls.
type Sink interface {
	Send(ctx context.Context, env Envelope) error
	Close(reason string) error
}

// Conn is one live connection on this instance.
type Conn struct {
	ID          string
	ConnectedAt time.Time

	// wmu serializes writes so a connection sees frames in issue order.
	wmu  sync.Mutex
	sink Sink

	mu      sync.Mutex
	pending map[string]chan json.RawMessage
	rooms   map[string]struct{}
	closed  bool
}

func newConn(id string, sink Sink) *Conn {
	return &Conn{
		ID:          id,
		ConnectedAt: time.Now(),
		sink:        sink,
		pending:     make(map[string]chan json.RawMessage),
		rooms:       make(map[string]struct{}),
	}
}

func (c *Conn) send(ctx context.Context, env Envelope) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConnectionClosed
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.sink.Send(ctx, env); err != nil {
		return fmt.Errorf("transport: write to %s: %w", c.ID, err)
	}
	return nil
}

// call sends event and waits for the client's ack. There is no timeout
// beyond ctx.
func (c *Conn) call(ctx context.Context, event string, data json.RawMessage) (json.RawMessage, error) {
	id, err := generateCorrelationID()
	if err != nil {
		return nil, err
	}

	ch := make(chan json.RawMessage, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	env := Envelope{Type: MsgEvent, Event: event, ID: id, Data: data, Timestamp: time.Now()}
	if err := c.send(ctx, env); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve hands an ack to the waiting call, if any. Late and duplicate acks
// are dropped.
func (c *Conn) resolve(id string, data json.RawMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[id]
	if !ok {
		return false
	}
	select {
	case ch <- data:
	default:
	}
	return true
}

// shutdown fails pending calls and returns the rooms the connection was in.
func (c *Conn) shutdown() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	rooms := slices.Collect(maps.Keys(c.rooms))
	clear(c.rooms)
	return rooms
}

// ConnStore is a concurrent-safe set of the connections on this instance.
type ConnStore struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewConnStore creates an empty ConnStore.
func NewConnStore() *ConnStore {
	return &ConnStore{conns: make(map[string]*Conn)}
}

// Add registers a connection.
func (s *ConnStore) Add(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.ID] = c
}

// Get returns the connection with the given id.
func (s *ConnStore) Get(id string) (*Conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[id]
	return c, ok
}

// Remove deletes a connection and reports whether it was present.
func (s *ConnStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[id]
	delete(s.conns, id)
	return ok
}

// Len returns the number of connections.
func (s *ConnStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Snapshot returns the current connections.
func (s *ConnStore) Snapshot() []*Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Collect(maps.Values(s.conns))
}

func generateCorrelationID() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
