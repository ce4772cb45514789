package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATSBus fans messages out over a core NATS subject.
type NATSBus struct {
	nc      *nats.Conn
	subject string
	node    string
	logger  *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// Compile-time interface check.
var _ Bus = (*NATSBus)(nil)

// NewNATSBus returns a bus on subject for node.
func NewNATSBus(nc *nats.Conn, subject, node string, logger *slog.Logger) *NATSBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSBus{nc: nc, subject: subject, node: node, logger: logger}
}

// Publish implements Bus.
func (b *NATSBus) Publish(_ context.Context, msg Message) error {
	msg.Node = b.node
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("cluster: encode: %w", err)
	}
	if err := b.nc.Publish(b.subject, payload); err != nil {
		return fmt.Errorf("cluster: publish %s: %w", b.subject, err)
	}
	return nil
}

// Subscribe implements Bus.
func (b *NATSBus) Subscribe(_ context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return fmt.Errorf("cluster: already subscribed to %s", b.subject)
	}

	sub, err := b.nc.Subscribe(b.subject, func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.logger.Warn("cluster: dropping malformed message", "subject", b.subject, "error", err)
			return
		}
		if msg.Node == b.node {
			return
		}
		h(msg)
	})
	if err != nil {
		return fmt.Errorf("cluster: subscribe %s: %w", b.subject, err)
	}
	// Make sure the server knows about the subscription before returning,
	// otherwise an immediate publish from a peer can be missed.
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("cluster: subscribe %s: %w", b.subject, err)
	}
	b.sub = sub
	return nil
}

// Close implements Bus.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub == nil {
		return nil
	}
	err := b.sub.Unsubscribe()
	b.sub = nil
	return err
}
