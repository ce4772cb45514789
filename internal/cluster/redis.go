package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-redis/redis/v8"
)

// RedisBus fans messages out over a Redis pub/sub channel.
type RedisBus struct {
	client  redis.UniversalClient
	channel string
	node    string
	logger  *slog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// Compile-time interface check.
var _ Bus = (*RedisBus)(nil)

// NewRedisBus returns a bus on channel for node.
func NewRedisBus(client redis.UniversalClient, channel, node string, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: client, channel: channel, node: node, logger: logger}
}

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	msg.Node = b.node
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("cluster: encode: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("cluster: publish %s: %w", b.channel, err)
	}
	return nil
}

// Subscribe implements Bus. It returns once the subscription is confirmed;
// delivery continues in the background until Close.
func (b *RedisBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return fmt.Errorf("cluster: already subscribed to %s", b.channel)
	}

	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("cluster: subscribe %s: %w", b.channel, err)
	}
	b.pubsub = ps
	b.done = make(chan struct{})

	go func(ch <-chan *redis.Message, done chan struct{}) {
		defer close(done)
		for m := range ch {
			b.deliver([]byte(m.Payload), h)
		}
	}(ps.Channel(), b.done)
	return nil
}

func (b *RedisBus) deliver(payload []byte, h Handler) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		b.logger.Warn("cluster: dropping malformed message", "channel", b.channel, "error", err)
		return
	}
	if msg.Node == b.node {
		return
	}
	h(msg)
}

// Close implements Bus.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	ps, done := b.pubsub, b.done
	b.pubsub = nil
	b.mu.Unlock()

	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}
