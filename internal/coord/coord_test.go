package coord

import (
	"context"
	"testing"
	"time"

	"github.com/flemzord/pulse/internal/config"
	"github.com/flemzord/pulse/internal/coord/coordtest"
	"github.com/flemzord/pulse/internal/lock"
	"github.com/flemzord/pulse/internal/pool"
)

func TestOpen_Local(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b, err := Open(ctx, config.CoordinationConfig{Manager: config.ManagerLocal}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	if b.Kind() != config.ManagerLocal || b.Degraded() {
		t.Errorf("Kind = %q, Degraded = %v", b.Kind(), b.Degraded())
	}
	if b.Node() == "" {
		t.Error("node id should be set")
	}

	s, err := b.Store(ctx, "session_pool")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, ok := s.(*pool.MemoryStore); !ok {
		t.Errorf("Store = %T, want *pool.MemoryStore", s)
	}
	l, err := b.Lock(ctx, "usage_cleanup_lock", 6*time.Second)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if _, ok := l.(lock.Noop); !ok {
		t.Errorf("Lock = %T, want lock.Noop", l)
	}
}

func TestOpen_Redis(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr, _ := coordtest.Redis(t)

	b, err := Open(ctx, config.CoordinationConfig{
		Manager: config.ManagerRedis,
		URL:     "redis://" + mr.Addr() + "/0",
		Prefix:  "chat-prod",
	}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	if b.Kind() != config.ManagerRedis || b.Degraded() {
		t.Fatalf("Kind = %q, Degraded = %v", b.Kind(), b.Degraded())
	}

	s, err := b.Store(ctx, "user_pool")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := s.Set(ctx, "u1", []byte(`["sid-1"]`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := mr.HGet("chat-prod:user_pool", "u1"); got != `["sid-1"]` {
		t.Errorf("hash field = %q", got)
	}

	l, err := b.Lock(ctx, "usage_cleanup_lock", 6*time.Second)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if ok, err := l.Acquire(ctx); !ok || err != nil {
		t.Fatalf("Acquire = %v, %v", ok, err)
	}
	if !mr.Exists("chat-prod:usage_cleanup_lock") {
		t.Error("lock key not written")
	}
}

func TestOpen_FallsBackWhenUnreachable(t *testing.T) {
	t.Parallel()
	mr, _ := coordtest.Redis(t)
	addr := mr.Addr()
	mr.Close()

	b, err := Open(context.Background(), config.CoordinationConfig{
		Manager:        config.ManagerRedis,
		URL:            "redis://" + addr,
		ConnectTimeout: 200 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("Open should fall back, got %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	if !b.Degraded() || b.Kind() != config.ManagerLocal {
		t.Errorf("Kind = %q, Degraded = %v; want local, true", b.Kind(), b.Degraded())
	}
	l, _ := b.Lock(context.Background(), "x", time.Second)
	if _, ok := l.(lock.Noop); !ok {
		t.Errorf("degraded lock = %T, want lock.Noop", l)
	}
}

func TestOpen_CancelledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Open(ctx, config.CoordinationConfig{Manager: config.ManagerRedis, URL: "redis://127.0.0.1:1"}, nil)
	if err == nil {
		t.Fatal("expected context error")
	}
}

func TestOpen_NATS(t *testing.T) {
	t.Parallel()
	ns := coordtest.NATSServer(t)
	ctx := coordtest.Context(t)

	b, err := Open(ctx, config.CoordinationConfig{Manager: config.ManagerNATS, URL: ns.ClientURL(), Prefix: "pulse"}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	if b.Kind() != config.ManagerNATS || b.Degraded() {
		t.Fatalf("Kind = %q, Degraded = %v", b.Kind(), b.Degraded())
	}

	s, err := b.Store(ctx, "usage_pool")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, ok := s.(*pool.KVStore); !ok {
		t.Errorf("Store = %T, want *pool.KVStore", s)
	}

	l, err := b.Lock(ctx, "usage_cleanup_lock", 6*time.Second)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if ok, err := l.Acquire(ctx); !ok || err != nil {
		t.Fatalf("Acquire = %v, %v", ok, err)
	}
}

func TestBucketName(t *testing.T) {
	t.Parallel()
	if got := bucketName("chat.prod", "lock_usage:cleanup"); got != "chat_prod_lock_usage_cleanup" {
		t.Errorf("bucketName = %q", got)
	}
}
