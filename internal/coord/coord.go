// Package coord resolves the coordination backend once at startup. Every
// component that needs shared state, the maintenance lock or the cluster bus
// gets it from the Backend returned by Open, never from configuration.
package coord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/flemzord/pulse/internal/cluster"
	"github.com/flemzord/pulse/internal/config"
	"github.com/flemzord/pulse/internal/lock"
	"github.com/flemzord/pulse/internal/metrics"
	"github.com/flemzord/pulse/internal/pool"
)

// Backend is the resolved coordination strategy.
type Backend struct {
	kind     string
	degraded bool
	node     string
	prefix   string
	logger   *slog.Logger

	redis redis.UniversalClient
	nc    *nats.Conn
	js    jetstream.JetStream
	bus   cluster.Bus
}

// Open connects to the configured backend. When a networked backend cannot be
// reached the returned Backend is local and Degraded reports true; Open only
// fails on a context cancellation.
func Open(ctx context.Context, cfg config.CoordinationConfig, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "pulse"
	}
	b := &Backend{
		kind:   config.ManagerLocal,
		node:   uuid.NewString(),
		prefix: prefix,
		logger: logger,
		bus:    cluster.Local{},
	}

	if !cfg.Networked() {
		logger.Info("coordination: using in-process pools", "node", b.node)
		return b, nil
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var err error
	switch cfg.Manager {
	case config.ManagerRedis:
		err = b.openRedis(ctx, cfg.URL, timeout)
	case config.ManagerNATS:
		err = b.openNATS(ctx, cfg.URL, timeout)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		metrics.CoordinationFallbacks.Inc()
		logger.Warn("coordination: backend unreachable, falling back to in-process pools; instances will not share state",
			"manager", cfg.Manager, "error", err)
		b.kind = config.ManagerLocal
		b.degraded = true
		return b, nil
	}

	b.kind = cfg.Manager
	logger.Info("coordination: connected", "manager", b.kind, "node", b.node)
	return b, nil
}

// connectRetry bounds how long startup waits for the backend.
func connectRetry(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	return backoff.WithContext(backoff.WithMaxRetries(eb, 2), ctx)
}

func (b *Backend) openRedis(ctx context.Context, rawURL string, timeout time.Duration) error {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return fmt.Errorf("coord: redis url: %w", err)
	}
	opts.DialTimeout = timeout
	client := redis.NewClient(opts)

	ping := func() error {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return client.Ping(pctx).Err()
	}
	if err := backoff.Retry(ping, connectRetry(ctx)); err != nil {
		_ = client.Close()
		return fmt.Errorf("coord: redis ping: %w", err)
	}

	b.redis = client
	b.bus = cluster.NewRedisBus(client, b.prefix+":events", b.node, b.logger)
	return nil
}

func (b *Backend) openNATS(ctx context.Context, url string, timeout time.Duration) error {
	var nc *nats.Conn
	connect := func() error {
		var err error
		nc, err = nats.Connect(url, nats.Name("pulse-"+b.node), nats.Timeout(timeout))
		return err
	}
	if err := backoff.Retry(connect, connectRetry(ctx)); err != nil {
		return fmt.Errorf("coord: nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("coord: jetstream: %w", err)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := js.AccountInfo(actx); err != nil {
		nc.Close()
		return fmt.Errorf("coord: jetstream unavailable: %w", err)
	}

	b.nc = nc
	b.js = js
	b.bus = cluster.NewNATSBus(nc, b.prefix+".events", b.node, b.logger)
	return nil
}

// Kind returns the active manager: local, redis or nats.
func (b *Backend) Kind() string { return b.kind }

// Degraded reports whether a networked backend was configured but unreachable.
func (b *Backend) Degraded() bool { return b.degraded }

// Node returns this instance's id on the cluster bus.
func (b *Backend) Node() string { return b.node }

// Bus returns the cluster bus.
func (b *Backend) Bus() cluster.Bus { return b.bus }

// Store returns the shared store backing the named pool.
func (b *Backend) Store(ctx context.Context, name string) (pool.Store, error) {
	if name == "" {
		return nil, pool.ErrEmptyName
	}
	switch {
	case b.redis != nil:
		return pool.NewRedisStore(b.redis, b.prefix+":"+name)
	case b.js != nil:
		return pool.NewKVStore(ctx, b.js, bucketName(b.prefix, name))
	}
	return pool.NewMemoryStore(), nil
}

// Lock returns the named lock. Without a networked backend the lock is a no-op.
func (b *Backend) Lock(ctx context.Context, name string, ttl time.Duration) (lock.Lock, error) {
	switch {
	case b.redis != nil:
		return lock.NewRedisLock(b.redis, b.prefix+":"+name, ttl)
	case b.js != nil:
		cfg, err := lock.BucketConfig(bucketName(b.prefix, "lock_"+name), ttl)
		if err != nil {
			return nil, err
		}
		kv, err := pool.OpenBucket(ctx, b.js, cfg)
		if err != nil {
			return nil, err
		}
		return lock.NewKVLock(kv, "holder")
	}
	return lock.Noop{}, nil
}

// Close releases the bus and the backend connection.
func (b *Backend) Close() error {
	var errs []error
	if err := b.bus.Close(); err != nil {
		errs = append(errs, err)
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.nc != nil {
		if err := b.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// bucketName maps a pool name onto the characters a JetStream bucket allows.
func bucketName(prefix, name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, prefix+"_"+name)
}
