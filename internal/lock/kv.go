package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

// KVLock is a lock over a JetStream key-value bucket whose TTL is the lock
// TTL. Ownership is tracked by revision: every successful write is followed
// by optimistic updates against the revision we last wrote.
type KVLock struct {
	kv    jetstream.KeyValue
	key   string
	token []byte

	mu  sync.Mutex
	rev uint64
}

// Compile-time interface check.
var _ Lock = (*KVLock)(nil)

// NewKVLock binds a lock to kv. The bucket must have been created with the
// lock TTL; entries older than that expire on their own.
func NewKVLock(kv jetstream.KeyValue, key string) (*KVLock, error) {
	if key == "" {
		return nil, ErrEmptyName
	}
	return &KVLock{kv: kv, key: key, token: []byte(uuid.NewString())}, nil
}

// BucketConfig returns the bucket configuration a lock with ttl requires.
func BucketConfig(bucket string, ttl time.Duration) (jetstream.KeyValueConfig, error) {
	if err := checkArgs(bucket, ttl); err != nil {
		return jetstream.KeyValueConfig{}, err
	}
	return jetstream.KeyValueConfig{Bucket: bucket, TTL: ttl, History: 1}, nil
}

// Acquire implements Lock.
func (l *KVLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rev, err := l.kv.Create(ctx, l.key, l.token)
	if err == nil {
		l.rev = rev
		return true, nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return false, fmt.Errorf("lock: acquire %s: %w", l.key, err)
	}

	entry, err := l.kv.Get(ctx, l.key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock: acquire %s: %w", l.key, err)
	}
	if string(entry.Value()) != string(l.token) {
		return false, nil
	}
	l.rev = entry.Revision()
	return true, nil
}

// Renew implements Lock.
func (l *KVLock) Renew(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rev == 0 {
		return false, nil
	}
	rev, err := l.kv.Update(ctx, l.key, l.token, l.rev)
	if err != nil {
		if isLost(err) {
			l.rev = 0
			return false, nil
		}
		return false, fmt.Errorf("lock: renew %s: %w", l.key, err)
	}
	l.rev = rev
	return true, nil
}

// Release implements Lock.
func (l *KVLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rev == 0 {
		return nil
	}
	err := l.kv.Delete(ctx, l.key, jetstream.LastRevision(l.rev))
	l.rev = 0
	if err != nil && !isLost(err) {
		return fmt.Errorf("lock: release %s: %w", l.key, err)
	}
	return nil
}

// isLost reports whether err means another writer owns the key now, or the
// entry expired.
func isLost(err error) bool {
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
