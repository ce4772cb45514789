package pool

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"

	"github.com/nats-io/nats.go/jetstream"
)

// keyEncoding maps arbitrary keys onto the subject-safe alphabet JetStream KV
// accepts. Connection and model ids may contain '/', ':' or spaces.
var keyEncoding = base64.RawURLEncoding

// KVStore keeps one pool in a JetStream key-value bucket.
type KVStore struct {
	kv jetstream.KeyValue
}

// Compile-time interface check.
var _ Store = (*KVStore)(nil)

// NewKVStore opens (creating if needed) the bucket and returns a Store over it.
func NewKVStore(ctx context.Context, js jetstream.JetStream, bucket string) (*KVStore, error) {
	if bucket == "" {
		return nil, ErrEmptyName
	}
	kv, err := OpenBucket(ctx, js, jetstream.KeyValueConfig{Bucket: bucket, History: 1})
	if err != nil {
		return nil, err
	}
	return &KVStore{kv: kv}, nil
}

// OpenBucket creates a KV bucket, or binds to it when it already exists.
func OpenBucket(ctx context.Context, js jetstream.JetStream, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	kv, err := js.CreateKeyValue(ctx, cfg)
	if errors.Is(err, jetstream.ErrBucketExists) {
		kv, err = js.KeyValue(ctx, cfg.Bucket)
	}
	if err != nil {
		return nil, fmt.Errorf("pool: kv bucket %s: %w", cfg.Bucket, err)
	}
	return kv, nil
}

// Get implements Store.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := s.kv.Get(ctx, encodeKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pool: kv get %s: %w", s.kv.Bucket(), err)
	}
	return entry.Value(), true, nil
}

// Set implements Store.
func (s *KVStore) Set(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	if _, err := s.kv.Put(ctx, encodeKey(key), value); err != nil {
		return fmt.Errorf("pool: kv put %s: %w", s.kv.Bucket(), err)
	}
	return nil
}

// Delete implements Store.
func (s *KVStore) Delete(ctx context.Context, key string) error {
	err := s.kv.Delete(ctx, encodeKey(key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("pool: kv delete %s: %w", s.kv.Bucket(), err)
	}
	return nil
}

// Keys implements Store.
func (s *KVStore) Keys(ctx context.Context) ([]string, error) {
	encoded, err := s.kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pool: kv keys %s: %w", s.kv.Bucket(), err)
	}
	keys := make([]string, 0, len(encoded))
	for _, k := range encoded {
		key, err := decodeKey(k)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys, nil
}

// Items implements Store. The snapshot is assembled key by key, so entries
// written concurrently may or may not be included.
func (s *KVStore) Items(ctx context.Context) (map[string][]byte, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, ok, err := s.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

func encodeKey(key string) string {
	return keyEncoding.EncodeToString([]byte(key))
}

func decodeKey(encoded string) (string, error) {
	b, err := keyEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
