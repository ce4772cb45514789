package pool

import (
	"context"
	"encoding/json"
	"fmt"
)

// Store is a named byte-level mapping. Implementations must be safe for
// concurrent use; networked implementations are also safe across processes,
// though read-modify-write sequences built on top of them are not atomic.
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys returns all keys in ascending order.
	Keys(ctx context.Context) ([]string, error)
	// Items returns a snapshot of all entries.
	Items(ctx context.Context) (map[string][]byte, error)
}

// Pool is a typed view over a Store. Values are encoded as JSON so nested
// maps and slices round-trip through any backend.
type Pool[V any] struct {
	store Store
}

// New returns a typed pool over store.
func New[V any](store Store) *Pool[V] {
	return &Pool[V]{store: store}
}

// Get returns the decoded value for key and whether it exists.
func (p *Pool[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var v V
	raw, ok, err := p.store.Get(ctx, key)
	if err != nil || !ok {
		return v, false, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("%w: key %q: %v", ErrDecodeItem, key, err)
	}
	return v, true, nil
}

// Has reports whether key exists.
func (p *Pool[V]) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := p.store.Get(ctx, key)
	return ok, err
}

// Set encodes v and stores it under key.
func (p *Pool[V]) Set(ctx context.Context, key string, v V) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("pool: encode %q: %w", key, err)
	}
	return p.store.Set(ctx, key, raw)
}

// Delete removes key.
func (p *Pool[V]) Delete(ctx context.Context, key string) error {
	return p.store.Delete(ctx, key)
}

// Keys returns all keys in ascending order.
func (p *Pool[V]) Keys(ctx context.Context) ([]string, error) {
	return p.store.Keys(ctx)
}

// Items returns all decoded entries.
func (p *Pool[V]) Items(ctx context.Context) (map[string]V, error) {
	raw, err := p.store.Items(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]V, len(raw))
	for k, b := range raw {
		var v V
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", ErrDecodeItem, k, err)
		}
		out[k] = v
	}
	return out, nil
}
