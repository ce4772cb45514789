package pool_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/flemzord/pulse/internal/coord/coordtest"
	"github.com/flemzord/pulse/internal/pool"
)

type usageEntry struct {
	UpdatedAt int64 `json:"updated_at"`
}

// exerciseStore runs the Store contract against a fresh backend.
func exerciseStore(t *testing.T, store pool.Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get missing = ok %v, err %v; want false, nil", ok, err)
	}

	for _, k := range []string{"sid-b", "sid/a:1", "sid c"} {
		if err := store.Set(ctx, k, []byte(`"`+k+`"`)); err != nil {
			t.Fatalf("Set %q: %v", k, err)
		}
	}
	if err := store.Set(ctx, "", []byte("x")); !errors.Is(err, pool.ErrEmptyKey) {
		t.Errorf("Set empty key err = %v, want ErrEmptyKey", err)
	}

	got, ok, err := store.Get(ctx, "sid/a:1")
	if err != nil || !ok || string(got) != `"sid/a:1"` {
		t.Fatalf("Get = %q, %v, %v", got, ok, err)
	}

	keys, err := store.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if want := []string{"sid c", "sid-b", "sid/a:1"}; !slices.Equal(keys, want) {
		t.Errorf("Keys = %v, want %v", keys, want)
	}

	if err := store.Delete(ctx, "sid-b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, "sid-b"); err != nil {
		t.Errorf("second Delete should be a no-op, got %v", err)
	}

	items, err := store.Items(ctx)
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("Items = %d entries, want 2", len(items))
	}
	if _, ok := items["sid-b"]; ok {
		t.Error("deleted key still present in Items")
	}
}

// exerciseTypedPool checks nested values survive a round trip.
func exerciseTypedPool(t *testing.T, store pool.Store) {
	t.Helper()
	ctx := context.Background()
	p := pool.New[map[string]usageEntry](store)

	want := map[string]usageEntry{"conn-1": {UpdatedAt: 100}, "conn-2": {UpdatedAt: 103}}
	if err := p.Set(ctx, "gpt-4o", want); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok, err := p.Get(ctx, "gpt-4o")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if len(got) != 2 || got["conn-2"].UpdatedAt != 103 {
		t.Errorf("Get = %+v, want %+v", got, want)
	}

	has, err := p.Has(ctx, "gpt-4o")
	if err != nil || !has {
		t.Errorf("Has = %v, %v", has, err)
	}

	all, err := p.Items(ctx)
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if all["gpt-4o"]["conn-1"].UpdatedAt != 100 {
		t.Errorf("Items = %+v", all)
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	exerciseStore(t, pool.NewMemoryStore())
	exerciseTypedPool(t, pool.NewMemoryStore())
}

func TestMemoryStore_CopiesValues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := pool.NewMemoryStore()

	buf := []byte("abc")
	_ = s.Set(ctx, "k", buf)
	buf[0] = 'z'

	got, _, _ := s.Get(ctx, "k")
	if string(got) != "abc" {
		t.Errorf("stored value changed through caller slice: %q", got)
	}
	got[1] = 'z'
	again, _, _ := s.Get(ctx, "k")
	if string(again) != "abc" {
		t.Errorf("stored value changed through returned slice: %q", again)
	}
}

func TestPool_DecodeError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := pool.NewMemoryStore()
	_ = s.Set(ctx, "u1", []byte("not json"))

	p := pool.New[[]string](s)
	if _, _, err := p.Get(ctx, "u1"); !errors.Is(err, pool.ErrDecodeItem) {
		t.Errorf("err = %v, want ErrDecodeItem", err)
	}
	if _, err := p.Items(ctx); !errors.Is(err, pool.ErrDecodeItem) {
		t.Errorf("Items err = %v, want ErrDecodeItem", err)
	}
}

func TestRedisStore(t *testing.T) {
	t.Parallel()
	mr, client := coordtest.Redis(t)

	s, err := pool.NewRedisStore(client, "pulse:session_pool")
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	exerciseStore(t, s)

	if !mr.Exists("pulse:session_pool") {
		t.Error("pool should live in a single hash")
	}

	typed, _ := pool.NewRedisStore(client, "pulse:usage_pool")
	exerciseTypedPool(t, typed)
}

func TestRedisStore_SharedBetweenClients(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, client := coordtest.Redis(t)

	a, _ := pool.NewRedisStore(client, "pulse:user_pool")
	b, _ := pool.NewRedisStore(client, "pulse:user_pool")

	ids := pool.New[[]string](a)
	if err := ids.Set(ctx, "u1", []string{"sid-1", "sid-2"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := pool.New[[]string](b).Get(ctx, "u1")
	if err != nil || !ok || !slices.Equal(got, []string{"sid-1", "sid-2"}) {
		t.Errorf("Get through second store = %v, %v, %v", got, ok, err)
	}
}

func TestRedisStore_EmptyName(t *testing.T) {
	t.Parallel()
	_, client := coordtest.Redis(t)
	if _, err := pool.NewRedisStore(client, ""); !errors.Is(err, pool.ErrEmptyName) {
		t.Errorf("err = %v, want ErrEmptyName", err)
	}
}

func TestKVStore(t *testing.T) {
	t.Parallel()
	_, js := coordtest.NATS(t)
	ctx := coordtest.Context(t)

	s, err := pool.NewKVStore(ctx, js, "pulse_session_pool")
	if err != nil {
		t.Fatalf("NewKVStore: %v", err)
	}
	exerciseStore(t, s)

	typed, err := pool.NewKVStore(ctx, js, "pulse_usage_pool")
	if err != nil {
		t.Fatalf("NewKVStore: %v", err)
	}
	exerciseTypedPool(t, typed)

	// Binding to an existing bucket must not fail.
	again, err := pool.NewKVStore(ctx, js, "pulse_session_pool")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok, _ := again.Get(ctx, "sid c"); !ok {
		t.Error("reopened bucket should see existing entries")
	}
}

func TestKVStore_EmptyBucketKeys(t *testing.T) {
	t.Parallel()
	_, js := coordtest.NATS(t)
	ctx := coordtest.Context(t)

	s, err := pool.NewKVStore(ctx, js, "pulse_empty")
	if err != nil {
		t.Fatalf("NewKVStore: %v", err)
	}
	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("Keys = %v, want empty", keys)
	}
}
