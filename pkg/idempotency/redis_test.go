package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ledgerpulse/ledgerpulse/pkg/testutil"
)

type fakeRedis struct {
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
	closed bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = string(value.([]byte))
	f.ttls[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = string(value.([]byte))
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(value, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed int64
	for _, key := range keys {
		if _, ok := f.values[key]; ok {
			delete(f.values, key)
			removed++
		}
	}
	return redis.NewIntResult(removed, nil)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestRedisStore_ClaimCompleteRelease(t *testing.T) {
	client := newFakeRedis()
	store := newRedisStore(client, RedisConfig{Prefix: "test:"})
	ctx := context.Background()

	claimed, existing, err := store.Claim(ctx, "prune:2026-04-01", time.Minute)
	if err != nil || !claimed || existing != nil {
		t.Fatalf("first Claim() = %v, %v, %v", claimed, existing, err)
	}
	if client.ttls["test:prune:2026-04-01"] != time.Minute {
		t.Fatalf("expected pending ttl, got %v", client.ttls)
	}

	claimed, existing, err = store.Claim(ctx, "prune:2026-04-01", time.Minute)
	if err != nil || claimed || existing == nil || !existing.Pending {
		t.Fatalf("second Claim() = %v, %+v, %v", claimed, existing, err)
	}

	completedAt := time.Date(2026, 4, 1, 3, 0, 0, 0, time.UTC)
	if err := store.Complete(ctx, "prune:2026-04-01", Record{Result: json.RawMessage(`{"pruned":2}`), CompletedAt: &completedAt}, time.Hour); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	_, existing, _ = store.Claim(ctx, "prune:2026-04-01", time.Minute)
	if existing == nil || existing.Pending || string(existing.Result) != `{"pruned":2}` {
		t.Fatalf("unexpected completed record %+v", existing)
	}

	if err := store.Release(ctx, "prune:2026-04-01"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	claimed, _, _ = store.Claim(ctx, "prune:2026-04-01", time.Minute)
	if !claimed {
		t.Fatal("expected claim after release")
	}

	if err := store.Close(); err != nil || !client.closed {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestNewRedisStore_RequiresURL(t *testing.T) {
	if _, err := NewRedisStore(RedisConfig{}); err == nil {
		t.Fatal("expected missing url error")
	}
	if _, err := NewRedisStore(RedisConfig{URL: "://bad"}); err == nil {
		t.Fatal("expected invalid url error")
	}
}

func TestRedisStore_Integration(t *testing.T) {
	ctx := context.Background()
	connStr := testutil.StartRedis(t)
	store, err := NewRedisStore(RedisConfig{URL: connStr})
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	defer store.Close()

	claimed, _, err := store.Claim(ctx, "k", time.Second)
	if err != nil || !claimed {
		t.Fatalf("Claim() = %v, %v", claimed, err)
	}
	claimed, existing, err := store.Claim(ctx, "k", time.Second)
	if err != nil || claimed || existing == nil || !existing.Pending {
		t.Fatalf("second Claim() = %v, %+v, %v", claimed, existing, err)
	}
}
