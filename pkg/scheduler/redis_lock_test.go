package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
	"github.com/ledgerpulse/ledgerpulse/pkg/testutil"
)

func TestRedisLockProviderConfigNormalize(t *testing.T) {
	cfg := &RedisLockProviderConfig{}
	cfg.normalize()
	if cfg.Prefix != "ledgerpulse:scheduler:lock" {
		t.Errorf("expected default prefix, got %s", cfg.Prefix)
	}
	if cfg.OperationTimeout != 3*time.Second {
		t.Errorf("expected default timeout, got %v", cfg.OperationTimeout)
	}
	if cfg.Owner == "" {
		t.Error("expected owner to default to host:pid")
	}

	custom := &RedisLockProviderConfig{Prefix: "custom:", Owner: "worker-b", OperationTimeout: 10 * time.Second}
	custom.normalize()
	if custom.Prefix != "custom" || custom.Owner != "worker-b" || custom.OperationTimeout != 10*time.Second {
		t.Errorf("unexpected normalized config: %+v", custom)
	}
}

func TestRedisLockValueRoundTrip(t *testing.T) {
	lease := &LockLease{Owner: "ip-10-0-0-7:311", Token: "0b6f"}
	if got := redisLockValue(lease); got != "ip-10-0-0-7:311/0b6f" {
		t.Fatalf("redisLockValue() = %q", got)
	}
	if got := redisLockOwner("ip-10-0-0-7:311/0b6f"); got != "ip-10-0-0-7:311" {
		t.Fatalf("redisLockOwner() = %q", got)
	}
	if got := redisLockOwner("legacy-token"); got != "legacy-token" {
		t.Fatalf("redisLockOwner() without separator = %q", got)
	}
}

func TestNewRedisLockProvider_Validation(t *testing.T) {
	if _, err := NewRedisLockProvider(RedisLockProviderConfig{}, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := NewRedisLockProvider(RedisLockProviderConfig{URL: "://bad"}, nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := NewRedisLockProviderWithClient(nil, RedisLockProviderConfig{}, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for nil client, got %v", err)
	}
}

func TestRedisLockProvider_Integration(t *testing.T) {
	ctx := context.Background()
	url := testutil.StartRedis(t)
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}

	newProvider := func(owner string) *RedisLockProvider {
		p, err := NewRedisLockProviderWithClient(redis.NewClient(opts), RedisLockProviderConfig{Prefix: "test:lock", Owner: owner}, logger.NewNopLogger())
		if err != nil {
			t.Fatalf("NewRedisLockProviderWithClient() error = %v", err)
		}
		t.Cleanup(func() { _ = p.Close() })
		return p
	}
	workerA := newProvider("worker-a")
	workerB := newProvider("worker-b")

	lease, ok, err := workerA.Acquire(ctx, "pruneJobFailures:1", time.Second)
	if err != nil || !ok {
		t.Fatalf("Acquire() = %v, %v", ok, err)
	}
	if _, ok, err := workerB.Acquire(ctx, "pruneJobFailures:1", time.Second); err != nil || ok {
		t.Fatalf("competing Acquire() = %v, %v", ok, err)
	}

	stored, err := workerA.client.Get(ctx, "test:lock:pruneJobFailures:1").Result()
	if err != nil {
		t.Fatalf("GET lock key: %v", err)
	}
	if !strings.HasPrefix(stored, "worker-a/") {
		t.Fatalf("lock value %q does not name its owner", stored)
	}

	if err := workerA.Renew(ctx, lease, 2*time.Second); err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	foreign := &LockLease{Key: lease.Key, Token: lease.Token, Owner: "worker-b"}
	if err := workerB.Release(ctx, foreign); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := workerA.Release(ctx, lease); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := workerA.Renew(ctx, lease, time.Second); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected renew after release to conflict, got %v", err)
	}
	if _, ok, err := workerB.Acquire(ctx, "pruneJobFailures:1", time.Second); err != nil || !ok {
		t.Fatalf("Acquire() after release = %v, %v", ok, err)
	}
	if err := workerA.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
}
