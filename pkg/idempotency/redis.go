package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "ledgerpulse:idempotency"

type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// RedisConfig configures a Redis-backed store.
type RedisConfig struct {
	URL              string
	Prefix           string
	OperationTimeout time.Duration
}

// RedisStore keeps claims in Redis so that every worker process shares them.
type RedisStore struct {
	client    redisClient
	prefix    string
	opTimeout time.Duration
}

// NewRedisStore connects lazily to the Redis server at cfg.URL.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("redis idempotency url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return newRedisStore(redis.NewClient(opts), cfg), nil
}

func newRedisStore(client redisClient, cfg RedisConfig) *RedisStore {
	prefix := strings.TrimSuffix(strings.TrimSpace(cfg.Prefix), ":")
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	timeout := cfg.OperationTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RedisStore{client: client, prefix: prefix, opTimeout: timeout}
}

// Claim uses SET NX PX so exactly one caller wins the key.
func (s *RedisStore) Claim(ctx context.Context, key string, pendingTTL time.Duration) (bool, *Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	pending, err := json.Marshal(Record{Key: key, Pending: true})
	if err != nil {
		return false, nil, err
	}
	// One retry covers a key that expires between SETNX and GET.
	for range 2 {
		ok, err := s.client.SetNX(ctx, s.key(key), pending, pendingTTL).Result()
		if err != nil {
			return false, nil, err
		}
		if ok {
			return true, nil, nil
		}
		raw, err := s.client.Get(ctx, s.key(key)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return false, nil, err
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return false, nil, fmt.Errorf("decode idempotency record: %w", err)
		}
		return false, &rec, nil
	}
	return false, &Record{Key: key, Pending: true}, nil
}

// Complete overwrites the claim with the final record.
func (s *RedisStore) Complete(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	rec.Key = key
	rec.Pending = false
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(key), raw, ttl).Err()
}

// Release deletes the claim.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return s.client.Del(ctx, s.key(key)).Err()
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) key(key string) string {
	return s.prefix + ":" + key
}
