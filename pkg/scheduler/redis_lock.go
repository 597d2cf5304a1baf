package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
)

const (
	defaultRedisPrefix           = "ledgerpulse:scheduler:lock"
	defaultRedisOperationTimeout = 3 * time.Second

	leaseOpRenew   = "renew"
	leaseOpRelease = "release"
)

// leaseScript renews or deletes a lock only while it still carries the
// caller's value, so a lease taken over after expiry is left alone.
var leaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
if ARGV[2] == "release" then
  return redis.call("DEL", KEYS[1])
end
return redis.call("PEXPIRE", KEYS[1], ARGV[3])
`)

// RedisLockProviderConfig configures Redis locks.
type RedisLockProviderConfig struct {
	URL              string
	Prefix           string
	Owner            string
	OperationTimeout time.Duration
}

func (c *RedisLockProviderConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultRedisPrefix
	}
	c.Prefix = strings.TrimRight(c.Prefix, ":")
	c.Owner = resolveOwner(c.Owner)
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
}

// RedisLockProvider stores one key per scheduled run. The value is
// "owner/token".
type RedisLockProvider struct {
	client *redis.Client
	log    logger.Logger
	config RedisLockProviderConfig
}

// NewRedisLockProvider connects and pings Redis.
func NewRedisLockProvider(cfg RedisLockProviderConfig, log logger.Logger) (*RedisLockProvider, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, schedulerError(ErrInvalidArgument, "redis url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(schedulerError(ErrValidation, "parse redis url failed"), err)
	}
	p, err := NewRedisLockProviderWithClient(redis.NewClient(opts), cfg, log)
	if err != nil {
		return nil, err
	}
	if err := p.HealthCheck(context.Background()); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// NewRedisLockProviderWithClient uses an existing client. Close closes it.
func NewRedisLockProviderWithClient(client *redis.Client, cfg RedisLockProviderConfig, log logger.Logger) (*RedisLockProvider, error) {
	if client == nil {
		return nil, schedulerError(ErrInvalidArgument, "redis client is required")
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	cfg.normalize()
	return &RedisLockProvider{client: client, log: log, config: cfg}, nil
}

// Acquire sets the run key with NX. When another process holds it, the
// holder is logged at debug level.
func (p *RedisLockProvider) Acquire(ctx context.Context, key string, ttl time.Duration) (*LockLease, bool, error) {
	if err := p.ready(); err != nil {
		return nil, false, err
	}
	lease, err := newLease(key, p.config.Owner, ttl, time.Now().UTC())
	if err != nil {
		return nil, false, err
	}

	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	previous, err := p.client.SetArgs(opCtx, p.redisKey(lease.Key), redisLockValue(lease), redis.SetArgs{
		Mode: "NX",
		TTL:  ttl,
		Get:  true,
	}).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return lease, true, nil
	case err != nil:
		return nil, false, errors.Join(schedulerError(ErrRetryable, "acquire lock failed"), err)
	}
	p.log.Debug("scheduler lock held elsewhere", "key", lease.Key, "holder", redisLockOwner(previous))
	return nil, false, nil
}

// Renew extends the key while the lease still owns it.
func (p *RedisLockProvider) Renew(ctx context.Context, lease *LockLease, ttl time.Duration) error {
	if err := checkRenew(lease, ttl); err != nil {
		return err
	}
	if err := p.runLeaseScript(ctx, leaseOpRenew, lease, ttl); err != nil {
		return err
	}
	lease.ExpireAt = time.Now().UTC().Add(ttl)
	return nil
}

// Release deletes the key while the lease still owns it.
func (p *RedisLockProvider) Release(ctx context.Context, lease *LockLease) error {
	if err := checkLease(lease); err != nil {
		return err
	}
	return p.runLeaseScript(ctx, leaseOpRelease, lease, 0)
}

func (p *RedisLockProvider) runLeaseScript(ctx context.Context, op string, lease *LockLease, ttl time.Duration) error {
	if err := p.ready(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	result, err := leaseScript.Run(opCtx, p.client,
		[]string{p.redisKey(lease.Key)},
		redisLockValue(lease), op, ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return errors.Join(schedulerError(ErrRetryable, op+" lock failed"), err)
	}
	if result == 0 {
		return schedulerError(ErrConflict, "lock "+op+" rejected")
	}
	return nil
}

// HealthCheck pings Redis.
func (p *RedisLockProvider) HealthCheck(ctx context.Context) error {
	if err := p.ready(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	if err := p.client.Ping(opCtx).Err(); err != nil {
		return errors.Join(schedulerError(ErrRetryable, "redis healthcheck failed"), err)
	}
	return nil
}

// Close closes the client.
func (p *RedisLockProvider) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

func (p *RedisLockProvider) ready() error {
	if p == nil || p.client == nil {
		return schedulerError(ErrNotInitialized, "redis lock provider is not initialized")
	}
	return nil
}

func (p *RedisLockProvider) redisKey(key string) string {
	return p.config.Prefix + ":" + strings.TrimSpace(key)
}

func redisLockValue(lease *LockLease) string {
	return lease.Owner + "/" + lease.Token
}

func redisLockOwner(value string) string {
	if i := strings.LastIndex(value, "/"); i >= 0 {
		return value[:i]
	}
	return value
}
