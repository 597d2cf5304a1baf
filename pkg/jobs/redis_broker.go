package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
)

const (
	defaultRedisPrefix           = "ledgerpulse:jobs"
	defaultRedisOperationTimeout = 5 * time.Second
	defaultRedisPollInterval     = 250 * time.Millisecond
	defaultRedisTransferBatch    = 100
)

// Job bodies live in one hash per job. The mutable fields are separate hash
// fields so the scripts below never re-encode the caller's payload.
const (
	fieldData       = "data"
	fieldState      = "state"
	fieldAttempts   = "attempts"
	fieldRunAt      = "runAt"
	fieldFinishedAt = "finishedAt"
	fieldReason     = "reason"
	fieldResult     = "result"
)

var (
	redisEnqueueScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "data", ARGV[1], "state", ARGV[2], "attempts", 0, "runAt", ARGV[3])
if ARGV[2] == "delayed" then
  redis.call("ZADD", KEYS[3], tonumber(ARGV[3]), ARGV[4])
else
  redis.call("RPUSH", KEYS[2], ARGV[4])
end
return 1
`)

	redisReserveScript = redis.NewScript(`
local delayed = KEYS[1]
local waiting = KEYS[2]
local active = KEYS[3]
local jobPrefix = ARGV[1]
local leasePrefix = ARGV[2]
local nowMs = tonumber(ARGV[3])
local transferBatch = tonumber(ARGV[4])
local leaseMs = tonumber(ARGV[5])
local token = ARGV[6]

local due = redis.call("ZRANGEBYSCORE", delayed, "-inf", nowMs, "LIMIT", 0, transferBatch)
for _, id in ipairs(due) do
  redis.call("ZREM", delayed, id)
  redis.call("RPUSH", waiting, id)
  redis.call("HSET", jobPrefix .. id, "state", "waiting")
end

local expired = redis.call("ZRANGEBYSCORE", active, "-inf", nowMs, "LIMIT", 0, transferBatch)
for _, id in ipairs(expired) do
  redis.call("ZREM", active, id)
  redis.call("RPUSH", waiting, id)
  redis.call("HSET", jobPrefix .. id, "state", "waiting")
end

local id = redis.call("LPOP", waiting)
while id do
  if redis.call("EXISTS", jobPrefix .. id) == 1 then
    break
  end
  id = redis.call("LPOP", waiting)
end
if not id then
  return nil
end

redis.call("ZADD", active, nowMs + leaseMs, id)
redis.call("HSET", jobPrefix .. id, "state", "active")
redis.call("SET", leasePrefix .. token, id, "PX", leaseMs)
return id
`)

	redisRenewScript = redis.NewScript(`
local id = redis.call("GET", KEYS[1])
if not id then
  return 0
end
redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[1]))
redis.call("ZADD", KEYS[2], "XX", tonumber(ARGV[2]), id)
return 1
`)

	// redisSettleScript releases a lease and moves the job to completed,
	// failed or delayed. Finished sets are trimmed to the retention bound and
	// trimmed job hashes are deleted.
	redisSettleScript = redis.NewScript(`
local id = redis.call("GET", KEYS[1])
if not id then
  return 0
end
local jobPrefix = ARGV[1]
local mode = ARGV[2]
local nowMs = tonumber(ARGV[3])
local jobKey = jobPrefix .. id

redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], id)
if ARGV[8] == "1" then
  redis.call("HINCRBY", jobKey, "attempts", 1)
end
if ARGV[4] ~= "" then
  redis.call("HSET", jobKey, "reason", ARGV[4])
end

if mode == "retry" then
  local runAt = tonumber(ARGV[6])
  redis.call("HSET", jobKey, "state", "delayed", "runAt", runAt)
  redis.call("ZADD", KEYS[5], runAt, id)
  return 1
end

local target = KEYS[3]
if mode == "failed" then
  target = KEYS[4]
end
redis.call("HSET", jobKey, "state", mode, "finishedAt", nowMs)
if ARGV[5] ~= "" then
  redis.call("HSET", jobKey, "result", ARGV[5])
end
redis.call("ZADD", target, nowMs, id)

local keep = tonumber(ARGV[7])
if keep > 0 then
  local excess = redis.call("ZCARD", target) - keep
  if excess > 0 then
    local stale = redis.call("ZRANGE", target, 0, excess - 1)
    for _, staleId in ipairs(stale) do
      redis.call("DEL", jobPrefix .. staleId)
    end
    redis.call("ZREMRANGEBYRANK", target, 0, excess - 1)
  end
end
return 1
`)

	redisRemoveScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
  return 0
end
if state == "active" then
  return -1
end
redis.call("LREM", KEYS[2], 0, ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[1])
redis.call("ZREM", KEYS[4], ARGV[1])
redis.call("ZREM", KEYS[5], ARGV[1])
redis.call("DEL", KEYS[1])
return 1
`)
)

// RedisBrokerConfig configures the Redis-backed broker.
type RedisBrokerConfig struct {
	URL              string
	Prefix           string
	Queue            string
	Defaults         Defaults
	OperationTimeout time.Duration
	PollInterval     time.Duration
	TransferBatch    int
}

func (c *RedisBrokerConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultRedisPrefix
	}
	if strings.TrimSpace(c.Queue) == "" {
		c.Queue = DefaultQueue
	}
	c.Defaults.normalize()
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultRedisPollInterval
	}
	if c.TransferBatch <= 0 {
		c.TransferBatch = defaultRedisTransferBatch
	}
}

// RedisBroker implements Broker and Consumer with Redis lists, sorted sets,
// per-job hashes and lease keys.
type RedisBroker struct {
	client *redis.Client
	log    logger.Logger
	config RedisBrokerConfig

	mu     sync.RWMutex
	closed bool
}

// NewRedisBroker connects to Redis. Connectivity is not verified here; the
// runtime probes the broker before choosing an execution mode.
func NewRedisBroker(cfg RedisBrokerConfig, log logger.Logger) (*RedisBroker, error) {
	if log == nil {
		return nil, jobsError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, jobsError(ErrInvalidArgument, "redis url is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url failed: %w", err)
	}
	return &RedisBroker{
		client: redis.NewClient(opts),
		log:    log,
		config: cfg,
	}, nil
}

// Kind implements Broker.
func (b *RedisBroker) Kind() string { return "redis" }

// Queue implements Broker.
func (b *RedisBroker) Queue() string { return b.config.Queue }

// Enqueue implements Broker.
func (b *RedisBroker) Enqueue(ctx context.Context, name string, payload Payload, opts Options) (JobHandle, error) {
	if err := b.ensureOpen(); err != nil {
		return JobHandle{}, err
	}
	if err := ValidateName(name); err != nil {
		return JobHandle{}, err
	}
	resolved, err := opts.resolve(b.config.Defaults)
	if err != nil {
		return JobHandle{}, err
	}
	id := resolved.JobID
	if id == "" {
		id = uuid.NewString()
	}

	job := NewJob(id, name, b.config.Queue, payload, resolved, time.Now().UTC())
	data, err := encodeJobData(job)
	if err != nil {
		return JobHandle{}, err
	}

	opCtx, cancel := b.operationContext(ctx)
	defer cancel()
	created, err := redisEnqueueScript.Run(
		opCtx,
		b.client,
		[]string{b.jobKey(id), b.waitingKey(), b.delayedKey()},
		data,
		string(job.State),
		job.RunAt.UnixMilli(),
		id,
	).Int()
	if err != nil {
		return JobHandle{}, fmt.Errorf("enqueue job %q failed: %w", name, err)
	}
	if created == 0 {
		return JobHandle{}, jobsError(ErrConflict, fmt.Sprintf("job %q already exists", id))
	}
	recordJobEnqueued(b.Kind(), b.config.Queue, name)
	return JobHandle{ID: id}, nil
}

// Reserve implements Consumer.
func (b *RedisBroker) Reserve(ctx context.Context, leaseFor time.Duration) (*Job, *Lease, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, nil, err
	}
	if leaseFor <= 0 {
		leaseFor = DefaultLeaseDuration
	}
	leaseMilliseconds := leaseFor.Milliseconds()
	if leaseMilliseconds <= 0 {
		leaseMilliseconds = 1
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		token := uuid.NewString()
		now := time.Now().UTC()
		opCtx, cancel := b.operationContext(ctx)
		id, reserveErr := redisReserveScript.Run(
			opCtx,
			b.client,
			[]string{b.delayedKey(), b.waitingKey(), b.activeKey()},
			b.jobKeyPrefix(),
			b.leaseKeyPrefix(),
			now.UnixMilli(),
			b.config.TransferBatch,
			leaseMilliseconds,
			token,
		).Text()
		cancel()
		if reserveErr != nil && !errors.Is(reserveErr, redis.Nil) {
			return nil, nil, reserveErr
		}
		if errors.Is(reserveErr, redis.Nil) || strings.TrimSpace(id) == "" {
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(b.config.PollInterval):
				continue
			}
		}

		lease := &Lease{JobID: id, Token: token, Queue: b.config.Queue, ExpireAt: now.Add(leaseFor)}
		job, err := b.GetJob(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if job == nil {
			b.log.Warn("discarding reserved job without a body", "job_id", id, "queue", b.config.Queue)
			_ = b.settle(ctx, lease, "failed", "job body missing", nil, time.Time{}, 0, false)
			continue
		}
		return job, lease, nil
	}
}

// Renew implements Consumer.
func (b *RedisBroker) Renew(ctx context.Context, lease *Lease, leaseFor time.Duration) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	if lease == nil || strings.TrimSpace(lease.Token) == "" {
		return jobsError(ErrInvalidArgument, "lease token is required")
	}
	if leaseFor <= 0 {
		leaseFor = DefaultLeaseDuration
	}
	expireAt := time.Now().UTC().Add(leaseFor)

	opCtx, cancel := b.operationContext(ctx)
	defer cancel()
	renewed, err := redisRenewScript.Run(
		opCtx,
		b.client,
		[]string{b.leaseKey(lease.Token), b.activeKey()},
		leaseFor.Milliseconds(),
		expireAt.UnixMilli(),
	).Int()
	if err != nil {
		return err
	}
	if renewed == 0 {
		return jobsError(ErrNotFound, "lease not found or expired")
	}
	lease.ExpireAt = expireAt
	return nil
}

// Ack implements Consumer.
func (b *RedisBroker) Ack(ctx context.Context, lease *Lease, result any) error {
	encoded, err := encodeResult(result)
	if err != nil {
		return err
	}
	job, err := b.leasedJob(ctx, lease)
	if err != nil {
		return err
	}
	return b.settle(ctx, lease, string(StateCompleted), "", encoded, time.Time{}, job.RemoveOnComplete, false)
}

// Nack implements Consumer.
func (b *RedisBroker) Nack(ctx context.Context, lease *Lease, reason string) error {
	job, err := b.leasedJob(ctx, lease)
	if err != nil {
		return err
	}
	attemptsMade := job.AttemptsMade + 1
	if attemptsMade >= job.MaxAttempts {
		return b.settle(ctx, lease, string(StateFailed), reason, nil, time.Time{}, job.RemoveOnFail, true)
	}
	delay := RetryDelay(attemptsMade, time.Duration(job.BackoffMs)*time.Millisecond, b.config.Defaults.MaxBackoff)
	return b.settle(ctx, lease, "retry", reason, nil, time.Now().UTC().Add(delay), 0, true)
}

// Fail implements Consumer.
func (b *RedisBroker) Fail(ctx context.Context, lease *Lease, reason string) error {
	job, err := b.leasedJob(ctx, lease)
	if err != nil {
		return err
	}
	return b.settle(ctx, lease, string(StateFailed), reason, nil, time.Time{}, job.RemoveOnFail, true)
}

func (b *RedisBroker) leasedJob(ctx context.Context, lease *Lease) (*Job, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	if lease == nil || strings.TrimSpace(lease.Token) == "" {
		return nil, jobsError(ErrInvalidArgument, "lease token is required")
	}
	opCtx, cancel := b.operationContext(ctx)
	id, err := b.client.Get(opCtx, b.leaseKey(lease.Token)).Result()
	cancel()
	if errors.Is(err, redis.Nil) {
		return nil, jobsError(ErrNotFound, "lease not found or expired")
	}
	if err != nil {
		return nil, err
	}
	job, err := b.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, jobsError(ErrNotFound, fmt.Sprintf("job %q not found", id))
	}
	return job, nil
}

func (b *RedisBroker) settle(
	ctx context.Context,
	lease *Lease,
	mode string,
	reason string,
	result json.RawMessage,
	runAt time.Time,
	keep int,
	countAttempt bool,
) error {
	increment := "0"
	if countAttempt {
		increment = "1"
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()
	settled, err := redisSettleScript.Run(
		opCtx,
		b.client,
		[]string{b.leaseKey(lease.Token), b.activeKey(), b.completedKey(), b.failedKey(), b.delayedKey()},
		b.jobKeyPrefix(),
		mode,
		time.Now().UTC().UnixMilli(),
		reason,
		string(result),
		runAt.UnixMilli(),
		keep,
		increment,
	).Int()
	if err != nil {
		return err
	}
	if settled == 0 {
		return jobsError(ErrNotFound, "lease not found or expired")
	}
	return nil
}

// JobCounts implements Broker. Delayed jobs that are due but not yet
// promoted still count as delayed.
func (b *RedisBroker) JobCounts(ctx context.Context, states ...State) (map[State]int64, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	states = normalizeStates(states)
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()

	cmds := make(map[State]*redis.IntCmd, len(states))
	_, err := b.client.Pipelined(opCtx, func(pipe redis.Pipeliner) error {
		for _, state := range states {
			key := b.stateKey(state)
			if state == StateWaiting {
				cmds[state] = pipe.LLen(opCtx, key)
				continue
			}
			cmds[state] = pipe.ZCard(opCtx, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	counts := make(map[State]int64, len(states))
	for state, cmd := range cmds {
		counts[state] = cmd.Val()
	}
	return counts, nil
}

// GetJob implements Broker.
func (b *RedisBroker) GetJob(ctx context.Context, id string) (*Job, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()
	fields, err := b.client.HGetAll(opCtx, b.jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	return decodeJobHash(fields)
}

// GetJobs implements Broker.
func (b *RedisBroker) GetJobs(ctx context.Context, states []State, start, end int) ([]*Job, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()

	var ids []string
	for _, state := range normalizeStates(states) {
		var (
			page []string
			err  error
		)
		switch state {
		case StateWaiting:
			page, err = b.client.LRange(opCtx, b.waitingKey(), 0, -1).Result()
		case StateActive, StateDelayed:
			page, err = b.client.ZRange(opCtx, b.stateKey(state), 0, -1).Result()
		default:
			page, err = b.client.ZRevRange(opCtx, b.stateKey(state), 0, -1).Result()
		}
		if err != nil {
			return nil, err
		}
		ids = append(ids, page...)
	}

	lo, hi, ok := pageBounds(len(ids), start, end)
	if !ok {
		return []*Job{}, nil
	}
	window := ids[lo:hi]
	cmds := make([]*redis.MapStringStringCmd, len(window))
	_, err := b.client.Pipelined(opCtx, func(pipe redis.Pipeliner) error {
		for idx, id := range window {
			cmds[idx] = pipe.HGetAll(opCtx, b.jobKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]*Job, 0, len(window))
	for _, cmd := range cmds {
		job, err := decodeJobHash(cmd.Val())
		if err != nil {
			b.log.Warn("skipping malformed job hash", "queue", b.config.Queue, "error", err)
			continue
		}
		if job != nil {
			out = append(out, job)
		}
	}
	return out, nil
}

// Remove implements Broker.
func (b *RedisBroker) Remove(ctx context.Context, id string) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()
	removed, err := redisRemoveScript.Run(
		opCtx,
		b.client,
		[]string{b.jobKey(id), b.waitingKey(), b.delayedKey(), b.completedKey(), b.failedKey()},
		id,
	).Int()
	if err != nil {
		return err
	}
	switch removed {
	case 1:
		return nil
	case -1:
		return jobsError(ErrConflict, fmt.Sprintf("job %q is active", id))
	default:
		return jobsError(ErrNotFound, fmt.Sprintf("job %q not found", id))
	}
}

// HealthCheck verifies Redis connectivity.
func (b *RedisBroker) HealthCheck(ctx context.Context) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()
	return b.client.Ping(opCtx).Err()
}

// Close closes Redis connections. It is safe to call more than once.
func (b *RedisBroker) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.client.Close()
}

func (b *RedisBroker) ensureOpen() error {
	if b == nil || b.client == nil {
		return jobsError(ErrNotInitialized, "redis broker is not initialized")
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return jobsError(ErrClosed, "redis broker is closed")
	}
	return nil
}

func (b *RedisBroker) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, b.config.OperationTimeout)
}

func (b *RedisBroker) stateKey(state State) string {
	return b.queuePrefix() + string(state)
}

func (b *RedisBroker) waitingKey() string   { return b.stateKey(StateWaiting) }
func (b *RedisBroker) activeKey() string    { return b.stateKey(StateActive) }
func (b *RedisBroker) delayedKey() string   { return b.stateKey(StateDelayed) }
func (b *RedisBroker) completedKey() string { return b.stateKey(StateCompleted) }
func (b *RedisBroker) failedKey() string    { return b.stateKey(StateFailed) }

func (b *RedisBroker) queuePrefix() string {
	return b.prefix() + ":queue:" + strings.TrimSpace(b.config.Queue) + ":"
}

func (b *RedisBroker) jobKey(id string) string {
	return b.jobKeyPrefix() + strings.TrimSpace(id)
}

func (b *RedisBroker) jobKeyPrefix() string {
	return b.prefix() + ":job:"
}

func (b *RedisBroker) leaseKey(token string) string {
	return b.leaseKeyPrefix() + strings.TrimSpace(token)
}

func (b *RedisBroker) leaseKeyPrefix() string {
	return b.prefix() + ":lease:"
}

func (b *RedisBroker) prefix() string {
	return strings.TrimRight(strings.TrimSpace(b.config.Prefix), ":")
}

func encodeJobData(job *Job) (string, error) {
	static := job.Clone()
	static.State = ""
	static.AttemptsMade = 0
	static.FinishedAt = nil
	static.FailedReason = ""
	static.Result = nil
	encoded, err := json.Marshal(static)
	if err != nil {
		return "", jobsError(ErrValidation, fmt.Sprintf("job payload is not JSON encodable: %v", err))
	}
	return string(encoded), nil
}

// decodeJobHash rebuilds a Job from its hash; an empty hash means the job
// does not exist.
func decodeJobHash(fields map[string]string) (*Job, error) {
	if len(fields) == 0 || fields[fieldData] == "" {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(fields[fieldData]), &job); err != nil {
		return nil, fmt.Errorf("decode job data failed: %w", err)
	}
	job.State = State(fields[fieldState])
	if raw := fields[fieldAttempts]; raw != "" {
		attempts, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("decode job attempts failed: %w", err)
		}
		job.AttemptsMade = attempts
	}
	if ms, ok := parseMillis(fields[fieldRunAt]); ok {
		job.RunAt = ms
	}
	if ms, ok := parseMillis(fields[fieldFinishedAt]); ok {
		job.FinishedAt = &ms
	}
	job.FailedReason = fields[fieldReason]
	if raw := fields[fieldResult]; raw != "" {
		job.Result = json.RawMessage(raw)
	}
	return &job, nil
}

func parseMillis(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}
