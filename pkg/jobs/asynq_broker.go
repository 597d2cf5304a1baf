package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
)

const (
	defaultAsynqRetention       = 24 * time.Hour
	defaultAsynqShutdownTimeout = 10 * time.Second
	asynqListPageSize           = 100
)

// AsynqBrokerConfig configures the asynq-backed broker.
type AsynqBrokerConfig struct {
	URL      string
	Queue    string
	Defaults Defaults
	// Concurrency is the number of asynq worker goroutines. Each one holds at
	// most one task until the executor settles it.
	Concurrency int
	// Retention keeps completed tasks inspectable. asynq trims by age, not count.
	Retention       time.Duration
	ShutdownTimeout time.Duration
}

func (c *AsynqBrokerConfig) normalize() {
	if strings.TrimSpace(c.Queue) == "" {
		c.Queue = DefaultQueue
	}
	c.Defaults.normalize()
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Retention <= 0 {
		c.Retention = defaultAsynqRetention
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultAsynqShutdownTimeout
	}
}

// asynqEnvelope is the task payload: the job payload plus the per-job backoff
// the retry delay function needs.
type asynqEnvelope struct {
	Payload   Payload   `json:"payload"`
	BackoffMs int64     `json:"backoffMs"`
	CreatedAt time.Time `json:"createdAt"`
}

type asynqSettlement struct {
	result []byte
	err    error
}

type asynqDelivery struct {
	job    *Job
	settle chan asynqSettlement
}

// AsynqBroker implements Broker with an asynq client and inspector, and
// Consumer with an asynq server whose handler hands each task to Reserve and
// waits for the executor to settle it.
type AsynqBroker struct {
	config    AsynqBrokerConfig
	log       logger.Logger
	redis     *redis.Client
	client    *asynq.Client
	inspector *asynq.Inspector

	startOnce  sync.Once
	startErr   error
	server     *asynq.Server
	deliveries chan *asynqDelivery

	mu      sync.Mutex
	pending map[string]*asynqDelivery
	closed  bool
}

// NewAsynqBroker builds the asynq client side. The server side starts on the
// first Reserve call, so producer-only processes never consume.
func NewAsynqBroker(cfg AsynqBrokerConfig, log logger.Logger) (*AsynqBroker, error) {
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
	rdb := redis.NewClient(opts)
	return &AsynqBroker{
		config:     cfg,
		log:        log,
		redis:      rdb,
		client:     asynq.NewClientFromRedisClient(rdb),
		inspector:  asynq.NewInspectorFromRedisClient(rdb),
		deliveries: make(chan *asynqDelivery),
		pending:    make(map[string]*asynqDelivery),
	}, nil
}

// Kind implements Broker.
func (b *AsynqBroker) Kind() string { return "asynq" }

// Queue implements Broker.
func (b *AsynqBroker) Queue() string { return b.config.Queue }

// Enqueue implements Broker.
func (b *AsynqBroker) Enqueue(ctx context.Context, name string, payload Payload, opts Options) (JobHandle, error) {
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
	if payload == nil {
		payload = Payload{}
	}
	encoded, err := json.Marshal(asynqEnvelope{
		Payload:   payload,
		BackoffMs: resolved.Backoff.Milliseconds(),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return JobHandle{}, jobsError(ErrValidation, fmt.Sprintf("job payload is not JSON encodable: %v", err))
	}

	taskOpts := []asynq.Option{
		asynq.Queue(b.config.Queue),
		asynq.MaxRetry(resolved.Attempts - 1),
		asynq.Retention(b.config.Retention),
	}
	if resolved.JobID != "" {
		taskOpts = append(taskOpts, asynq.TaskID(resolved.JobID))
	}
	if resolved.Delay > 0 {
		taskOpts = append(taskOpts, asynq.ProcessIn(resolved.Delay))
	}

	info, err := b.client.EnqueueContext(ctx, asynq.NewTask(name, encoded), taskOpts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return JobHandle{}, jobsError(ErrConflict, fmt.Sprintf("job %q already exists", resolved.JobID))
	}
	if err != nil {
		return JobHandle{}, fmt.Errorf("enqueue job %q failed: %w", name, err)
	}
	recordJobEnqueued(b.Kind(), b.config.Queue, name)
	return JobHandle{ID: info.ID}, nil
}

// JobCounts implements Broker. Scheduled and retry tasks count as delayed,
// archived tasks as failed.
func (b *AsynqBroker) JobCounts(_ context.Context, states ...State) (map[State]int64, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	states = normalizeStates(states)
	counts := make(map[State]int64, len(states))
	for _, state := range states {
		counts[state] = 0
	}

	info, err := b.inspector.GetQueueInfo(b.config.Queue)
	if errors.Is(err, asynq.ErrQueueNotFound) {
		return counts, nil
	}
	if err != nil {
		return nil, err
	}
	byState := map[State]int64{
		StateWaiting:   int64(info.Pending + info.Aggregating),
		StateActive:    int64(info.Active),
		StateDelayed:   int64(info.Scheduled + info.Retry),
		StateCompleted: int64(info.Completed),
		StateFailed:    int64(info.Archived),
	}
	for _, state := range states {
		counts[state] = byState[state]
	}
	return counts, nil
}

// GetJob implements Broker.
func (b *AsynqBroker) GetJob(_ context.Context, id string) (*Job, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	info, err := b.inspector.GetTaskInfo(b.config.Queue, id)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return jobFromTaskInfo(info), nil
}

// GetJobs implements Broker.
func (b *AsynqBroker) GetJobs(_ context.Context, states []State, start, end int) ([]*Job, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	limit := -1
	if end >= 0 {
		limit = end + 1
	}

	var jobs []*Job
	for _, state := range normalizeStates(states) {
		for _, list := range b.listers(state) {
			remaining := -1
			if limit > 0 {
				if remaining = limit - len(jobs); remaining <= 0 {
					break
				}
			}
			infos, err := b.collect(list, remaining)
			if errors.Is(err, asynq.ErrQueueNotFound) {
				return []*Job{}, nil
			}
			if err != nil {
				return nil, err
			}
			for _, info := range infos {
				jobs = append(jobs, jobFromTaskInfo(info))
			}
		}
	}

	lo, hi, ok := pageBounds(len(jobs), start, end)
	if !ok {
		return []*Job{}, nil
	}
	return jobs[lo:hi], nil
}

type taskLister func(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)

func (b *AsynqBroker) listers(state State) []taskLister {
	switch state {
	case StateWaiting:
		return []taskLister{b.inspector.ListPendingTasks}
	case StateActive:
		return []taskLister{b.inspector.ListActiveTasks}
	case StateDelayed:
		return []taskLister{b.inspector.ListScheduledTasks, b.inspector.ListRetryTasks}
	case StateCompleted:
		return []taskLister{b.inspector.ListCompletedTasks}
	case StateFailed:
		return []taskLister{b.inspector.ListArchivedTasks}
	default:
		return nil
	}
}

// collect pages through list until limit tasks are read; a negative limit reads all.
func (b *AsynqBroker) collect(list taskLister, limit int) ([]*asynq.TaskInfo, error) {
	var out []*asynq.TaskInfo
	for page := 1; ; page++ {
		infos, err := list(b.config.Queue, asynq.PageSize(asynqListPageSize), asynq.Page(page))
		if err != nil {
			return nil, err
		}
		out = append(out, infos...)
		if len(infos) < asynqListPageSize || (limit > 0 && len(out) >= limit) {
			break
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Remove implements Broker.
func (b *AsynqBroker) Remove(ctx context.Context, id string) error {
	job, err := b.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return jobsError(ErrNotFound, fmt.Sprintf("job %q not found", id))
	}
	if job.State == StateActive {
		return jobsError(ErrConflict, fmt.Sprintf("job %q is active", id))
	}
	if err := b.inspector.DeleteTask(b.config.Queue, id); err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) {
			return jobsError(ErrNotFound, fmt.Sprintf("job %q not found", id))
		}
		return err
	}
	return nil
}

// HealthCheck pings the Redis instance asynq runs on.
func (b *AsynqBroker) HealthCheck(ctx context.Context) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	return b.redis.Ping(ctx).Err()
}

// Reserve implements Consumer.
func (b *AsynqBroker) Reserve(ctx context.Context, _ time.Duration) (*Job, *Lease, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, nil, err
	}
	if err := b.startServer(); err != nil {
		return nil, nil, err
	}
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case delivery := <-b.deliveries:
		token := uuid.NewString()
		b.mu.Lock()
		b.pending[token] = delivery
		b.mu.Unlock()
		return delivery.job, &Lease{JobID: delivery.job.ID, Token: token, Queue: b.config.Queue}, nil
	}
}

// Renew implements Consumer. asynq extends its own task leases while the
// handler runs, so this only checks the lease is still held.
func (b *AsynqBroker) Renew(_ context.Context, lease *Lease, _ time.Duration) error {
	if lease == nil {
		return jobsError(ErrInvalidArgument, "lease is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[lease.Token]; !ok {
		return jobsError(ErrNotFound, "lease not found")
	}
	return nil
}

// Ack implements Consumer.
func (b *AsynqBroker) Ack(_ context.Context, lease *Lease, result any) error {
	encoded, err := encodeResult(result)
	if err != nil {
		return err
	}
	return b.settle(lease, asynqSettlement{result: encoded})
}

// Nack implements Consumer. asynq retries the task with RetryDelay or
// archives it once MaxRetry is reached.
func (b *AsynqBroker) Nack(_ context.Context, lease *Lease, reason string) error {
	return b.settle(lease, asynqSettlement{err: errors.New(reason)})
}

// Fail implements Consumer.
func (b *AsynqBroker) Fail(_ context.Context, lease *Lease, reason string) error {
	return b.settle(lease, asynqSettlement{err: fmt.Errorf("%s: %w", reason, asynq.SkipRetry)})
}

func (b *AsynqBroker) settle(lease *Lease, outcome asynqSettlement) error {
	if lease == nil {
		return jobsError(ErrInvalidArgument, "lease is required")
	}
	b.mu.Lock()
	delivery, ok := b.pending[lease.Token]
	delete(b.pending, lease.Token)
	b.mu.Unlock()
	if !ok {
		return jobsError(ErrNotFound, "lease not found")
	}
	delivery.settle <- outcome
	return nil
}

func (b *AsynqBroker) startServer() error {
	b.startOnce.Do(func() {
		b.server = asynq.NewServerFromRedisClient(b.redis, asynq.Config{
			Concurrency:     b.config.Concurrency,
			Queues:          map[string]int{b.config.Queue: 1},
			RetryDelayFunc:  b.retryDelay,
			ShutdownTimeout: b.config.ShutdownTimeout,
			Logger:          asynqLogger{log: b.log.With("component", "asynq")},
			LogLevel:        asynq.WarnLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
				b.log.Debug("asynq task attempt failed", "job_name", task.Type(), "error", err)
			}),
		})
		b.startErr = b.server.Start(asynq.HandlerFunc(b.handle))
	})
	return b.startErr
}

// handle runs inside an asynq worker goroutine. It blocks until Reserve
// takes the task and the executor settles it.
func (b *AsynqBroker) handle(ctx context.Context, task *asynq.Task) error {
	job, err := jobFromTask(ctx, task, b.config.Queue)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	delivery := &asynqDelivery{job: job, settle: make(chan asynqSettlement, 1)}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.deliveries <- delivery:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case outcome := <-delivery.settle:
		if outcome.err != nil {
			return outcome.err
		}
		if len(outcome.result) > 0 {
			if _, err := task.ResultWriter().Write(outcome.result); err != nil {
				b.log.Warn("asynq result write failed", "job_id", job.ID, "error", err)
			}
		}
		return nil
	}
}

func (b *AsynqBroker) retryDelay(n int, _ error, task *asynq.Task) time.Duration {
	var envelope asynqEnvelope
	_ = json.Unmarshal(task.Payload(), &envelope)
	base := time.Duration(envelope.BackoffMs) * time.Millisecond
	if base <= 0 {
		base = b.config.Defaults.Backoff
	}
	// n counts retries already made, so the first retry sees n == 0.
	return RetryDelay(n+1, base, b.config.Defaults.MaxBackoff)
}

// Close implements Broker and Consumer. It is safe to call more than once.
func (b *AsynqBroker) Close() error {
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

	if b.server != nil {
		b.server.Shutdown()
	}
	// The client, inspector and server share rdb; closing it releases all three.
	return b.redis.Close()
}

func (b *AsynqBroker) ensureOpen() error {
	if b == nil || b.client == nil {
		return jobsError(ErrNotInitialized, "asynq broker is not initialized")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return jobsError(ErrClosed, "asynq broker is closed")
	}
	return nil
}

func jobFromTask(ctx context.Context, task *asynq.Task, queue string) (*Job, error) {
	var envelope asynqEnvelope
	if err := json.Unmarshal(task.Payload(), &envelope); err != nil {
		return nil, jobsError(ErrValidation, fmt.Sprintf("decode task payload: %v", err))
	}
	id, _ := asynq.GetTaskID(ctx)
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	if name, ok := asynq.GetQueueName(ctx); ok {
		queue = name
	}
	return &Job{
		ID:           id,
		Name:         task.Type(),
		Queue:        queue,
		Payload:      envelope.Payload,
		State:        StateActive,
		AttemptsMade: retried,
		MaxAttempts:  maxRetry + 1,
		BackoffMs:    envelope.BackoffMs,
		CreatedAt:    envelope.CreatedAt,
		RunAt:        time.Now().UTC(),
	}, nil
}

func jobFromTaskInfo(info *asynq.TaskInfo) *Job {
	var envelope asynqEnvelope
	_ = json.Unmarshal(info.Payload, &envelope)
	job := &Job{
		ID:           info.ID,
		Name:         info.Type,
		Queue:        info.Queue,
		Payload:      envelope.Payload,
		State:        stateFromAsynq(info.State),
		AttemptsMade: info.Retried,
		MaxAttempts:  info.MaxRetry + 1,
		BackoffMs:    envelope.BackoffMs,
		CreatedAt:    envelope.CreatedAt,
		RunAt:        info.NextProcessAt.UTC(),
		FailedReason: info.LastErr,
	}
	switch job.State {
	case StateCompleted:
		job.AttemptsMade++
		finished := info.CompletedAt.UTC()
		job.FinishedAt = &finished
	case StateFailed:
		job.AttemptsMade++
		finished := info.LastFailedAt.UTC()
		job.FinishedAt = &finished
	}
	if len(info.Result) > 0 && json.Valid(info.Result) {
		job.Result = append(json.RawMessage(nil), info.Result...)
	}
	return job
}

func stateFromAsynq(state asynq.TaskState) State {
	switch state {
	case asynq.TaskStateActive:
		return StateActive
	case asynq.TaskStateScheduled, asynq.TaskStateRetry:
		return StateDelayed
	case asynq.TaskStateCompleted:
		return StateCompleted
	case asynq.TaskStateArchived:
		return StateFailed
	default:
		return StateWaiting
	}
}

// asynqLogger routes asynq's printf-free logger onto the structured logger.
type asynqLogger struct {
	log logger.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.log.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.log.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.log.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.log.Error(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) {
	l.log.Error(fmt.Sprint(args...))
	os.Exit(1)
}
