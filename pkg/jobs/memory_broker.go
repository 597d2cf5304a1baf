package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultMemoryPollInterval = 25 * time.Millisecond

// MemoryBrokerConfig configures the in-process broker.
type MemoryBrokerConfig struct {
	Queue        string
	Defaults     Defaults
	PollInterval time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

type memoryLease struct {
	jobID    string
	expireAt time.Time
}

// MemoryBroker is a Broker and Consumer held in process memory. It serves
// tests and single-process deployments; nothing survives a restart.
type MemoryBroker struct {
	queue        string
	defaults     Defaults
	pollInterval time.Duration
	now          func() time.Time

	mu        sync.Mutex
	jobs      map[string]*Job
	waiting   []string
	leases    map[string]*memoryLease
	completed []string
	failed    []string
	notify    chan struct{}
	closed    bool
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker(cfg MemoryBrokerConfig) *MemoryBroker {
	if strings.TrimSpace(cfg.Queue) == "" {
		cfg.Queue = DefaultQueue
	}
	cfg.Defaults.normalize()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultMemoryPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryBroker{
		queue:        cfg.Queue,
		defaults:     cfg.Defaults,
		pollInterval: cfg.PollInterval,
		now:          cfg.Now,
		jobs:         make(map[string]*Job),
		leases:       make(map[string]*memoryLease),
		notify:       make(chan struct{}, 1),
	}
}

// Kind implements Broker.
func (b *MemoryBroker) Kind() string { return "memory" }

// Queue implements Broker.
func (b *MemoryBroker) Queue() string { return b.queue }

// Enqueue implements Broker.
func (b *MemoryBroker) Enqueue(_ context.Context, name string, payload Payload, opts Options) (JobHandle, error) {
	if err := ValidateName(name); err != nil {
		return JobHandle{}, err
	}
	resolved, err := opts.resolve(b.defaults)
	if err != nil {
		return JobHandle{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return JobHandle{}, jobsError(ErrClosed, "memory broker is closed")
	}
	id := resolved.JobID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := b.jobs[id]; exists {
		return JobHandle{}, jobsError(ErrConflict, fmt.Sprintf("job %q already exists", id))
	}

	job := NewJob(id, name, b.queue, payload, resolved, b.now())
	b.jobs[id] = job
	if job.State == StateWaiting {
		b.waiting = append(b.waiting, id)
	}
	b.signal()
	recordJobEnqueued(b.Kind(), b.queue, name)
	return JobHandle{ID: id}, nil
}

// Reserve implements Consumer.
func (b *MemoryBroker) Reserve(ctx context.Context, leaseFor time.Duration) (*Job, *Lease, error) {
	if leaseFor <= 0 {
		leaseFor = DefaultLeaseDuration
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		job, lease, err := b.tryReserve(leaseFor)
		if err != nil || job != nil {
			return job, lease, err
		}
		timer := time.NewTimer(b.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil, ctx.Err()
		case <-b.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (b *MemoryBroker) tryReserve(leaseFor time.Duration) (*Job, *Lease, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, jobsError(ErrClosed, "memory broker is closed")
	}
	now := b.now()
	b.promoteLocked(now)
	if len(b.waiting) == 0 {
		return nil, nil, nil
	}

	id := b.waiting[0]
	b.waiting = b.waiting[1:]
	job := b.jobs[id]
	job.State = StateActive
	token := uuid.NewString()
	lease := &Lease{JobID: id, Token: token, Queue: b.queue, ExpireAt: now.Add(leaseFor)}
	b.leases[token] = &memoryLease{jobID: id, expireAt: lease.ExpireAt}
	if len(b.waiting) > 0 {
		b.signal()
	}
	return job.Clone(), lease, nil
}

// promoteLocked moves due delayed jobs to waiting and returns jobs with
// expired leases to waiting.
func (b *MemoryBroker) promoteLocked(now time.Time) {
	var due []*Job
	for _, job := range b.jobs {
		if job.State == StateDelayed && !job.RunAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].RunAt.Equal(due[j].RunAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].RunAt.Before(due[j].RunAt)
	})
	for _, job := range due {
		job.State = StateWaiting
		b.waiting = append(b.waiting, job.ID)
	}

	for token, lease := range b.leases {
		if lease.expireAt.After(now) {
			continue
		}
		delete(b.leases, token)
		if job, ok := b.jobs[lease.jobID]; ok && job.State == StateActive {
			job.State = StateWaiting
			b.waiting = append(b.waiting, job.ID)
		}
	}
}

// Renew implements Consumer.
func (b *MemoryBroker) Renew(_ context.Context, lease *Lease, leaseFor time.Duration) error {
	if leaseFor <= 0 {
		leaseFor = DefaultLeaseDuration
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	held, err := b.leaseLocked(lease)
	if err != nil {
		return err
	}
	held.expireAt = b.now().Add(leaseFor)
	lease.ExpireAt = held.expireAt
	return nil
}

// Ack implements Consumer.
func (b *MemoryBroker) Ack(_ context.Context, lease *Lease, result any) error {
	encoded, err := encodeResult(result)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	job, err := b.releaseLocked(lease)
	if err != nil {
		return err
	}
	now := b.now()
	job.State = StateCompleted
	job.FinishedAt = &now
	job.Result = encoded
	b.completed = b.retainLocked(append(b.completed, job.ID), job.RemoveOnComplete)
	return nil
}

// Nack implements Consumer.
func (b *MemoryBroker) Nack(_ context.Context, lease *Lease, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, err := b.releaseLocked(lease)
	if err != nil {
		return err
	}
	now := b.now()
	job.AttemptsMade++
	job.FailedReason = reason
	if job.AttemptsMade >= job.MaxAttempts {
		b.failLocked(job, now)
		return nil
	}
	job.State = StateDelayed
	job.RunAt = now.Add(RetryDelay(job.AttemptsMade, time.Duration(job.BackoffMs)*time.Millisecond, b.defaults.MaxBackoff))
	return nil
}

// Fail implements Consumer.
func (b *MemoryBroker) Fail(_ context.Context, lease *Lease, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, err := b.releaseLocked(lease)
	if err != nil {
		return err
	}
	job.AttemptsMade++
	job.FailedReason = reason
	b.failLocked(job, b.now())
	return nil
}

func (b *MemoryBroker) failLocked(job *Job, now time.Time) {
	job.State = StateFailed
	job.FinishedAt = &now
	b.failed = b.retainLocked(append(b.failed, job.ID), job.RemoveOnFail)
}

// retainLocked keeps the newest keep ids and deletes the bodies of the rest.
func (b *MemoryBroker) retainLocked(ids []string, keep int) []string {
	if keep <= 0 || len(ids) <= keep {
		return ids
	}
	drop := len(ids) - keep
	for _, id := range ids[:drop] {
		delete(b.jobs, id)
	}
	return append([]string(nil), ids[drop:]...)
}

func (b *MemoryBroker) leaseLocked(lease *Lease) (*memoryLease, error) {
	if b.closed {
		return nil, jobsError(ErrClosed, "memory broker is closed")
	}
	if lease == nil || strings.TrimSpace(lease.Token) == "" {
		return nil, jobsError(ErrInvalidArgument, "lease token is required")
	}
	held, ok := b.leases[lease.Token]
	if !ok {
		return nil, jobsError(ErrNotFound, "lease not found or expired")
	}
	return held, nil
}

func (b *MemoryBroker) releaseLocked(lease *Lease) (*Job, error) {
	held, err := b.leaseLocked(lease)
	if err != nil {
		return nil, err
	}
	delete(b.leases, lease.Token)
	job, ok := b.jobs[held.jobID]
	if !ok {
		return nil, jobsError(ErrNotFound, fmt.Sprintf("job %q not found", held.jobID))
	}
	return job, nil
}

// JobCounts implements Broker.
func (b *MemoryBroker) JobCounts(_ context.Context, states ...State) (map[State]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.promoteLocked(b.now())
	counts := make(map[State]int64)
	for _, state := range normalizeStates(states) {
		counts[state] = 0
	}
	for _, job := range b.jobs {
		if _, tracked := counts[job.State]; tracked {
			counts[job.State]++
		}
	}
	return counts, nil
}

// GetJob implements Broker.
func (b *MemoryBroker) GetJob(_ context.Context, id string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return nil, nil
	}
	return job.Clone(), nil
}

// GetJobs implements Broker. Waiting jobs are listed in queue order, delayed
// jobs by due time and finished jobs newest first.
func (b *MemoryBroker) GetJobs(_ context.Context, states []State, start, end int) ([]*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.promoteLocked(b.now())

	var ordered []*Job
	for _, state := range normalizeStates(states) {
		switch state {
		case StateWaiting:
			for _, id := range b.waiting {
				ordered = append(ordered, b.jobs[id])
			}
		case StateActive, StateDelayed:
			var matched []*Job
			for _, job := range b.jobs {
				if job.State == state {
					matched = append(matched, job)
				}
			}
			sort.Slice(matched, func(i, j int) bool { return matched[i].RunAt.Before(matched[j].RunAt) })
			ordered = append(ordered, matched...)
		case StateCompleted:
			ordered = append(ordered, b.newestFirstLocked(b.completed)...)
		case StateFailed:
			ordered = append(ordered, b.newestFirstLocked(b.failed)...)
		}
	}

	lo, hi, ok := pageBounds(len(ordered), start, end)
	if !ok {
		return []*Job{}, nil
	}
	out := make([]*Job, 0, hi-lo)
	for _, job := range ordered[lo:hi] {
		out = append(out, job.Clone())
	}
	return out, nil
}

func (b *MemoryBroker) newestFirstLocked(ids []string) []*Job {
	out := make([]*Job, 0, len(ids))
	for idx := len(ids) - 1; idx >= 0; idx-- {
		if job, ok := b.jobs[ids[idx]]; ok {
			out = append(out, job)
		}
	}
	return out
}

// Remove implements Broker.
func (b *MemoryBroker) Remove(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return jobsError(ErrNotFound, fmt.Sprintf("job %q not found", id))
	}
	if job.State == StateActive {
		return jobsError(ErrConflict, fmt.Sprintf("job %q is active", id))
	}
	delete(b.jobs, id)
	b.waiting = without(b.waiting, id)
	b.completed = without(b.completed, id)
	b.failed = without(b.failed, id)
	return nil
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, candidate := range ids {
		if candidate != id {
			out = append(out, candidate)
		}
	}
	return out
}

// HealthCheck implements Broker.
func (b *MemoryBroker) HealthCheck(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return jobsError(ErrClosed, "memory broker is closed")
	}
	return nil
}

// Close implements Broker and Consumer. It is safe to call more than once.
func (b *MemoryBroker) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *MemoryBroker) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func encodeResult(result any) (json.RawMessage, error) {
	if result == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, jobsError(ErrValidation, fmt.Sprintf("job result is not JSON encodable: %v", err))
	}
	return encoded, nil
}
