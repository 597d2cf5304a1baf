package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
	"github.com/ledgerpulse/ledgerpulse/pkg/observability/tracing"
)

const (
	// DefaultConcurrency is the number of consumer slots of a queued executor.
	DefaultConcurrency = 4
	// DefaultReserveTimeout bounds one blocking reserve call.
	DefaultReserveTimeout = 5 * time.Second
	// DefaultStopTimeout bounds how long Start waits for in-flight jobs on shutdown.
	DefaultStopTimeout = 30 * time.Second

	minLeaseRenewInterval = 100 * time.Millisecond
	reserveErrorBackoff   = 100 * time.Millisecond
)

// WorkerConfig configures the queued executor.
type WorkerConfig struct {
	Concurrency    int
	LeaseDuration  time.Duration
	ReserveTimeout time.Duration
	StopTimeout    time.Duration
}

func (c *WorkerConfig) normalize() {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	if c.ReserveTimeout <= 0 {
		c.ReserveTimeout = DefaultReserveTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
}

// WorkerStatus is the liveness view of a queued executor.
type WorkerStatus struct {
	Mode          Mode       `json:"mode"`
	Running       bool       `json:"running"`
	Concurrency   int        `json:"concurrency"`
	Active        int64      `json:"active"`
	Processed     int64      `json:"processed"`
	Failed        int64      `json:"failed"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
}

// QueuedExecutor pulls jobs from a Consumer with a bounded pool of slots.
type QueuedExecutor struct {
	consumer Consumer
	deps     Dependencies
	log      logger.Logger
	config   WorkerConfig

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	active    atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	startedAt atomic.Int64
	heartbeat atomic.Int64
}

// NewQueuedExecutor wires a consumer to the handler registry.
func NewQueuedExecutor(consumer Consumer, deps Dependencies, cfg WorkerConfig) (*QueuedExecutor, error) {
	if consumer == nil {
		return nil, jobsError(ErrInvalidArgument, "consumer is required")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg.normalize()
	return &QueuedExecutor{
		consumer: consumer,
		deps:     deps,
		log:      deps.Logger,
		config:   cfg,
	}, nil
}

// Start runs the consumer slots and blocks until ctx is canceled, then drains
// in-flight jobs within StopTimeout.
func (e *QueuedExecutor) Start(ctx context.Context) error {
	if e == nil {
		return jobsError(ErrNotInitialized, "queued executor is nil")
	}
	if ctx == nil {
		return jobsError(ErrInvalidArgument, "context is required")
	}

	e.lifecycleMu.Lock()
	if e.running {
		e.lifecycleMu.Unlock()
		return jobsError(ErrConflict, "queued executor already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	now := time.Now().UTC().UnixNano()
	e.startedAt.Store(now)
	e.heartbeat.Store(now)
	e.lifecycleMu.Unlock()

	e.log.Info("queued executor started", "concurrency", e.config.Concurrency)
	for slot := 0; slot < e.config.Concurrency; slot++ {
		e.wg.Add(1)
		go e.runSlot(runCtx)
	}

	<-runCtx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), e.config.StopTimeout)
	defer stopCancel()
	return e.Stop(stopCtx)
}

// Stop cancels reservation and waits for running handlers to return.
func (e *QueuedExecutor) Stop(ctx context.Context) error {
	if e == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	e.lifecycleMu.Lock()
	if !e.running {
		e.lifecycleMu.Unlock()
		return nil
	}
	cancel := e.cancel
	e.cancel = nil
	e.running = false
	e.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitCh:
		e.log.Info("queued executor stopped", "processed", e.processed.Load(), "failed", e.failed.Load())
		return nil
	}
}

// Status reports liveness counters.
func (e *QueuedExecutor) Status() WorkerStatus {
	e.lifecycleMu.Lock()
	running := e.running
	e.lifecycleMu.Unlock()

	status := WorkerStatus{
		Mode:        ModeQueued,
		Running:     running,
		Concurrency: e.config.Concurrency,
		Active:      e.active.Load(),
		Processed:   e.processed.Load(),
		Failed:      e.failed.Load(),
	}
	if started := e.startedAt.Load(); started > 0 {
		t := time.Unix(0, started).UTC()
		status.StartedAt = &t
	}
	if beat := e.heartbeat.Load(); beat > 0 {
		t := time.Unix(0, beat).UTC()
		status.LastHeartbeat = &t
	}
	return status
}

func (e *QueuedExecutor) runSlot(ctx context.Context) {
	defer e.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		e.heartbeat.Store(time.Now().UTC().UnixNano())

		reserveCtx, cancel := context.WithTimeout(ctx, e.config.ReserveTimeout)
		job, lease, err := e.consumer.Reserve(reserveCtx, e.config.LeaseDuration)
		cancel()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, ErrClosed) {
				return
			}
			e.log.Warn("jobs reserve failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reserveErrorBackoff):
				continue
			}
		}
		if job == nil || lease == nil {
			continue
		}

		// A reserved job runs to completion even when shutdown starts.
		e.process(context.WithoutCancel(ctx), job, lease)
	}
}

func (e *QueuedExecutor) process(ctx context.Context, job *Job, lease *Lease) {
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	rc := RunContext{
		RunID:       "job-" + job.ID,
		JobID:       job.ID,
		JobName:     job.Name,
		Queue:       job.Queue,
		Attempt:     job.AttemptsMade + 1,
		MaxAttempts: maxAttempts,
		Mode:        ModeQueued,
		CompanyID:   job.Payload.CompanyID(),
	}
	ctx = withRunContext(ctx, rc)
	rc.Logger = runContextLogger(e.log, ctx, rc)

	spanCtx, span := tracing.StartJobSpan(ctx, tracing.SpanOperationProcess,
		tracing.WithJobName(rc.JobName),
		tracing.WithJobID(rc.JobID),
		tracing.WithQueue(rc.Queue),
		tracing.WithRunID(rc.RunID),
		tracing.WithAttempt(rc.Attempt, rc.MaxAttempts),
		tracing.WithExecutionMode(string(ModeQueued)),
	)
	defer span.End()

	e.active.Add(1)
	doneInFlight := trackInFlight(rc.Queue, ModeQueued)
	start := time.Now()

	stopRenew, renewDone := e.startLeaseRenewal(ctx, lease)
	out := dispatch(spanCtx, e.deps.Registry, job.Payload, rc)
	stopRenew()
	if renewErr := <-renewDone; renewErr != nil {
		rc.Logger.Warn("job lease renewal failed", "job_id", job.ID, "error", renewErr)
	}

	elapsed := time.Since(start)
	doneInFlight()
	e.active.Add(-1)
	e.processed.Add(1)

	if !out.failed() {
		if err := e.consumer.Ack(ctx, lease, out.result); err != nil {
			tracing.RecordError(span, err)
			rc.Logger.Error("job ack failed", "job_id", job.ID, "error", err)
			recordJobProcessed(rc.Queue, rc.JobName, ModeQueued, "ack_error", elapsed.Seconds())
			return
		}
		tracing.RecordSuccess(span)
		recordJobProcessed(rc.Queue, rc.JobName, ModeQueued, "success", elapsed.Seconds())
		rc.Logger.Info("JOB_FINISHED", "job_id", job.ID, "run_id", rc.RunID, "duration_ms", elapsed.Milliseconds())
		return
	}

	e.failed.Add(1)
	tracing.RecordError(span, out.err)
	final := !out.retryable || rc.Attempt >= rc.MaxAttempts
	e.deps.recordAttempt(ctx, rc, job.Payload, out, final)
	rc.Logger.Warn("JOB_FAILED",
		"job_id", job.ID,
		"run_id", rc.RunID,
		"final", final,
		"retryable", out.retryable,
		"error", out.err,
	)

	var settleErr error
	status := "retry"
	if final {
		status = "failed"
		settleErr = e.consumer.Fail(ctx, lease, out.err.Error())
	} else {
		settleErr = e.consumer.Nack(ctx, lease, out.err.Error())
	}
	if settleErr != nil {
		rc.Logger.Error("job settle failed", "job_id", job.ID, "final", final, "error", settleErr)
		status = "settle_error"
	}
	recordJobProcessed(rc.Queue, rc.JobName, ModeQueued, status, elapsed.Seconds())
}

func (e *QueuedExecutor) startLeaseRenewal(ctx context.Context, lease *Lease) (func(), <-chan error) {
	done := make(chan error, 1)
	renewCtx, cancel := context.WithCancel(ctx)
	interval := e.config.LeaseDuration / 2
	if interval < minLeaseRenewInterval {
		interval = minLeaseRenewInterval
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				done <- nil
				return
			case <-ticker.C:
				if err := e.consumer.Renew(renewCtx, lease, e.config.LeaseDuration); err != nil {
					if renewCtx.Err() != nil {
						done <- nil
						return
					}
					done <- err
					return
				}
			}
		}
	}()

	return cancel, done
}
