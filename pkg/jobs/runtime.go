package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
	"github.com/ledgerpulse/ledgerpulse/pkg/observability/tracing"
	"github.com/ledgerpulse/ledgerpulse/pkg/resilience"
)

// DefaultProbeTimeout bounds the startup broker probe.
const DefaultProbeTimeout = 3 * time.Second

// RuntimeConfig decides and configures the execution strategy.
type RuntimeConfig struct {
	// ResilientMode allows falling back to direct execution when the broker
	// is missing or unreachable at startup.
	ResilientMode bool
	// ForceDirect selects direct execution regardless of the broker.
	ForceDirect  bool
	ProbeTimeout time.Duration
	Queue        string
	Worker       WorkerConfig
}

func (c *RuntimeConfig) normalize() {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if strings.TrimSpace(c.Queue) == "" {
		c.Queue = DefaultQueue
	}
}

// ModeDecision records why a mode was selected.
type ModeDecision struct {
	Mode   Mode
	Reason string
}

// SelectMode probes the broker once and picks the execution strategy. Without
// resilient mode an unreachable broker is an error: the process must not
// silently change how jobs run.
func SelectMode(ctx context.Context, cfg RuntimeConfig, broker Broker) (ModeDecision, error) {
	cfg.normalize()
	if cfg.ForceDirect {
		return ModeDecision{Mode: ModeDirect, Reason: "direct execution forced by configuration"}, nil
	}
	if broker == nil {
		if cfg.ResilientMode {
			return ModeDecision{Mode: ModeDirect, Reason: "no broker configured"}, nil
		}
		return ModeDecision{}, jobsError(ErrBrokerUnavailable, "no broker configured and resilient mode is off")
	}

	probeErr := resilience.WithTimeout(ctx, cfg.ProbeTimeout, broker.HealthCheck)
	if probeErr == nil {
		return ModeDecision{Mode: ModeQueued, Reason: fmt.Sprintf("%s broker reachable", broker.Kind())}, nil
	}
	if cfg.ResilientMode {
		return ModeDecision{Mode: ModeDirect, Reason: fmt.Sprintf("%s broker unreachable: %v", broker.Kind(), probeErr)}, nil
	}
	return ModeDecision{}, errors.Join(jobsError(ErrBrokerUnavailable, broker.Kind()+" broker probe failed"), probeErr)
}

// Submission is the outcome of Runtime.Submit.
type Submission struct {
	Mode   Mode   `json:"mode"`
	JobID  string `json:"jobId,omitempty"`
	Result any    `json:"result,omitempty"`
}

// Runtime owns the strategy selected at startup. The mode never changes for
// the lifetime of the process.
type Runtime struct {
	decision ModeDecision
	config   RuntimeConfig
	deps     Dependencies
	log      logger.Logger

	broker   Broker
	consumer Consumer
	queued   *QueuedExecutor
	direct   *DirectExecutor
}

// NewRuntime selects the mode and builds the matching executor. In direct
// mode the broker and consumer are closed and never used again.
func NewRuntime(ctx context.Context, cfg RuntimeConfig, deps Dependencies, broker Broker, consumer Consumer) (*Runtime, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg.normalize()

	decision, err := SelectMode(ctx, cfg, broker)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{decision: decision, config: cfg, deps: deps, log: deps.Logger}
	switch decision.Mode {
	case ModeQueued:
		if consumer == nil {
			return nil, jobsError(ErrInvalidArgument, "consumer is required in queued mode")
		}
		queued, err := NewQueuedExecutor(consumer, deps, cfg.Worker)
		if err != nil {
			return nil, err
		}
		rt.broker = broker
		rt.consumer = consumer
		rt.queued = queued
	case ModeDirect:
		direct, err := NewDirectExecutor(deps, cfg.Queue)
		if err != nil {
			return nil, err
		}
		rt.direct = direct
		closeQuietly(rt.log, "consumer", consumer)
		closeQuietly(rt.log, "broker", broker)
	}

	rt.log.Info("JOBS_MODE_SELECTED", "mode", string(decision.Mode), "reason", decision.Reason, "queue", cfg.Queue)
	return rt, nil
}

type closer interface{ Close() error }

func closeQuietly(log logger.Logger, what string, c closer) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		log.Warn("close failed", "component", what, "error", err)
	}
}

// Mode returns the startup decision.
func (r *Runtime) Mode() Mode { return r.decision.Mode }

// Decision returns the mode and the reason it was chosen.
func (r *Runtime) Decision() ModeDecision { return r.decision }

// Queue returns the queue name jobs are labelled with.
func (r *Runtime) Queue() string { return r.config.Queue }

// Registry returns the shared handler registry.
func (r *Runtime) Registry() *Registry { return r.deps.Registry }

// Broker returns the broker in queued mode.
func (r *Runtime) Broker() (Broker, bool) {
	return r.broker, r.broker != nil
}

// Direct exposes the direct executor in direct mode.
func (r *Runtime) Direct() (*DirectExecutor, bool) {
	return r.direct, r.direct != nil
}

// EnqueueJob puts a job on the broker. It fails with ErrBrokerUnavailable in
// direct mode and propagates broker errors otherwise.
func (r *Runtime) EnqueueJob(ctx context.Context, name string, payload Payload, opts Options) (JobHandle, error) {
	if r.broker == nil {
		return JobHandle{}, jobsError(ErrBrokerUnavailable, "runtime is in direct mode")
	}
	spanCtx, span := tracing.StartJobSpan(ctx, tracing.SpanOperationEnqueue,
		tracing.WithJobName(name),
		tracing.WithQueue(r.broker.Queue()),
		tracing.WithExecutionMode(string(ModeQueued)),
	)
	defer span.End()

	handle, err := r.broker.Enqueue(spanCtx, name, payload, opts)
	if err != nil {
		tracing.RecordError(span, err)
		return JobHandle{}, err
	}
	tracing.RecordSuccess(span)
	return handle, nil
}

// ProcessJobDirectly runs name synchronously once. Only available in direct mode.
func (r *Runtime) ProcessJobDirectly(ctx context.Context, name string, payload Payload) (any, error) {
	if r.direct == nil {
		return nil, jobsError(ErrDirectModeUnavailable, "runtime is in queued mode")
	}
	return r.direct.Process(ctx, name, payload)
}

// Submit enqueues in queued mode and processes directly in direct mode.
func (r *Runtime) Submit(ctx context.Context, name string, payload Payload, opts Options) (Submission, error) {
	if r.direct != nil {
		result, err := r.direct.Process(ctx, name, payload)
		return Submission{Mode: ModeDirect, Result: result}, err
	}
	handle, err := r.EnqueueJob(ctx, name, payload, opts)
	if err != nil {
		return Submission{Mode: ModeQueued}, err
	}
	return Submission{Mode: ModeQueued, JobID: handle.ID}, nil
}

// Run starts the queued pool and blocks until ctx ends. In direct mode there
// is nothing to consume, so it only waits.
func (r *Runtime) Run(ctx context.Context) error {
	if r.queued != nil {
		return r.queued.Start(ctx)
	}
	<-ctx.Done()
	return nil
}

// WorkerStatus reports the queued pool; in direct mode it reports a
// non-running worker.
func (r *Runtime) WorkerStatus() WorkerStatus {
	if r.queued != nil {
		return r.queued.Status()
	}
	return WorkerStatus{Mode: ModeDirect}
}

// HealthCheck probes the broker in queued mode.
func (r *Runtime) HealthCheck(ctx context.Context) error {
	if r.broker == nil {
		return nil
	}
	return r.broker.HealthCheck(ctx)
}

// Close stops the pool and releases the broker.
func (r *Runtime) Close() error {
	var errs []error
	if r.queued != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.queued.config.StopTimeout)
		errs = append(errs, r.queued.Stop(ctx))
		cancel()
	}
	if r.consumer != nil {
		errs = append(errs, r.consumer.Close())
	}
	if r.broker != nil && closer(r.broker) != closer(r.consumer) {
		errs = append(errs, r.broker.Close())
	}
	return errors.Join(errs...)
}
