package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
	"github.com/ledgerpulse/ledgerpulse/pkg/observability/tracing"
)

// DirectExecutor runs a handler synchronously in the caller's goroutine,
// exactly once, with no retry and no backoff.
type DirectExecutor struct {
	deps  Dependencies
	log   logger.Logger
	queue string
	now   func() time.Time
}

// NewDirectExecutor builds the direct strategy. queue labels records and metrics.
func NewDirectExecutor(deps Dependencies, queue string) (*DirectExecutor, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(queue) == "" {
		queue = DefaultQueue
	}
	return &DirectExecutor{
		deps:  deps,
		log:   deps.Logger,
		queue: queue,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Process executes name once. Failures are recorded as final attempts,
// reported, logged and returned to the caller, who decides whether to call again.
func (e *DirectExecutor) Process(ctx context.Context, name string, payload Payload) (any, error) {
	if e == nil {
		return nil, jobsError(ErrNotInitialized, "direct executor is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if payload == nil {
		payload = Payload{}
	}

	rc := RunContext{
		RunID:       newDirectRunID(e.now()),
		JobName:     name,
		Queue:       e.queue,
		Attempt:     1,
		MaxAttempts: 1,
		Mode:        ModeDirect,
		CompanyID:   payload.CompanyID(),
	}
	ctx = withRunContext(ctx, rc)
	rc.Logger = runContextLogger(e.log, ctx, rc)

	spanCtx, span := tracing.StartJobSpan(ctx, tracing.SpanOperationDirect,
		tracing.WithJobName(name),
		tracing.WithQueue(e.queue),
		tracing.WithRunID(rc.RunID),
		tracing.WithAttempt(1, 1),
		tracing.WithExecutionMode(string(ModeDirect)),
	)
	defer span.End()

	doneInFlight := trackInFlight(e.queue, ModeDirect)
	start := time.Now()
	out := dispatch(spanCtx, e.deps.Registry, payload, rc)
	elapsed := time.Since(start)
	doneInFlight()

	if out.failed() {
		tracing.RecordError(span, out.err)
		e.deps.recordAttempt(ctx, rc, payload, out, true)
		recordJobProcessed(e.queue, name, ModeDirect, "failed", elapsed.Seconds())
		rc.Logger.Error("DIRECT_JOB_FAILED", "run_id", rc.RunID, "error", out.err)
		return nil, out.err
	}

	tracing.RecordSuccess(span)
	recordJobProcessed(e.queue, name, ModeDirect, "success", elapsed.Seconds())
	rc.Logger.Info("JOB_FINISHED", "run_id", rc.RunID, "duration_ms", elapsed.Milliseconds())
	return out.result, nil
}

func newDirectRunID(now time.Time) string {
	return fmt.Sprintf("sync-%d-%s", now.UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
