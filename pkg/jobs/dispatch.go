package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/ledgerpulse/ledgerpulse/pkg/errorreport"
	"github.com/ledgerpulse/ledgerpulse/pkg/failures"
	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
)

// FailureRecorder is the dead-letter side the executors report into.
// Implementations must be best effort: they never return errors.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, in failures.Input) *failures.Record
	CheckFailureSpike(ctx context.Context, queue string) int
}

// Dependencies are the collaborators shared by both execution strategies.
type Dependencies struct {
	Registry *Registry
	Failures FailureRecorder
	// Reporter receives final and direct-mode failures. Optional.
	Reporter errorreport.Reporter
	Logger   logger.Logger
}

func (d Dependencies) validate() error {
	if d.Logger == nil {
		return jobsError(ErrInvalidArgument, "logger is required")
	}
	if d.Registry == nil {
		return jobsError(ErrInvalidArgument, "registry is required")
	}
	if d.Failures == nil {
		return jobsError(ErrInvalidArgument, "failure recorder is required")
	}
	return nil
}

func (d Dependencies) reporter() errorreport.Reporter {
	if d.Reporter == nil {
		return errorreport.Nop{}
	}
	return d.Reporter
}

// outcome is the classified result of one handler invocation.
type outcome struct {
	result    any
	err       error
	stack     string
	retryable bool
}

func (o outcome) failed() bool { return o.err != nil }

// dispatch looks up the handler, validates the payload, invokes the handler
// and classifies the result. Both executors go through it.
func dispatch(ctx context.Context, registry *Registry, payload Payload, rc RunContext) outcome {
	entry, ok := registry.lookup(rc.JobName)
	if !ok {
		err := jobsError(ErrUnknownJob, fmt.Sprintf("no handler registered for job %q", rc.JobName))
		return outcome{err: err, stack: err.Error()}
	}
	if err := entry.validate(payload); err != nil {
		return outcome{err: err, stack: err.Error()}
	}

	result, err := invoke(ctx, entry.handler, payload, rc)
	if err == nil {
		return outcome{result: result}
	}

	out := outcome{err: err, retryable: !IsNonRetryable(err)}
	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		out.stack = panicErr.Stack
	} else {
		out.stack = fmt.Sprintf("%+v", err)
	}
	return out
}

func invoke(ctx context.Context, handler Handler, payload Payload, rc RunContext) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = &PanicError{Value: rec, Stack: string(debug.Stack())}
		}
	}()
	return handler.Handle(ctx, payload.Clone(), rc)
}

// recordAttempt writes the failure to the dead-letter store. A final attempt
// also triggers the spike check and error reporting.
func (d Dependencies) recordAttempt(ctx context.Context, rc RunContext, payload Payload, out outcome, final bool) {
	var companyID *string
	if rc.CompanyID != "" {
		id := rc.CompanyID
		companyID = &id
	}
	d.Failures.RecordFailure(ctx, failures.Input{
		JobID:          rc.JobID,
		JobName:        rc.JobName,
		QueueName:      rc.Queue,
		CompanyID:      companyID,
		Payload:        map[string]any(payload),
		AttemptsMade:   rc.Attempt,
		MaxAttempts:    rc.MaxAttempts,
		FailedReason:   out.err.Error(),
		StackTrace:     out.stack,
		IsFinalAttempt: final,
	})
	recordJobFailureMetric(rc.Queue, rc.JobName, rc.Mode, final)
	if !final {
		return
	}
	if rc.Mode == ModeQueued {
		d.Failures.CheckFailureSpike(ctx, rc.Queue)
	}
	d.reporter().Capture(ctx, out.err, map[string]string{
		"job_name": rc.JobName,
		"queue":    rc.Queue,
		"mode":     string(rc.Mode),
		"attempt":  fmt.Sprintf("%d/%d", rc.Attempt, rc.MaxAttempts),
	})
}

func runContextLogger(base logger.Logger, ctx context.Context, rc RunContext) logger.Logger {
	return base.WithContext(ctx).With(
		"job_name", rc.JobName,
		"queue", rc.Queue,
		"attempt", rc.Attempt,
		"max_attempts", rc.MaxAttempts,
		"mode", string(rc.Mode),
	)
}

func withRunContext(ctx context.Context, rc RunContext) context.Context {
	ctx = logger.ContextWithRunID(ctx, rc.RunID)
	if rc.JobID != "" {
		ctx = logger.ContextWithJobID(ctx, rc.JobID)
	}
	if rc.CompanyID != "" {
		ctx = logger.ContextWithCompanyID(ctx, rc.CompanyID)
	}
	return ctx
}
