package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ledgerpulse/ledgerpulse/jobs"

// SpanOperation names a traced job lifecycle step.
type SpanOperation string

const (
	SpanOperationEnqueue SpanOperation = "job.enqueue"
	SpanOperationProcess SpanOperation = "job.process"
	SpanOperationDirect  SpanOperation = "job.direct"
	SpanOperationRecord  SpanOperation = "job.failure.record"
)

// JobSpanOption decorates a job span.
type JobSpanOption func(*jobSpanOptions)

type jobSpanOptions struct {
	jobName    string
	attributes []attribute.KeyValue
}

// WithJobName sets the registered job name; it also becomes part of the span name.
func WithJobName(name string) JobSpanOption {
	return func(o *jobSpanOptions) {
		o.jobName = name
		o.attributes = append(o.attributes, attribute.String("job.name", name))
	}
}

// WithJobID sets the broker job id.
func WithJobID(id string) JobSpanOption {
	return func(o *jobSpanOptions) {
		o.attributes = append(o.attributes, attribute.String("job.id", id))
	}
}

// WithQueue sets the queue name.
func WithQueue(queue string) JobSpanOption {
	return func(o *jobSpanOptions) {
		o.attributes = append(o.attributes, attribute.String("job.queue", queue))
	}
}

// WithRunID sets the correlation id of one execution.
func WithRunID(runID string) JobSpanOption {
	return func(o *jobSpanOptions) {
		o.attributes = append(o.attributes, attribute.String("job.run_id", runID))
	}
}

// WithAttempt sets the 1-based attempt and the attempt ceiling.
func WithAttempt(attempt, maxAttempts int) JobSpanOption {
	return func(o *jobSpanOptions) {
		o.attributes = append(o.attributes,
			attribute.Int("job.attempt", attempt),
			attribute.Int("job.max_attempts", maxAttempts),
		)
	}
}

// WithExecutionMode tags the span with "queued" or "direct".
func WithExecutionMode(mode string) JobSpanOption {
	return func(o *jobSpanOptions) {
		o.attributes = append(o.attributes, attribute.String("job.execution_mode", mode))
	}
}

// StartJobSpan starts a span for one job lifecycle step using the global provider.
func StartJobSpan(ctx context.Context, operation SpanOperation, opts ...JobSpanOption) (context.Context, trace.Span) {
	o := &jobSpanOptions{
		attributes: []attribute.KeyValue{attribute.String("job.operation", string(operation))},
	}
	for _, opt := range opts {
		opt(o)
	}

	name := fmt.Sprintf("JOB %s", operation)
	if o.jobName != "" {
		name = fmt.Sprintf("JOB %s %s", operation, o.jobName)
	}

	kind := trace.SpanKindInternal
	switch operation {
	case SpanOperationEnqueue:
		kind = trace.SpanKindProducer
	case SpanOperationProcess:
		kind = trace.SpanKindConsumer
	}

	ctx, span := otel.Tracer(instrumentationName).Start(ctx, name, trace.WithSpanKind(kind))
	span.SetAttributes(o.attributes...)
	return ctx, span
}

// RecordError marks the span failed.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordSuccess marks the span ok.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
