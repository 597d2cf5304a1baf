package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
	return recorder
}

func attr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestStartJobSpan_ProcessAttributes(t *testing.T) {
	recorder := installRecorder(t)

	_, span := StartJobSpan(context.Background(), SpanOperationProcess,
		WithJobName("healthPing"),
		WithJobID("42"),
		WithQueue("ledgerpulse-jobs"),
		WithRunID("job-42"),
		WithAttempt(2, 5),
		WithExecutionMode("queued"),
	)
	RecordSuccess(span)
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected one span, got %d", len(ended))
	}
	got := ended[0]
	if got.Name() != "JOB job.process healthPing" {
		t.Fatalf("unexpected span name %q", got.Name())
	}
	if got.SpanKind() != trace.SpanKindConsumer {
		t.Fatalf("expected consumer span, got %v", got.SpanKind())
	}
	if v, ok := attr(got, "job.attempt"); !ok || v.AsInt64() != 2 {
		t.Fatalf("expected job.attempt=2, got %v", v)
	}
	if v, ok := attr(got, "job.run_id"); !ok || v.AsString() != "job-42" {
		t.Fatalf("expected run id attribute, got %v", v)
	}
	if got.Status().Code != codes.Ok {
		t.Fatalf("expected ok status, got %v", got.Status())
	}
}

func TestRecordError_SetsStatus(t *testing.T) {
	recorder := installRecorder(t)

	_, span := StartJobSpan(context.Background(), SpanOperationDirect)
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	span.End()

	got := recorder.Ended()[0]
	if got.Name() != "JOB job.direct" {
		t.Fatalf("unexpected span name %q", got.Name())
	}
	if got.Status().Code != codes.Error || got.Status().Description != "boom" {
		t.Fatalf("expected error status, got %+v", got.Status())
	}
	if len(got.Events()) != 1 {
		t.Fatalf("expected a single exception event, got %d", len(got.Events()))
	}
}

func TestProviderConfig_Validate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     ProviderConfig
		wantErr bool
	}{
		{name: "disabled", cfg: ProviderConfig{}},
		{name: "missing service", cfg: ProviderConfig{Enabled: true, Endpoint: "localhost:4317", SampleRate: 1}, wantErr: true},
		{name: "missing endpoint", cfg: ProviderConfig{Enabled: true, ServiceName: "ledgerpulse", SampleRate: 1}, wantErr: true},
		{name: "bad rate", cfg: ProviderConfig{Enabled: true, ServiceName: "ledgerpulse", Endpoint: "x:1", SampleRate: 2}, wantErr: true},
		{name: "valid", cfg: ProviderConfig{Enabled: true, ServiceName: "ledgerpulse", Endpoint: "x:1", SampleRate: 0.5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestNewProvider_DisabledIsUsable(t *testing.T) {
	p, err := NewProvider(context.Background(), ProviderConfig{})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if p.Enabled() {
		t.Fatal("expected disabled provider")
	}
	_, span := p.Tracer("test").Start(context.Background(), "noop")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
