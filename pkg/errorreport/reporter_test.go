package errorreport

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
)

type captureReporter struct {
	mu    sync.Mutex
	calls []map[string]string
}

func (c *captureReporter) Capture(_ context.Context, _ error, tags map[string]string) {
	c.mu.Lock()
	c.calls = append(c.calls, tags)
	c.mu.Unlock()
}

func TestLogReporter_WritesErrorEntry(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	reporter := NewLogReporter(logger.NewZapLoggerWithCore(core))

	ctx := logger.ContextWithRunID(context.Background(), "sync-1-abc")
	reporter.Capture(ctx, errors.New("boom"), map[string]string{"job_name": "generateMonthlySnapshots"})
	reporter.Capture(ctx, nil, nil)

	if logs.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", logs.Len())
	}
	fields := logs.All()[0].ContextMap()
	if fields["job_name"] != "generateMonthlySnapshots" || fields["run_id"] != "sync-1-abc" || fields["error"] != "boom" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestRateLimited_DropsAboveBurst(t *testing.T) {
	next := &captureReporter{}
	reporter := NewRateLimited(next, 1, 2, logger.NewNopLogger())

	for i := 0; i < 5; i++ {
		reporter.Capture(context.Background(), errors.New("x"), nil)
	}
	if len(next.calls) != 2 {
		t.Fatalf("expected burst of 2 reports, got %d", len(next.calls))
	}
}

func TestRateLimited_DisabledPassesThrough(t *testing.T) {
	next := &captureReporter{}
	reporter := NewRateLimited(next, 0, 0, nil)
	if reporter != Reporter(next) {
		t.Fatal("expected the wrapped reporter when limiting is disabled")
	}
	if _, ok := NewRateLimited(nil, 10, 1, nil).(Nop); !ok {
		t.Fatal("expected Nop for nil reporter")
	}
}

func TestNew_WithoutDSNUsesLogReporter(t *testing.T) {
	reporter, err := New(SentryConfig{}, 0, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok := reporter.(*LogReporter); !ok {
		t.Fatalf("expected *LogReporter, got %T", reporter)
	}
}

func TestNewSentryReporter_EmptyDSNIsUsable(t *testing.T) {
	reporter, err := NewSentryReporter(SentryConfig{Environment: "test"}, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewSentryReporter() error = %v", err)
	}
	reporter.Capture(context.Background(), errors.New("ignored"), map[string]string{"queue": "q"})
	reporter.Capture(context.Background(), nil, nil)
	if !reporter.Flush() {
		t.Fatal("expected flush to succeed with the no-op transport")
	}
}

func TestNewSentryReporter_InvalidDSN(t *testing.T) {
	if _, err := NewSentryReporter(SentryConfig{DSN: "::not-a-dsn"}, logger.NewNopLogger()); err == nil {
		t.Fatal("expected error for invalid DSN")
	}
}
