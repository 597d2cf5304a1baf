package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/ledgerpulse/ledgerpulse/pkg/health"
)

func TestNewLockHealthChecker(t *testing.T) {
	provider := NewMemoryLockProvider()
	checker := NewLockHealthChecker("", provider, time.Second)
	if checker.Name() != "scheduler-lock" {
		t.Fatalf("unexpected checker name: %s", checker.Name())
	}
	if result := checker.Check(context.Background()); result.Status != health.StatusHealthy {
		t.Fatalf("expected healthy, got %s", result.Status)
	}

	_ = provider.Close()
	if result := checker.Check(context.Background()); result.Status != health.StatusDegraded {
		t.Fatalf("expected degraded after close, got %s", result.Status)
	}
}
