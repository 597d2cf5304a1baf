package health

import (
	"context"
	"time"
)

const defaultCheckTimeout = 5 * time.Second

// Checkable is any component exposing a liveness probe.
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc reports a status, an optional message and an optional error.
type CheckFunc func(ctx context.Context) (Status, string, error)

type funcChecker struct {
	name    string
	fn      CheckFunc
	timeout time.Duration
}

func (c *funcChecker) Name() string { return c.name }

func (c *funcChecker) Check(ctx context.Context) CheckResult {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	start := time.Now()
	status, message, err := c.fn(ctx)
	result := CheckResult{
		Name:      c.name,
		Status:    status,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

// NewCustomChecker builds a checker from fn. fn bounds its own runtime.
func NewCustomChecker(name string, fn CheckFunc) Checker {
	return &funcChecker{name: name, fn: fn}
}

// NewAdapterChecker probes a required component: a failing probe is unhealthy.
func NewAdapterChecker(name string, target Checkable, timeout time.Duration) Checker {
	return probeChecker(name, target, timeout, StatusUnhealthy)
}

// NewOptionalChecker probes a component whose outage only degrades the process.
func NewOptionalChecker(name string, target Checkable, timeout time.Duration) Checker {
	return probeChecker(name, target, timeout, StatusDegraded)
}

func probeChecker(name string, target Checkable, timeout time.Duration, onFailure Status) Checker {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &funcChecker{
		name:    name,
		timeout: timeout,
		fn: func(ctx context.Context) (Status, string, error) {
			if err := target.HealthCheck(ctx); err != nil {
				return onFailure, "", err
			}
			return StatusHealthy, "OK", nil
		},
	}
}
