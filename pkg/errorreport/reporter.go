// Package errorreport forwards job and request errors to a cross-cutting reporting sink.
package errorreport

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
)

// Reporter captures an error together with searchable tags. Implementations
// must not block the caller for long and must never panic.
type Reporter interface {
	Capture(ctx context.Context, err error, tags map[string]string)
}

// Nop discards every report.
type Nop struct{}

// Capture implements Reporter.
func (Nop) Capture(context.Context, error, map[string]string) {}

// LogReporter writes reports as error log entries. It is the fallback when no
// external sink is configured.
type LogReporter struct {
	log logger.Logger
}

// NewLogReporter creates a LogReporter.
func NewLogReporter(log logger.Logger) *LogReporter {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &LogReporter{log: log}
}

// Capture implements Reporter.
func (r *LogReporter) Capture(ctx context.Context, err error, tags map[string]string) {
	if err == nil {
		return
	}
	args := make([]any, 0, 2+len(tags)*2)
	args = append(args, "error", err.Error())
	for key, value := range tags {
		args = append(args, key, value)
	}
	r.log.WithContext(ctx).Error("ERROR_REPORTED", args...)
}

// RateLimited drops reports above a fixed rate so a failure storm does not
// flood the downstream sink.
type RateLimited struct {
	next    Reporter
	limiter *rate.Limiter
	log     logger.Logger
}

// NewRateLimited wraps next with a token bucket of perMinute events and burst.
// A non-positive perMinute disables limiting.
func NewRateLimited(next Reporter, perMinute, burst int, log logger.Logger) Reporter {
	if next == nil {
		return Nop{}
	}
	if perMinute <= 0 {
		return next
	}
	if burst <= 0 {
		burst = 1
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst),
		log:     log,
	}
}

// Capture implements Reporter.
func (r *RateLimited) Capture(ctx context.Context, err error, tags map[string]string) {
	if err == nil {
		return
	}
	if !r.limiter.Allow() {
		r.log.Debug("error report dropped by rate limit", "error", err.Error())
		return
	}
	r.next.Capture(ctx, err, tags)
}
