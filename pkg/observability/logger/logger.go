// Package logger provides the structured logging contract used across ledgerpulse.
package logger

import (
	"context"
)

// Logger is the structured logging contract. Every method takes a message
// followed by alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a child logger that adds the given key/value pairs to every entry.
	With(args ...any) Logger

	// WithContext returns a child logger carrying the request, run and tenant
	// identifiers stored in ctx, if any.
	WithContext(ctx context.Context) Logger
}

type contextKey string

const (
	runIDKey     contextKey = "run_id"
	jobIDKey     contextKey = "job_id"
	companyIDKey contextKey = "company_id"
	requestIDKey contextKey = "request_id"
)

// ContextWithRunID stores a job run identifier (job-<id> or sync-<ts>-<rand>) in ctx.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// ContextWithJobID stores the broker job id in ctx.
func ContextWithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// ContextWithCompanyID stores the tenant scope in ctx.
func ContextWithCompanyID(ctx context.Context, companyID string) context.Context {
	return context.WithValue(ctx, companyIDKey, companyID)
}

// ContextWithRequestID stores the admin API request id in ctx.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id stored in ctx.
func RequestIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, requestIDKey)
}

// RunIDFromContext returns the run identifier stored in ctx.
func RunIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, runIDKey)
}

// CompanyIDFromContext returns the tenant scope stored in ctx.
func CompanyIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, companyIDKey)
}

func stringFromContext(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}

// contextFields collects the identifiers present in ctx as key/value pairs.
func contextFields(ctx context.Context) []any {
	var fields []any
	for _, key := range []contextKey{requestIDKey, runIDKey, jobIDKey, companyIDKey} {
		if value := stringFromContext(ctx, key); value != "" {
			fields = append(fields, string(key), value)
		}
	}
	return fields
}

type nopLogger struct{}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...any)                 {}
func (nopLogger) Info(string, ...any)                  {}
func (nopLogger) Warn(string, ...any)                  {}
func (nopLogger) Error(string, ...any)                 {}
func (n nopLogger) With(...any) Logger                 { return n }
func (n nopLogger) WithContext(context.Context) Logger { return n }
