package errorreport

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
)

// SentryConfig configures the Sentry reporter.
type SentryConfig struct {
	DSN          string
	Environment  string
	Release      string
	SampleRate   float64
	FlushTimeout time.Duration
	// BeforeSend lets callers scrub or inspect events; returning nil drops the event.
	BeforeSend func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event
}

func (c *SentryConfig) normalize() {
	c.DSN = strings.TrimSpace(c.DSN)
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "development"
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		c.SampleRate = 1
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 2 * time.Second
	}
}

// SentryReporter sends captured errors to Sentry through a dedicated hub.
type SentryReporter struct {
	hub    *sentry.Hub
	config SentryConfig
	log    logger.Logger
}

// NewSentryReporter creates a client and hub without touching the global hub.
func NewSentryReporter(cfg SentryConfig, log logger.Logger) (*SentryReporter, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		SampleRate:  cfg.SampleRate,
		BeforeSend:  cfg.BeforeSend,
	})
	if err != nil {
		return nil, errors.Join(errors.New("sentry client init failed"), err)
	}

	return &SentryReporter{
		hub:    sentry.NewHub(client, sentry.NewScope()),
		config: cfg,
		log:    log,
	}, nil
}

// Capture implements Reporter. Tags are scoped to this event only.
func (r *SentryReporter) Capture(ctx context.Context, err error, tags map[string]string) {
	if r == nil || err == nil {
		return
	}
	hub := r.hub.Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		if runID := logger.RunIDFromContext(ctx); runID != "" {
			scope.SetTag("run_id", runID)
		}
		if companyID := logger.CompanyIDFromContext(ctx); companyID != "" {
			scope.SetTag("company_id", companyID)
		}
		if eventID := hub.CaptureException(err); eventID == nil {
			r.log.Debug("sentry dropped event", "error", err.Error())
		}
	})
}

// Flush waits for buffered events up to the configured timeout.
func (r *SentryReporter) Flush() bool {
	if r == nil {
		return true
	}
	return r.hub.Flush(r.config.FlushTimeout)
}

// New picks the Sentry reporter when a DSN is configured and the log reporter
// otherwise, then applies the per-minute rate limit.
func New(cfg SentryConfig, perMinute int, log logger.Logger) (Reporter, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	var base Reporter
	if strings.TrimSpace(cfg.DSN) == "" {
		base = NewLogReporter(log)
	} else {
		reporter, err := NewSentryReporter(cfg, log)
		if err != nil {
			return nil, err
		}
		base = reporter
	}
	return NewRateLimited(base, perMinute, perMinute, log), nil
}
