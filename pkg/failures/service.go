package failures

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
	"github.com/ledgerpulse/ledgerpulse/pkg/redact"
	"github.com/ledgerpulse/ledgerpulse/pkg/resilience"
)

const (
	DefaultRetentionDays    = 14
	DefaultSpikeThreshold   = 10
	DefaultSpikeWindow      = time.Hour
	DefaultOperationTimeout = 5 * time.Second

	defaultTopHours = 24
	defaultTopN     = 10
)

// Config controls retention and spike detection.
type Config struct {
	RetentionDays    int
	SpikeThreshold   int
	SpikeWindow      time.Duration
	OperationTimeout time.Duration
	// DisableAlerts turns off spike logging and the spike handler. Counts are still returned.
	DisableAlerts bool
	// BreakerFailures consecutive write failures open the store breaker for BreakerTimeout.
	BreakerFailures int
	BreakerTimeout  time.Duration
}

func (c *Config) normalize() {
	if c.RetentionDays <= 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	if c.SpikeThreshold <= 0 {
		c.SpikeThreshold = DefaultSpikeThreshold
	}
	if c.SpikeWindow <= 0 {
		c.SpikeWindow = DefaultSpikeWindow
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	if c.BreakerFailures <= 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
}

// Service is the failure recorder. Writes are best-effort: persistence errors
// are logged and counted, never returned to the job pipeline.
type Service struct {
	store   Store
	log     logger.Logger
	config  Config
	now     func() time.Time
	breaker *resilience.Breaker
	onSpike func(SpikeAlert)

	spikeMu        sync.Mutex
	lastSpikeAlert time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSpikeHandler receives every spike alert after it is logged.
func WithSpikeHandler(fn func(SpikeAlert)) Option {
	return func(s *Service) {
		s.onSpike = fn
	}
}

// NewService creates the recorder over store.
func NewService(store Store, log logger.Logger, cfg Config, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, failuresError(ErrInvalidArgument, "store is required")
	}
	if log == nil {
		return nil, failuresError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()

	s := &Service{
		store:  store,
		log:    log,
		config: cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.breaker = resilience.NewBreaker(resilience.BreakerConfig{
		Name:        "failure-store",
		MaxFailures: cfg.BreakerFailures,
		OpenTimeout: cfg.BreakerTimeout,
		Clock:       s.now,
		OnStateChange: func(name string, from, to resilience.State) {
			log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return s, nil
}

// Config returns the normalized configuration.
func (s *Service) Config() Config {
	return s.config
}

// RecordFailure redacts and truncates in, then persists a new row. It returns
// the stored record, or nil when persistence was skipped or failed.
func (s *Service) RecordFailure(ctx context.Context, in Input) *Record {
	rec, err := s.buildRecord(ctx, in)
	if err != nil {
		s.fallback(ctx, "record", err, "job_id", in.JobID, "job_name", in.JobName)
		return nil
	}

	err = s.breaker.Execute(ctx, func(ctx context.Context) error {
		opCtx, cancel := s.operationContext(ctx)
		defer cancel()
		return s.store.Insert(opCtx, rec)
	})
	if err != nil {
		s.fallback(ctx, "record", err, "job_id", in.JobID, "job_name", in.JobName)
		return nil
	}

	recordFailureStored(rec.JobName, rec.IsFinalAttempt)
	return rec
}

func (s *Service) buildRecord(ctx context.Context, in Input) (*Record, error) {
	payload, err := json.Marshal(redact.Value(in.Payload))
	if err != nil {
		return nil, errors.Join(failuresError(ErrInvalidArgument, "payload is not serializable"), err)
	}

	now := s.now().UTC()
	firstFailedAt := now
	if in.JobID != "" && s.breaker.State() == resilience.StateClosed {
		opCtx, cancel := s.operationContext(ctx)
		first, found, lookupErr := s.store.FirstFailedAt(opCtx, in.JobID)
		cancel()
		if lookupErr != nil {
			s.log.Debug("first failure lookup failed", "job_id", in.JobID, "error", lookupErr)
		} else if found {
			firstFailedAt = first.UTC()
		}
	}

	var companyID *string
	if in.CompanyID != nil && strings.TrimSpace(*in.CompanyID) != "" {
		value := strings.TrimSpace(*in.CompanyID)
		companyID = &value
	}

	return &Record{
		ID:             uuid.NewString(),
		JobID:          in.JobID,
		JobName:        in.JobName,
		QueueName:      in.QueueName,
		CompanyID:      companyID,
		Payload:        payload,
		AttemptsMade:   in.AttemptsMade,
		MaxAttempts:    in.MaxAttempts,
		IsFinalAttempt: in.IsFinalAttempt,
		FailedReason:   truncate(in.FailedReason, MaxReasonLength),
		StackTrace:     truncate(in.StackTrace, MaxStackLength),
		FirstFailedAt:  firstFailedAt,
		LastFailedAt:   now,
		CreatedAt:      now,
	}, nil
}

// fallback is the single place where recorder and monitor errors are swallowed.
func (s *Service) fallback(ctx context.Context, operation string, err error, args ...any) {
	recordFallback(operation)
	fields := append([]any{"operation", operation, "error", err}, args...)
	s.log.WithContext(ctx).Error("JOB_FAILURE_RECORD_FAILED", fields...)
}

// ListRecentFailures returns a page of records, newest first. Limit is capped at MaxListLimit.
func (s *Service) ListRecentFailures(ctx context.Context, filter ListFilter) ([]Record, error) {
	filter.normalize()
	filter.CompanyID = strings.TrimSpace(filter.CompanyID)
	filter.JobName = strings.TrimSpace(filter.JobName)

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	return s.store.List(opCtx, filter)
}

// GetFailure returns one record or ErrNotFound.
func (s *Service) GetFailure(ctx context.Context, id string) (*Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, failuresError(ErrInvalidArgument, "id is required")
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	return s.store.Get(opCtx, id)
}

// GetFailureCountSince counts rows created at or after since.
func (s *Service) GetFailureCountSince(ctx context.Context, since time.Time) (int, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	return s.store.CountSince(opCtx, since.UTC())
}

// GetTopFailedJobs aggregates the last hours by job name. Aggregation errors
// yield an empty list.
func (s *Service) GetTopFailedJobs(ctx context.Context, hours, topN int) []JobCount {
	if hours <= 0 {
		hours = defaultTopHours
	}
	if topN <= 0 {
		topN = defaultTopN
	}
	since := s.now().UTC().Add(-time.Duration(hours) * time.Hour)

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	counts, err := s.store.TopJobsSince(opCtx, since, topN)
	if err != nil {
		s.fallback(ctx, "top_failed_jobs", err)
		return []JobCount{}
	}
	if counts == nil {
		return []JobCount{}
	}
	return counts
}

// MarkResolved sets resolvedAt once. The second call returns false.
func (s *Service) MarkResolved(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, failuresError(ErrInvalidArgument, "id is required")
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	return s.store.MarkResolved(opCtx, id, s.now().UTC())
}

// PruneOldFailures deletes rows older than the retention window.
func (s *Service) PruneOldFailures(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-time.Duration(s.config.RetentionDays) * 24 * time.Hour)
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	deleted, err := s.store.DeleteCreatedBefore(opCtx, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.log.Info("pruned job failures", "deleted", deleted, "retention_days", s.config.RetentionDays)
	}
	return deleted, nil
}

// CheckFailureSpike counts rows inside the spike window and alerts, at most
// once per window, when the count reaches the threshold. Errors count as zero.
// It is the only source of JOB_FAILURE_SPIKE alerts.
func (s *Service) CheckFailureSpike(ctx context.Context, queue string) int {
	now := s.now().UTC()
	count, err := s.GetFailureCountSince(ctx, now.Add(-s.config.SpikeWindow))
	if err != nil {
		s.fallback(ctx, "spike_check", err, "queue", queue)
		return 0
	}
	if s.config.DisableAlerts || count < s.config.SpikeThreshold {
		return count
	}

	s.spikeMu.Lock()
	if !s.lastSpikeAlert.IsZero() && now.Sub(s.lastSpikeAlert) < s.config.SpikeWindow {
		s.spikeMu.Unlock()
		return count
	}
	s.lastSpikeAlert = now
	s.spikeMu.Unlock()

	hours := int(s.config.SpikeWindow / time.Hour)
	if hours < 1 {
		hours = 1
	}
	alert := SpikeAlert{
		Queue:     queue,
		Count:     count,
		Threshold: s.config.SpikeThreshold,
		Window:    s.config.SpikeWindow,
		TopJobs:   s.GetTopFailedJobs(ctx, hours, 5),
		At:        now,
	}
	s.log.WithContext(ctx).Warn("JOB_FAILURE_SPIKE",
		"queue", alert.Queue,
		"count", alert.Count,
		"threshold", alert.Threshold,
		"window_ms", alert.Window.Milliseconds(),
		"top_jobs", alert.TopJobs,
	)
	if s.onSpike != nil {
		s.onSpike(alert)
	}
	return count
}

// HealthCheck verifies the underlying store.
func (s *Service) HealthCheck(ctx context.Context) error {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	return s.store.HealthCheck(opCtx)
}

// Close releases the store.
func (s *Service) Close() error {
	return s.store.Close()
}

func (s *Service) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}
