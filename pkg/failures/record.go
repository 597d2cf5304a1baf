// Package failures is the dead-letter store: one durable row per failed job
// attempt, queryable for audit, alerting and manual retry.
package failures

import (
	"encoding/json"
	"time"
	"unicode/utf8"
)

const (
	// MaxReasonLength bounds FailedReason in runes.
	MaxReasonLength = 2000
	// MaxStackLength bounds StackTrace in runes.
	MaxStackLength = 4000
	// MaxListLimit caps ListRecentFailures page size.
	MaxListLimit = 200

	defaultListLimit = 50
)

// Record is one failed attempt. ResolvedAt is set at most once.
type Record struct {
	ID             string          `json:"id"`
	JobID          string          `json:"jobId"`
	JobName        string          `json:"jobName"`
	QueueName      string          `json:"queueName"`
	CompanyID      *string         `json:"companyId"`
	Payload        json.RawMessage `json:"payload"`
	AttemptsMade   int             `json:"attemptsMade"`
	MaxAttempts    int             `json:"maxAttempts"`
	IsFinalAttempt bool            `json:"isFinalAttempt"`
	FailedReason   string          `json:"failedReason"`
	StackTrace     string          `json:"stackTrace"`
	FirstFailedAt  time.Time       `json:"firstFailedAt"`
	LastFailedAt   time.Time       `json:"lastFailedAt"`
	CreatedAt      time.Time       `json:"createdAt"`
	ResolvedAt     *time.Time      `json:"resolvedAt"`
}

// Input is what the executor knows about a failed attempt. Payload is the
// raw handler payload; it is redacted before persistence.
type Input struct {
	JobID          string
	JobName        string
	QueueName      string
	CompanyID      *string
	Payload        any
	AttemptsMade   int
	MaxAttempts    int
	FailedReason   string
	StackTrace     string
	IsFinalAttempt bool
}

// ListFilter selects a page of failures, newest first.
type ListFilter struct {
	Limit     int
	Offset    int
	CompanyID string
	JobName   string
}

func (f *ListFilter) normalize() {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// JobCount is one row of the top-failed-jobs aggregation.
type JobCount struct {
	JobName string `json:"jobName"`
	Count   int    `json:"count"`
}

// SpikeAlert describes a failure spike detected from persisted rows.
type SpikeAlert struct {
	Queue     string        `json:"queue"`
	Count     int           `json:"count"`
	Threshold int           `json:"threshold"`
	Window    time.Duration `json:"window"`
	TopJobs   []JobCount    `json:"topJobs"`
	At        time.Time     `json:"at"`
}

func truncate(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit])
}

func cloneRecord(rec Record) Record {
	out := rec
	if rec.CompanyID != nil {
		companyID := *rec.CompanyID
		out.CompanyID = &companyID
	}
	if rec.ResolvedAt != nil {
		resolvedAt := *rec.ResolvedAt
		out.ResolvedAt = &resolvedAt
	}
	if rec.Payload != nil {
		out.Payload = append(json.RawMessage(nil), rec.Payload...)
	}
	return out
}
