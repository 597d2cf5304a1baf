package failures

import (
	"context"
	"time"
)

// Store persists failure records. Implementations: MemoryStore, postgres.Store, bunstore.Store.
type Store interface {
	Insert(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	// List returns records newest first. The filter is already normalized.
	List(ctx context.Context, filter ListFilter) ([]Record, error)
	CountSince(ctx context.Context, since time.Time) (int, error)
	// TopJobsSince groups by job name, ordered by count desc, then by the
	// first time the name failed in the window, then by name.
	TopJobsSince(ctx context.Context, since time.Time, limit int) ([]JobCount, error)
	// FirstFailedAt returns the earliest FirstFailedAt recorded for jobID.
	FirstFailedAt(ctx context.Context, jobID string) (time.Time, bool, error)
	// MarkResolved sets resolved_at only where it is null and reports whether a row changed.
	MarkResolved(ctx context.Context, id string, at time.Time) (bool, error)
	DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	HealthCheck(ctx context.Context) error
	Close() error
}
