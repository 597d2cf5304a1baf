package scheduler

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerpulse/ledgerpulse/pkg/jobs"
)

// LockLease identifies one held lock. Owner names the process holding it
// and is stored with the lock so operators can see who dispatched a run.
type LockLease struct {
	Key      string
	Token    string
	Owner    string
	ExpireAt time.Time
}

// LockProvider makes sure a scheduled run is dispatched by one instance only.
type LockProvider interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*LockLease, bool, error)
	Renew(ctx context.Context, lease *LockLease, ttl time.Duration) error
	Release(ctx context.Context, lease *LockLease) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// Dispatcher submits a job: queued when a broker is available, inline otherwise.
// *jobs.Runtime implements it.
type Dispatcher interface {
	Submit(ctx context.Context, name string, payload jobs.Payload, opts jobs.Options) (jobs.Submission, error)
}

var _ Dispatcher = (*jobs.Runtime)(nil)

// DefaultLockOwner is host:pid of the current process.
func DefaultLockOwner() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

func resolveOwner(owner string) string {
	if owner = strings.TrimSpace(owner); owner != "" {
		return owner
	}
	return DefaultLockOwner()
}

// newLease validates acquire arguments and mints a lease with a fresh token.
func newLease(key, owner string, ttl time.Duration, now time.Time) (*LockLease, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, schedulerError(ErrInvalidArgument, "lock key is required")
	}
	if ttl <= 0 {
		return nil, schedulerError(ErrInvalidArgument, "ttl must be > 0")
	}
	return &LockLease{Key: key, Token: uuid.NewString(), Owner: owner, ExpireAt: now.Add(ttl)}, nil
}

func checkLease(lease *LockLease) error {
	if lease == nil {
		return schedulerError(ErrInvalidArgument, "lease is required")
	}
	if strings.TrimSpace(lease.Key) == "" || strings.TrimSpace(lease.Token) == "" {
		return schedulerError(ErrInvalidArgument, "lease key and token are required")
	}
	return nil
}

func checkRenew(lease *LockLease, ttl time.Duration) error {
	if ttl <= 0 {
		return schedulerError(ErrInvalidArgument, "ttl must be > 0")
	}
	return checkLease(lease)
}
