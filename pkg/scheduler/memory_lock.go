package scheduler

import (
	"context"
	"sync"
	"time"
)

// MemoryLockProvider keeps locks in process. It only coordinates goroutines
// of one process, which is enough for a single worker or for tests.
type MemoryLockProvider struct {
	mu     sync.Mutex
	owner  string
	locks  map[string]LockLease
	now    func() time.Time
	closed bool
}

// NewMemoryLockProvider creates an empty provider owned by this process.
func NewMemoryLockProvider() *MemoryLockProvider {
	return &MemoryLockProvider{
		owner: DefaultLockOwner(),
		locks: map[string]LockLease{},
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Acquire takes key unless an unexpired lease holds it.
func (p *MemoryLockProvider) Acquire(_ context.Context, key string, ttl time.Duration) (*LockLease, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, schedulerError(ErrNotInitialized, "memory lock provider is closed")
	}
	now := p.now()
	lease, err := newLease(key, p.owner, ttl, now)
	if err != nil {
		return nil, false, err
	}
	if held, ok := p.locks[lease.Key]; ok && held.ExpireAt.After(now) {
		return nil, false, nil
	}
	p.locks[lease.Key] = *lease
	return lease, true, nil
}

// Renew extends a lease that is still held by its token.
func (p *MemoryLockProvider) Renew(_ context.Context, lease *LockLease, ttl time.Duration) error {
	if err := checkRenew(lease, ttl); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	held, ok := p.holding(lease)
	if !ok {
		return schedulerError(ErrConflict, "lock renew rejected")
	}
	held.ExpireAt = p.now().Add(ttl)
	p.locks[lease.Key] = held
	lease.ExpireAt = held.ExpireAt
	return nil
}

// Release drops the lease if the token still matches.
func (p *MemoryLockProvider) Release(_ context.Context, lease *LockLease) error {
	if err := checkLease(lease); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if held, ok := p.locks[lease.Key]; !ok || held.Token != lease.Token {
		return schedulerError(ErrConflict, "lock release rejected")
	}
	delete(p.locks, lease.Key)
	return nil
}

// holding reports the stored lease when lease still owns an unexpired lock.
// Callers hold p.mu.
func (p *MemoryLockProvider) holding(lease *LockLease) (LockLease, bool) {
	held, ok := p.locks[lease.Key]
	if !ok || held.Token != lease.Token || !held.ExpireAt.After(p.now()) {
		return LockLease{}, false
	}
	return held, true
}

// HealthCheck fails once the provider is closed.
func (p *MemoryLockProvider) HealthCheck(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return schedulerError(ErrNotInitialized, "memory lock provider is closed")
	}
	return nil
}

// Close drops every lock.
func (p *MemoryLockProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.locks = map[string]LockLease{}
	return nil
}
