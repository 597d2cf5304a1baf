package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	record   Record
	expireAt time.Time
}

// MemoryStore keeps claims in process memory. It only deduplicates within one process.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty store. A nil clock uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{entries: make(map[string]memoryEntry), now: now}
}

// Claim reserves key unless a live entry exists.
func (s *MemoryStore) Claim(_ context.Context, key string, pendingTTL time.Duration) (bool, *Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if entry, ok := s.entries[key]; ok && now.Before(entry.expireAt) {
		rec := entry.record
		return false, &rec, nil
	}
	s.entries[key] = memoryEntry{
		record:   Record{Key: key, Pending: true},
		expireAt: now.Add(pendingTTL),
	}
	return true, nil, nil
}

// Complete stores the final record.
func (s *MemoryStore) Complete(_ context.Context, key string, rec Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Key = key
	rec.Pending = false
	s.entries[key] = memoryEntry{record: rec, expireAt: s.now().Add(ttl)}
	return nil
}

// Release drops key.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
