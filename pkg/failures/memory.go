package failures

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. It backs tests and
// single-process development setups without a database.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	closed  bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Insert(_ context.Context, rec *Record) error {
	if rec == nil {
		return failuresError(ErrInvalidArgument, "record is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, cloneRecord(*rec))
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.ID == id {
			out := cloneRecord(rec)
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]Record, error) {
	s.mu.RLock()
	matched := make([]Record, 0, len(s.records))
	for i := len(s.records) - 1; i >= 0; i-- {
		rec := s.records[i]
		if filter.JobName != "" && rec.JobName != filter.JobName {
			continue
		}
		if filter.CompanyID != "" && (rec.CompanyID == nil || *rec.CompanyID != filter.CompanyID) {
			continue
		}
		matched = append(matched, cloneRecord(rec))
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if filter.Offset >= len(matched) {
		return []Record{}, nil
	}
	end := filter.Offset + filter.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[filter.Offset:end], nil
}

func (s *MemoryStore) CountSince(_ context.Context, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, rec := range s.records {
		if !rec.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) TopJobsSince(_ context.Context, since time.Time, limit int) ([]JobCount, error) {
	type bucket struct {
		count     int
		firstSeen time.Time
	}
	s.mu.RLock()
	buckets := map[string]*bucket{}
	for _, rec := range s.records {
		if rec.CreatedAt.Before(since) {
			continue
		}
		b, ok := buckets[rec.JobName]
		if !ok {
			b = &bucket{firstSeen: rec.CreatedAt}
			buckets[rec.JobName] = b
		}
		b.count++
		if rec.CreatedAt.Before(b.firstSeen) {
			b.firstSeen = rec.CreatedAt
		}
	}
	s.mu.RUnlock()

	names := make([]string, 0, len(buckets))
	for name := range buckets {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := buckets[names[i]], buckets[names[j]]
		if a.count != b.count {
			return a.count > b.count
		}
		if !a.firstSeen.Equal(b.firstSeen) {
			return a.firstSeen.Before(b.firstSeen)
		}
		return names[i] < names[j]
	})
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}

	out := make([]JobCount, 0, len(names))
	for _, name := range names {
		out = append(out, JobCount{JobName: name, Count: buckets[name].count})
	}
	return out, nil
}

func (s *MemoryStore) FirstFailedAt(_ context.Context, jobID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var first time.Time
	found := false
	for _, rec := range s.records {
		if rec.JobID != jobID {
			continue
		}
		if !found || rec.FirstFailedAt.Before(first) {
			first = rec.FirstFailedAt
			found = true
		}
	}
	return first, found, nil
}

func (s *MemoryStore) MarkResolved(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		if s.records[i].ID != id {
			continue
		}
		if s.records[i].ResolvedAt != nil {
			return false, nil
		}
		resolvedAt := at
		s.records[i].ResolvedAt = &resolvedAt
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) DeleteCreatedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	var deleted int64
	for _, rec := range s.records {
		if rec.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept
	return deleted, nil
}

func (s *MemoryStore) HealthCheck(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return failuresError(ErrValidation, "memory store is closed")
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
