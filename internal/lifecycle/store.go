package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store is the persistence abstraction for artifact records, keyed by path.
// Implementations can be in-memory or remote; the Manager serializes every
// mutation it issues.
type Store interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, path string) (Record, bool, error)
	Delete(ctx context.Context, path string) error
	// Expired returns the records due at now, earliest expiry first.
	Expired(ctx context.Context, now time.Time) ([]Record, error)
	Len(ctx context.Context) (int, error)
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string]Record),
	}
}

// Put implements Store.Put. An existing record for the same path is replaced.
func (s *InMemoryStore) Put(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Path] = rec
	return nil
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(_ context.Context, path string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[path]
	return rec, ok, nil
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, path)
	return nil
}

// Expired implements Store.Expired.
func (s *InMemoryStore) Expired(_ context.Context, now time.Time) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []Record
	for _, rec := range s.records {
		if rec.Expired(now) {
			due = append(due, rec)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if ei, ej := due[i].ExpiresAt(), due[j].ExpiresAt(); !ei.Equal(ej) {
			return ei.Before(ej)
		}
		return due[i].Path < due[j].Path
	})
	return due, nil
}

// Len implements Store.Len.
func (s *InMemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}
