// storage.go
// ----------
// MemoryConflictStore is the in-process ConflictStore used when no durable
// persistence collaborator is wired in. It keeps the SDK fully functional
// with zero configuration; production deployments that need conflict
// records to survive restarts use the Badger-backed store in adapters/.
package graphbridge

import (
	"context"
	"sync"
	"time"
)

// MemoryConflictStore is safe for concurrent use.
type MemoryConflictStore struct {
	mu      sync.RWMutex
	records map[string]*ConflictRecord
}

var _ ConflictStore = (*MemoryConflictStore)(nil)

func NewMemoryConflictStore() *MemoryConflictStore {
	return &MemoryConflictStore{records: make(map[string]*ConflictRecord)}
}

func (s *MemoryConflictStore) SaveConflict(_ context.Context, rec *ConflictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.Conflict.ConflictID] = &cp
	return nil
}

func (s *MemoryConflictStore) GetConflict(_ context.Context, conflictID string) (*ConflictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[conflictID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryConflictStore) DeleteConflict(_ context.Context, conflictID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, conflictID)
	return nil
}

func (s *MemoryConflictStore) ListConflicts(_ context.Context, filter ConflictFilter) ([]*ConflictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ConflictRecord
	cutoff := time.Now().Add(-filter.OlderThan)
	for _, rec := range s.records {
		if filter.TenantID != "" && rec.Conflict.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.OlderThan > 0 && rec.DetectedAt.After(cutoff) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}
