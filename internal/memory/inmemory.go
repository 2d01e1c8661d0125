package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process outcome store for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]Outcome
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]Outcome)}
}

func (s *InMemoryStore) SaveOutcome(_ context.Context, outcome Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if outcome.ID == "" {
		outcome.ID = uuid.NewString()
	}
	if outcome.EndedAt.IsZero() {
		outcome.EndedAt = time.Now().UTC()
	}
	s.records[outcome.ContactID] = append(s.records[outcome.ContactID], outcome)
	return nil
}

func (s *InMemoryStore) RecentOutcomes(_ context.Context, contactID string, limit int) ([]Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[contactID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	return append([]Outcome(nil), arr[len(arr)-limit:]...), nil
}

func (s *InMemoryStore) Close() error { return nil }
