package store

import (
	"context"
	"sync"

	"github.com/papertrade/portfolio-engine/internal/model"
)

// MemoryStore implements Store in process memory. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	snap    *model.Snapshot
	journal []model.JournalEntry

	// Fail, when set, is returned by every write. Tests use it to
	// simulate an unavailable backend.
	Fail error
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) (model.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.snap == nil {
		return model.NewSnapshot(), false, nil
	}
	return s.snap.Clone(), true, nil
}

func (s *MemoryStore) Save(_ context.Context, snap model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Fail != nil {
		return s.Fail
	}
	// Store a copy to avoid external mutation.
	c := snap.Clone()
	s.snap = &c
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Fail != nil {
		return s.Fail
	}
	s.snap = nil
	s.journal = nil
	return nil
}

func (s *MemoryStore) AppendEntry(_ context.Context, entry *model.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Fail != nil {
		return s.Fail
	}
	s.journal = append(s.journal, *entry)
	return nil
}

func (s *MemoryStore) Entries(_ context.Context) ([]model.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]model.JournalEntry, len(s.journal))
	copy(entries, s.journal)
	return entries, nil
}
