package diary

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"diaryai/pkg/domain"
)

// MemoryDocumentStore is an in-memory DocumentStore for tests and offline
// development. It honors the open/close lifecycle so adapter re-init paths
// can be exercised.
type MemoryDocumentStore struct {
	mu      sync.RWMutex
	open    bool
	entries map[string]domain.DiaryEntry

	// FailWrites makes mutations return an error, simulating a remote
	// outage.
	FailWrites bool
}

// NewMemoryDocumentStore returns a closed, empty store.
func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{entries: make(map[string]domain.DiaryEntry)}
}

func (s *MemoryDocumentStore) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	return nil
}

func (s *MemoryDocumentStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

func (s *MemoryDocumentStore) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open
}

func (s *MemoryDocumentStore) checkWritable() error {
	if !s.open {
		return fmt.Errorf("document store not open")
	}
	if s.FailWrites {
		return fmt.Errorf("document store unavailable")
	}
	return nil
}

func (s *MemoryDocumentStore) Insert(ctx context.Context, entry domain.DiaryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWritable(); err != nil {
		return err
	}
	s.entries[entry.ID] = entry
	return nil
}

func (s *MemoryDocumentStore) Update(ctx context.Context, entry domain.DiaryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWritable(); err != nil {
		return err
	}
	existing, ok := s.entries[entry.ID]
	if !ok || existing.OwnerID != entry.OwnerID {
		return domain.ErrNotFound
	}
	s.entries[entry.ID] = entry
	return nil
}

func (s *MemoryDocumentStore) Delete(ctx context.Context, ownerID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWritable(); err != nil {
		return err
	}
	existing, ok := s.entries[id]
	if !ok || existing.OwnerID != ownerID {
		return domain.ErrNotFound
	}
	delete(s.entries, id)
	return nil
}

func (s *MemoryDocumentStore) DeleteAll(ctx context.Context, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWritable(); err != nil {
		return err
	}
	for id, entry := range s.entries {
		if entry.OwnerID == ownerID {
			delete(s.entries, id)
		}
	}
	return nil
}

func (s *MemoryDocumentStore) ByOwner(ctx context.Context, ownerID string) ([]domain.DiaryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.open {
		return nil, fmt.Errorf("document store not open")
	}
	var out []domain.DiaryEntry
	for _, entry := range s.entries {
		if entry.OwnerID == ownerID {
			out = append(out, entry)
		}
	}
	sortByDateDesc(out)
	return out, nil
}

func (s *MemoryDocumentStore) InRange(ctx context.Context, ownerID string, start, end time.Time) ([]domain.DiaryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.open {
		return nil, fmt.Errorf("document store not open")
	}
	var out []domain.DiaryEntry
	for _, entry := range s.entries {
		if entry.OwnerID != ownerID {
			continue
		}
		if entry.Date.Before(start) || entry.Date.After(end) {
			continue
		}
		out = append(out, entry)
	}
	sortByDateDesc(out)
	return out, nil
}

func sortByDateDesc(entries []domain.DiaryEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Date.After(entries[j].Date)
	})
}
