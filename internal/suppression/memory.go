package suppression

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]map[Reason]Entry
	count   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]map[Reason]Entry)}
}

func (s *MemoryStore) Add(_ context.Context, e Entry) (bool, error) {
	e, err := e.normalized()
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byReason, ok := s.entries[e.Recipient]
	if !ok {
		byReason = make(map[Reason]Entry, 1)
		s.entries[e.Recipient] = byReason
	}
	if _, exists := byReason[e.Reason]; exists {
		return false, nil
	}
	byReason[e.Reason] = e
	s.count++
	return true, nil
}

func (s *MemoryStore) Find(_ context.Context, recipient string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byReason := s.entries[NormalizeAddress(recipient)]
	out := make([]Entry, 0, len(byReason))
	for _, e := range byReason {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reason < out[j].Reason })
	return out, nil
}

func (s *MemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count, nil
}
