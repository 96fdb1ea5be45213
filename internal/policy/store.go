package policy

import (
	"context"
	"sync"
)

type List string

const (
	Blacklist List = "blacklist"
	Whitelist List = "whitelist"
)

// Store is a set of IP strings per List.
type Store interface {
	Add(ctx context.Context, list List, ip string) error
	Remove(ctx context.Context, list List, ip string) error
	Contains(ctx context.Context, list List, ip string) (bool, error)
	Len(ctx context.Context, list List) (int, error)
}

// MemoryStore keeps lists in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	sets map[List]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sets: make(map[List]map[string]struct{})}
}

func (s *MemoryStore) Add(_ context.Context, list List, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[list]
	if !ok {
		set = make(map[string]struct{})
		s.sets[list] = set
	}
	set[ip] = struct{}{}
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, list List, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sets[list], ip)
	return nil
}

func (s *MemoryStore) Contains(_ context.Context, list List, ip string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sets[list][ip]
	return ok, nil
}

func (s *MemoryStore) Len(_ context.Context, list List) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sets[list]), nil
}
