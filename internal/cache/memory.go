package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type memoryProvider struct{}

func (memoryProvider) Space(_ string, capacity int) Store { return NewMemory(capacity) }

func (memoryProvider) Close(context.Context) error { return nil }

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// memoryStore bounds the space two ways: entries past their TTL read as
// absent, and inserting beyond capacity evicts the least-recently-used entry.
type memoryStore struct {
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List

	now func() time.Time
}

// NewMemory builds an in-process cache space holding at most capacity entries.
func NewMemory(capacity int) Store {
	if capacity <= 0 {
		capacity = 200
	}
	return &memoryStore{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	entry := elem.Value.(*memoryEntry)
	if s.now().After(entry.expiresAt) {
		s.order.Remove(elem)
		delete(s.entries, key)
		return nil, false, nil
	}
	s.order.MoveToFront(elem)
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

func (s *memoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.entries[key]; ok {
		entry := elem.Value.(*memoryEntry)
		entry.value = stored
		entry.expiresAt = s.now().Add(ttl)
		s.order.MoveToFront(elem)
		return nil
	}
	for len(s.entries) >= s.capacity {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		s.order.Remove(oldest)
		delete(s.entries, oldest.Value.(*memoryEntry).key)
	}
	entry := &memoryEntry{key: key, value: stored, expiresAt: s.now().Add(ttl)}
	s.entries[key] = s.order.PushFront(entry)
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.entries[key]; ok {
		s.order.Remove(elem)
		delete(s.entries, key)
	}
	return nil
}
