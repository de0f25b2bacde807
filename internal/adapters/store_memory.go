package adapters

import (
	"sync"

	"github.com/Marketen/duties-notifier/internal/application/ports"
)

// memoryStore is a process-local store; state is lost on exit.
type memoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() ports.PersistentStore {
	return &memoryStore{data: make(map[string][]byte)}
}

func (s *memoryStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (s *memoryStore) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *memoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}
