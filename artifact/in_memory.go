package artifact

import (
	"path"
	"slices"
	"sync"
)

// InMemoryStore keeps artifacts in process memory. Data is copied on save
// and on retrieval.
type InMemoryStore struct {
	mu    sync.RWMutex
	files map[string]map[string][]byte // session id -> name -> data
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{files: map[string]map[string][]byte{}}
}

// Save implements Store.
func (s *InMemoryStore) Save(sessionID, name string, data []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files[sessionID] == nil {
		s.files[sessionID] = map[string][]byte{}
	}
	s.files[sessionID][path.Clean(name)] = slices.Clone(data)
	return nil
}

// Get implements Store.
func (s *InMemoryStore) Get(sessionID, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.files[sessionID][path.Clean(name)]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(data), nil
}

// List implements Store.
func (s *InMemoryStore) List(sessionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.files[sessionID]))
	for n := range s.files[sessionID] {
		names = append(names, n)
	}
	slices.Sort(names)
	return names, nil
}

// Delete implements Store.
func (s *InMemoryStore) Delete(sessionID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.files[sessionID]
	name = path.Clean(name)
	if _, ok := m[name]; !ok {
		return ErrNotFound
	}
	delete(m, name)
	if len(m) == 0 {
		delete(s.files, sessionID)
	}
	return nil
}
