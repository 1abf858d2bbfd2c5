package session

import (
	"context"
	"sync"

	"github.com/hupe1980/taskmesh/core"
)

// InMemoryStore is a volatile Store keeping histories in a process local
// map. It is safe for concurrent access. Histories are cloned on the way in
// and out so callers cannot mutate stored state.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]core.Messages
}

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]core.Messages)}
}

// Load implements Store.
func (s *InMemoryStore) Load(_ context.Context, id string) ([]core.Message, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if msgs, ok := s.sessions[id]; ok {
		return msgs.Clone(), nil
	}
	return []core.Message{}, nil
}

// Save implements Store.
func (s *InMemoryStore) Save(_ context.Context, id string, msgs []core.Message) error {
	if id == "" {
		return ErrEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = core.Messages(msgs).Clone()
	return nil
}

// Delete implements Store.
func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	if id == "" {
		return ErrEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// Len returns the number of stored sessions.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
