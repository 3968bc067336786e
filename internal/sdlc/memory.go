package sdlc

import (
	"context"
	"sync"

	"shipline/internal/domain"
)

// MemoryStore keeps project states in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]domain.ProjectState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]domain.ProjectState)}
}

func (s *MemoryStore) Get(_ context.Context, projectID string) (domain.ProjectState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[projectID]
	if !ok {
		return domain.ProjectState{}, domain.ErrNotFound
	}
	return st.Clone(), nil
}

func (s *MemoryStore) Create(_ context.Context, state domain.ProjectState) (domain.ProjectState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.states[state.ProjectID]; ok {
		return existing.Clone(), nil
	}
	s.states[state.ProjectID] = state.Clone()
	return state.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, projectID string, fn func(*domain.ProjectState) error) (domain.ProjectState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[projectID]
	if !ok {
		return domain.ProjectState{}, domain.ErrNotFound
	}
	working := st.Clone()
	if err := fn(&working); err != nil {
		return domain.ProjectState{}, err
	}
	s.states[projectID] = working.Clone()
	return working, nil
}
