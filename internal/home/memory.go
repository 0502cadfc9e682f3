package home

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore provides in-memory home and assignment storage.
type MemoryStore struct {
	homes       map[string]*Home
	assignments map[string]*Assignment
	mu          sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory home store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		homes:       make(map[string]*Home),
		assignments: make(map[string]*Assignment),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// CreateHome registers a home record.
func (s *MemoryStore) CreateHome(ctx context.Context, h *Home) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h.AgentID == "" || h.NodeID == "" {
		return fmt.Errorf("agent ID and node ID are required")
	}
	if _, ok := s.homes[h.AgentID]; ok {
		return fmt.Errorf("home already exists: %s", h.AgentID)
	}

	now := time.Now().UTC()
	h.CreatedAt = now
	h.UpdatedAt = now
	if h.State == "" {
		h.State = StateActive
	}

	cp := *h
	s.homes[h.AgentID] = &cp
	return nil
}

// GetHome returns a copy of the agent's home.
func (s *MemoryStore) GetHome(ctx context.Context, agentID string) (*Home, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.homes[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	cp := *h
	return &cp, nil
}

// Transition moves the home to the given state under the store lock.
func (s *MemoryStore) Transition(ctx context.Context, agentID string, to State) (*Home, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.homes[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	if !CanTransition(h.State, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, h.State, to)
	}

	h.State = to
	h.UpdatedAt = time.Now().UTC()
	cp := *h
	return &cp, nil
}

// ListHomes returns all homes, ordered by agent ID.
func (s *MemoryStore) ListHomes(ctx context.Context) ([]*Home, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Home, 0, len(s.homes))
	for _, h := range s.homes {
		cp := *h
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// DeleteHome removes the home record.
func (s *MemoryStore) DeleteHome(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.homes[agentID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	delete(s.homes, agentID)
	return nil
}

// PutAssignment records the owning node for an agent.
func (s *MemoryStore) PutAssignment(ctx context.Context, a *Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.AgentID == "" || a.NodeID == "" {
		return fmt.Errorf("agent ID and node ID are required")
	}
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now().UTC()
	}
	cp := *a
	s.assignments[a.AgentID] = &cp
	return nil
}

// GetAssignment returns the current assignment for an agent.
func (s *MemoryStore) GetAssignment(ctx context.Context, agentID string) (*Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assignments[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	cp := *a
	return &cp, nil
}

// ListAssignments returns all assignments, ordered by agent ID.
func (s *MemoryStore) ListAssignments(ctx context.Context) ([]*Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Assignment, 0, len(s.assignments))
	for _, a := range s.assignments {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// DeleteAssignment removes the assignment for an agent.
func (s *MemoryStore) DeleteAssignment(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.assignments, agentID)
	return nil
}
