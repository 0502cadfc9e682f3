package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore provides in-memory audit storage.
type MemoryStore struct {
	entries []*Entry
	mu      sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// Append records an entry.
func (s *MemoryStore) Append(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	clone := *entry
	s.entries = append(s.entries, &clone)
	return nil
}

// ListByAgent returns the most recent entries for an agent, newest first.
func (s *MemoryStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter(func(e *Entry) bool { return e.AgentID == agentID }, limit), nil
}

// ListByLevel returns the most recent entries at a level, newest first.
func (s *MemoryStore) ListByLevel(ctx context.Context, level Level, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter(func(e *Entry) bool { return e.Level == level }, limit), nil
}

func (s *MemoryStore) filter(keep func(*Entry) bool, limit int) []*Entry {
	var out []*Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if !keep(s.entries[i]) {
			continue
		}
		clone := *s.entries[i]
		out = append(out, &clone)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
