package migration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrTicketNotFound is returned when no ticket exists for the ID.
	ErrTicketNotFound = errors.New("migration ticket not found")
	// ErrDuplicateTicket is returned when an agent already has an
	// active ticket.
	ErrDuplicateTicket = errors.New("agent already has an active migration")
)

// Store persists migration tickets. Tickets are never deleted; terminal
// tickets remain queryable as history.
type Store interface {
	// Create inserts a new ticket, enforcing at most one active ticket
	// per agent.
	Create(ctx context.Context, t *Ticket) error
	// Get returns a clone of the ticket.
	Get(ctx context.Context, migrationID string) (*Ticket, error)
	// GetActiveByAgent returns the agent's non-terminal ticket, if any.
	GetActiveByAgent(ctx context.Context, agentID string) (*Ticket, error)
	// ApplyPatch applies the compound update as one atomic write and
	// returns the updated ticket. Phase edges are validated against
	// the state machine.
	ApplyPatch(ctx context.Context, migrationID string, patch TicketPatch) (*Ticket, error)
	// ListByAgent returns all tickets for an agent, newest first.
	ListByAgent(ctx context.Context, agentID string) ([]*Ticket, error)
	Close() error
}

// MemoryStore provides in-memory ticket storage.
type MemoryStore struct {
	tickets map[string]*Ticket
	mu      sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory ticket store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tickets: make(map[string]*Ticket)}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// Create inserts a new ticket.
func (s *MemoryStore) Create(ctx context.Context, t *Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.MigrationID == "" || t.AgentID == "" {
		return fmt.Errorf("migration ID and agent ID are required")
	}
	if _, ok := s.tickets[t.MigrationID]; ok {
		return fmt.Errorf("ticket already exists: %s", t.MigrationID)
	}
	for _, existing := range s.tickets {
		if existing.AgentID == t.AgentID && existing.Active() {
			return fmt.Errorf("%w: %s (ticket %s)", ErrDuplicateTicket, t.AgentID, existing.MigrationID)
		}
	}

	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Phase == "" {
		t.Phase = PhaseRequested
	}
	if t.OwnershipHolder == "" {
		t.OwnershipHolder = OwnerSource
	}

	s.tickets[t.MigrationID] = t.Clone()
	return nil
}

// Get returns a clone of the ticket.
func (s *MemoryStore) Get(ctx context.Context, migrationID string) (*Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tickets[migrationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, migrationID)
	}
	return t.Clone(), nil
}

// GetActiveByAgent returns the agent's non-terminal ticket.
func (s *MemoryStore) GetActiveByAgent(ctx context.Context, agentID string) (*Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tickets {
		if t.AgentID == agentID && t.Active() {
			return t.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: no active ticket for %s", ErrTicketNotFound, agentID)
}

// ApplyPatch applies the compound update under the store lock.
func (s *MemoryStore) ApplyPatch(ctx context.Context, migrationID string, patch TicketPatch) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[migrationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, migrationID)
	}
	if err := applyPatch(t, patch); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// ListByAgent returns all tickets for an agent, newest first.
func (s *MemoryStore) ListByAgent(ctx context.Context, agentID string) ([]*Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Ticket
	for _, t := range s.tickets {
		if t.AgentID == agentID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// applyPatch mutates the ticket in place, validating any phase edge.
// Phase and ownership land in the same write, which is what makes the
// VERIFYING -> REHYDRATING ownership flip atomic for readers.
func applyPatch(t *Ticket, patch TicketPatch) error {
	if patch.Phase != nil && *patch.Phase != t.Phase {
		if !ValidTransition(t.Phase, *patch.Phase) {
			return NewError(CodeInternalStateInconsistency, t.Phase, "source",
				"invalid phase transition %s -> %s", t.Phase, *patch.Phase)
		}
		t.Phase = *patch.Phase
	}
	if patch.OwnershipHolder != nil {
		t.OwnershipHolder = *patch.OwnershipHolder
	}
	if patch.ArchivePath != nil {
		t.ArchivePath = *patch.ArchivePath
	}
	if patch.SnapshotChecksum != nil {
		t.SnapshotChecksum = *patch.SnapshotChecksum
	}
	if patch.SnapshotSize != nil {
		t.SnapshotSize = *patch.SnapshotSize
	}
	if patch.WorkState != nil {
		t.WorkState = append([]GitWorkState(nil), (*patch.WorkState)...)
	}
	if patch.FailureReason != nil {
		t.FailureReason = *patch.FailureReason
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}
