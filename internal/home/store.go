package home

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no home exists for the agent.
	ErrNotFound = errors.New("home not found")
	// ErrInvalidTransition is returned for a disallowed state edge.
	ErrInvalidTransition = errors.New("invalid home state transition")
)

// Store persists agent homes and mesh-wide agent assignments.
type Store interface {
	// CreateHome registers a home in ACTIVE state unless the record
	// carries an explicit state.
	CreateHome(ctx context.Context, h *Home) error
	// GetHome returns a copy of the agent's home on this node.
	GetHome(ctx context.Context, agentID string) (*Home, error)
	// Transition moves the home to the given state, validating the edge.
	Transition(ctx context.Context, agentID string, to State) (*Home, error)
	// ListHomes returns all homes on this node.
	ListHomes(ctx context.Context) ([]*Home, error)
	// DeleteHome removes the home record.
	DeleteHome(ctx context.Context, agentID string) error

	// PutAssignment records which node owns an agent, replacing any
	// previous assignment for the same agent.
	PutAssignment(ctx context.Context, a *Assignment) error
	// GetAssignment returns the current assignment for an agent.
	GetAssignment(ctx context.Context, agentID string) (*Assignment, error)
	// ListAssignments returns all known assignments.
	ListAssignments(ctx context.Context) ([]*Assignment, error)
	// DeleteAssignment removes the assignment for an agent.
	DeleteAssignment(ctx context.Context, agentID string) error

	Close() error
}
