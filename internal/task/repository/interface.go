// Package repository provides task record storage with in-memory and
// SQLite engines behind one interface.
package repository

import (
	"context"
	"errors"

	"github.com/flockmesh/flock/internal/task/models"
	a2av1 "github.com/flockmesh/flock/pkg/a2a/v1"
)

var (
	// ErrNotFound is returned when no task exists for the given ID.
	ErrNotFound = errors.New("task not found")
	// ErrTerminal is returned on any attempt to mutate a task that
	// already rests in a terminal state.
	ErrTerminal = errors.New("task is terminal")
)

// UpdateFields is the patch applied on a state transition. Nil fields
// are left unchanged.
type UpdateFields struct {
	State           *a2av1.TaskState
	ResponseText    *string
	ResponsePayload map[string]any
}

// Repository defines the interface for task record storage.
type Repository interface {
	// Create inserts a new task record. The record's ID must be set;
	// CreatedAt/UpdatedAt are assigned by the store.
	Create(ctx context.Context, task *models.Task) error
	// Get returns a copy of the task.
	Get(ctx context.Context, id string) (*models.Task, error)
	// Update applies the patch. UpdatedAt advances monotonically and
	// CompletedAt is set exactly when the new state is terminal.
	// Updating a terminal task returns ErrTerminal.
	Update(ctx context.Context, id string, fields UpdateFields) (*models.Task, error)
	// ListByFrom returns tasks sent by an agent, newest first.
	ListByFrom(ctx context.Context, fromAgentID string, limit int) ([]*models.Task, error)
	// ListByTo returns tasks received by an agent, newest first.
	ListByTo(ctx context.Context, toAgentID string, limit int) ([]*models.Task, error)
	// ListByState returns tasks in a given state, newest first.
	ListByState(ctx context.Context, state a2av1.TaskState, limit int) ([]*models.Task, error)
	Close() error
}
