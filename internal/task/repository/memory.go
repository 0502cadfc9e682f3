package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flockmesh/flock/internal/task/models"
	a2av1 "github.com/flockmesh/flock/pkg/a2a/v1"
)

// MemoryRepository provides in-memory task storage.
type MemoryRepository struct {
	tasks map[string]*models.Task
	mu    sync.RWMutex
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory task repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tasks: make(map[string]*models.Task),
	}
}

// Close is a no-op for the in-memory repository.
func (r *MemoryRepository) Close() error {
	return nil
}

// Create inserts a new task record.
func (r *MemoryRepository) Create(ctx context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if _, ok := r.tasks[task.ID]; ok {
		return fmt.Errorf("task already exists: %s", task.ID)
	}

	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.State == "" {
		task.State = a2av1.TaskStateSubmitted
	}

	r.tasks[task.ID] = task.Clone()
	return nil
}

// Get returns a copy of the task.
func (r *MemoryRepository) Get(ctx context.Context, id string) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return task.Clone(), nil
}

// Update applies the patch under the store lock.
func (r *MemoryRepository) Update(ctx context.Context, id string, fields UpdateFields) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if task.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, id)
	}

	if fields.State != nil {
		task.State = *fields.State
	}
	if fields.ResponseText != nil {
		task.ResponseText = *fields.ResponseText
	}
	if fields.ResponsePayload != nil {
		task.ResponsePayload = fields.ResponsePayload
	}

	now := time.Now().UTC()
	if !now.After(task.UpdatedAt) {
		now = task.UpdatedAt.Add(time.Nanosecond)
	}
	task.UpdatedAt = now
	if task.Terminal() && task.CompletedAt == nil {
		at := now
		task.CompletedAt = &at
	}

	return task.Clone(), nil
}

// ListByFrom returns tasks sent by an agent, newest first.
func (r *MemoryRepository) ListByFrom(ctx context.Context, fromAgentID string, limit int) ([]*models.Task, error) {
	return r.filter(func(t *models.Task) bool { return t.FromAgentID == fromAgentID }, limit), nil
}

// ListByTo returns tasks received by an agent, newest first.
func (r *MemoryRepository) ListByTo(ctx context.Context, toAgentID string, limit int) ([]*models.Task, error) {
	return r.filter(func(t *models.Task) bool { return t.ToAgentID == toAgentID }, limit), nil
}

// ListByState returns tasks in a given state, newest first.
func (r *MemoryRepository) ListByState(ctx context.Context, state a2av1.TaskState, limit int) ([]*models.Task, error) {
	return r.filter(func(t *models.Task) bool { return t.State == state }, limit), nil
}

func (r *MemoryRepository) filter(keep func(*models.Task) bool, limit int) []*models.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Task
	for _, t := range r.tasks {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
