package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/flockmesh/flock/internal/task/models"
	a2av1 "github.com/flockmesh/flock/pkg/a2a/v1"
)

// SQLiteRepository provides durable task storage.
type SQLiteRepository struct {
	db *sqlx.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a new SQLite-backed task repository over
// a shared database handle.
func NewSQLiteRepository(db *sqlx.DB) (*SQLiteRepository, error) {
	r := &SQLiteRepository{db: db}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize task schema: %w", err)
	}
	return r, nil
}

func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		context_id TEXT NOT NULL DEFAULT '',
		from_agent_id TEXT NOT NULL DEFAULT '',
		to_agent_id TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		message_type TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}',
		response_text TEXT NOT NULL DEFAULT '',
		response_payload TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_from ON tasks(from_agent_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_to ON tasks(to_agent_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state, created_at);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Close is a no-op; the shared database handle is owned by the node.
func (r *SQLiteRepository) Close() error {
	return nil
}

// Create inserts a new task record.
func (r *SQLiteRepository) Create(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.State == "" {
		task.State = a2av1.TaskStateSubmitted
	}

	payload, err := marshalMap(task.Payload)
	if err != nil {
		return err
	}
	respPayload, err := marshalMap(task.ResponsePayload)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO tasks (id, context_id, from_agent_id, to_agent_id, state, message_type,
			summary, payload, response_text, response_payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.ContextID, task.FromAgentID, task.ToAgentID, string(task.State),
		task.MessageType, task.Summary, payload, task.ResponseText, respPayload,
		task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// Get returns the task.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*models.Task, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, context_id, from_agent_id, to_agent_id, state, message_type,
			summary, payload, response_text, response_payload, created_at, updated_at, completed_at
		FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return task, err
}

// Update applies the patch as a single statement guarded by the
// terminal-state check.
func (r *SQLiteRepository) Update(ctx context.Context, id string, fields UpdateFields) (*models.Task, error) {
	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, id)
	}

	if fields.State != nil {
		current.State = *fields.State
	}
	if fields.ResponseText != nil {
		current.ResponseText = *fields.ResponseText
	}
	if fields.ResponsePayload != nil {
		current.ResponsePayload = fields.ResponsePayload
	}

	now := time.Now().UTC()
	if !now.After(current.UpdatedAt) {
		now = current.UpdatedAt.Add(time.Microsecond)
	}
	current.UpdatedAt = now
	if current.Terminal() && current.CompletedAt == nil {
		at := now
		current.CompletedAt = &at
	}

	respPayload, err := marshalMap(current.ResponsePayload)
	if err != nil {
		return nil, err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, response_text = ?, response_payload = ?,
			updated_at = ?, completed_at = ?
		WHERE id = ? AND state NOT IN ('completed', 'failed', 'canceled')`,
		string(current.State), current.ResponseText, respPayload,
		current.UpdatedAt, current.CompletedAt, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, id)
	}
	return current, nil
}

// ListByFrom returns tasks sent by an agent, newest first.
func (r *SQLiteRepository) ListByFrom(ctx context.Context, fromAgentID string, limit int) ([]*models.Task, error) {
	return r.list(ctx, "from_agent_id = ?", fromAgentID, limit)
}

// ListByTo returns tasks received by an agent, newest first.
func (r *SQLiteRepository) ListByTo(ctx context.Context, toAgentID string, limit int) ([]*models.Task, error) {
	return r.list(ctx, "to_agent_id = ?", toAgentID, limit)
}

// ListByState returns tasks in a given state, newest first.
func (r *SQLiteRepository) ListByState(ctx context.Context, state a2av1.TaskState, limit int) ([]*models.Task, error) {
	return r.list(ctx, "state = ?", string(state), limit)
}

func (r *SQLiteRepository) list(ctx context.Context, where string, arg any, limit int) ([]*models.Task, error) {
	query := fmt.Sprintf(`
		SELECT id, context_id, from_agent_id, to_agent_id, state, message_type,
			summary, payload, response_text, response_payload, created_at, updated_at, completed_at
		FROM tasks WHERE %s ORDER BY created_at DESC`, where)
	args := []any{arg}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*models.Task, error) {
	var t models.Task
	var state, payload, respPayload string
	var completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.ContextID, &t.FromAgentID, &t.ToAgentID, &state,
		&t.MessageType, &t.Summary, &payload, &t.ResponseText, &respPayload,
		&t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	t.State = a2av1.TaskState(state)
	if completedAt.Valid {
		at := completedAt.Time
		t.CompletedAt = &at
	}
	if err := unmarshalMap(payload, &t.Payload); err != nil {
		return nil, err
	}
	if err := unmarshalMap(respPayload, &t.ResponsePayload); err != nil {
		return nil, err
	}
	return &t, nil
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return string(raw), nil
}

func unmarshalMap(raw string, dst *map[string]any) error {
	if raw == "" || raw == "{}" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return nil
}
