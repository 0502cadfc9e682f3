package home

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SQLiteStore provides durable home and assignment storage.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite-backed home store over a shared
// database handle.
func NewSQLiteStore(db *sqlx.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize home schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS homes (
		agent_id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL,
		state TEXT NOT NULL,
		portable_path TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS assignments (
		agent_id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL,
		portable_path TEXT NOT NULL DEFAULT '',
		assigned_at TIMESTAMP NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close is a no-op; the shared database handle is owned by the node.
func (s *SQLiteStore) Close() error {
	return nil
}

// CreateHome registers a home record.
func (s *SQLiteStore) CreateHome(ctx context.Context, h *Home) error {
	if h.AgentID == "" || h.NodeID == "" {
		return fmt.Errorf("agent ID and node ID are required")
	}
	now := time.Now().UTC()
	h.CreatedAt = now
	h.UpdatedAt = now
	if h.State == "" {
		h.State = StateActive
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO homes (agent_id, node_id, state, portable_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		h.AgentID, h.NodeID, string(h.State), h.PortablePath, h.CreatedAt, h.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create home: %w", err)
	}
	return nil
}

// GetHome returns the agent's home.
func (s *SQLiteStore) GetHome(ctx context.Context, agentID string) (*Home, error) {
	var h Home
	var state string
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, node_id, state, portable_path, created_at, updated_at
		FROM homes WHERE agent_id = ?`, agentID).
		Scan(&h.AgentID, &h.NodeID, &state, &h.PortablePath, &h.CreatedAt, &h.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get home: %w", err)
	}
	h.State = State(state)
	return &h, nil
}

// Transition moves the home to the given state. The edge check and the
// update run as one guarded statement so concurrent transitions cannot
// race past each other.
func (s *SQLiteStore) Transition(ctx context.Context, agentID string, to State) (*Home, error) {
	current, err := s.GetHome(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(current.State, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.State, to)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE homes SET state = ?, updated_at = ? WHERE agent_id = ? AND state = ?`,
		string(to), now, agentID, string(current.State))
	if err != nil {
		return nil, fmt.Errorf("failed to transition home: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: concurrent transition on %s", ErrInvalidTransition, agentID)
	}

	current.State = to
	current.UpdatedAt = now
	return current, nil
}

// ListHomes returns all homes on this node, ordered by agent ID.
func (s *SQLiteStore) ListHomes(ctx context.Context) ([]*Home, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, node_id, state, portable_path, created_at, updated_at
		FROM homes ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list homes: %w", err)
	}
	defer rows.Close()

	var out []*Home
	for rows.Next() {
		var h Home
		var state string
		if err := rows.Scan(&h.AgentID, &h.NodeID, &state, &h.PortablePath, &h.CreatedAt, &h.UpdatedAt); err != nil {
			return nil, err
		}
		h.State = State(state)
		out = append(out, &h)
	}
	return out, rows.Err()
}

// DeleteHome removes the home record.
func (s *SQLiteStore) DeleteHome(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM homes WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("failed to delete home: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	return nil
}

// PutAssignment records the owning node for an agent.
func (s *SQLiteStore) PutAssignment(ctx context.Context, a *Assignment) error {
	if a.AgentID == "" || a.NodeID == "" {
		return fmt.Errorf("agent ID and node ID are required")
	}
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assignments (agent_id, node_id, portable_path, assigned_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			node_id = excluded.node_id,
			portable_path = excluded.portable_path,
			assigned_at = excluded.assigned_at`,
		a.AgentID, a.NodeID, a.PortablePath, a.AssignedAt)
	if err != nil {
		return fmt.Errorf("failed to put assignment: %w", err)
	}
	return nil
}

// GetAssignment returns the current assignment for an agent.
func (s *SQLiteStore) GetAssignment(ctx context.Context, agentID string) (*Assignment, error) {
	var a Assignment
	err := s.db.GetContext(ctx, &a, `
		SELECT agent_id, node_id, portable_path, assigned_at
		FROM assignments WHERE agent_id = ?`, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	return &a, nil
}

// ListAssignments returns all assignments, ordered by agent ID.
func (s *SQLiteStore) ListAssignments(ctx context.Context) ([]*Assignment, error) {
	var out []*Assignment
	err := s.db.SelectContext(ctx, &out, `
		SELECT agent_id, node_id, portable_path, assigned_at
		FROM assignments ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	return out, nil
}

// DeleteAssignment removes the assignment for an agent.
func (s *SQLiteStore) DeleteAssignment(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM assignments WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("failed to delete assignment: %w", err)
	}
	return nil
}
