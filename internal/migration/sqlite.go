package migration

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SQLiteStore provides durable ticket storage.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite-backed ticket store over a shared
// database handle.
func NewSQLiteStore(db *sqlx.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize migration schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS migration_tickets (
		migration_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		source_node_id TEXT NOT NULL DEFAULT '',
		source_home_id TEXT NOT NULL DEFAULT '',
		source_endpoint TEXT NOT NULL DEFAULT '',
		target_node_id TEXT NOT NULL DEFAULT '',
		target_home_id TEXT NOT NULL DEFAULT '',
		target_endpoint TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		phase TEXT NOT NULL,
		ownership_holder TEXT NOT NULL,
		archive_path TEXT NOT NULL DEFAULT '',
		snapshot_checksum TEXT NOT NULL DEFAULT '',
		snapshot_size INTEGER NOT NULL DEFAULT 0,
		work_state TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tickets_agent ON migration_tickets(agent_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_tickets_phase ON migration_tickets(phase);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close is a no-op; the shared database handle is owned by the node.
func (s *SQLiteStore) Close() error {
	return nil
}

// Create inserts a new ticket.
func (s *SQLiteStore) Create(ctx context.Context, t *Ticket) error {
	if t.MigrationID == "" || t.AgentID == "" {
		return fmt.Errorf("migration ID and agent ID are required")
	}

	if existing, err := s.GetActiveByAgent(ctx, t.AgentID); err == nil {
		return fmt.Errorf("%w: %s (ticket %s)", ErrDuplicateTicket, t.AgentID, existing.MigrationID)
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

	workState, err := marshalWorkState(t.WorkState)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO migration_tickets (migration_id, agent_id,
			source_node_id, source_home_id, source_endpoint,
			target_node_id, target_home_id, target_endpoint,
			reason, phase, ownership_holder, archive_path,
			snapshot_checksum, snapshot_size, work_state, failure_reason,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.MigrationID, t.AgentID,
		t.Source.NodeID, t.Source.HomeID, t.Source.Endpoint,
		t.Target.NodeID, t.Target.HomeID, t.Target.Endpoint,
		t.Reason, string(t.Phase), string(t.OwnershipHolder), t.ArchivePath,
		t.SnapshotChecksum, t.SnapshotSize, workState, t.FailureReason,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create ticket: %w", err)
	}
	return nil
}

// Get returns the ticket.
func (s *SQLiteStore) Get(ctx context.Context, migrationID string) (*Ticket, error) {
	row := s.db.QueryRowContext(ctx, selectTicket+` WHERE migration_id = ?`, migrationID)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, migrationID)
	}
	return t, err
}

// GetActiveByAgent returns the agent's non-terminal ticket.
func (s *SQLiteStore) GetActiveByAgent(ctx context.Context, agentID string) (*Ticket, error) {
	row := s.db.QueryRowContext(ctx, selectTicket+`
		WHERE agent_id = ? AND phase NOT IN ('COMPLETED', 'ABORTED')
		ORDER BY created_at DESC LIMIT 1`, agentID)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no active ticket for %s", ErrTicketNotFound, agentID)
	}
	return t, err
}

// ApplyPatch applies the compound update inside one transaction: the
// row is read, patched in memory against the state machine, and
// written back guarded by the phase it was read at. Phase and
// ownership therefore change in a single UPDATE.
func (s *SQLiteStore) ApplyPatch(ctx context.Context, migrationID string, patch TicketPatch) (*Ticket, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin patch: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, selectTicket+` WHERE migration_id = ?`, migrationID)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, migrationID)
	}
	if err != nil {
		return nil, err
	}

	priorPhase := t.Phase
	if err := applyPatch(t, patch); err != nil {
		return nil, err
	}

	workState, err := marshalWorkState(t.WorkState)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE migration_tickets SET
			phase = ?, ownership_holder = ?, archive_path = ?,
			snapshot_checksum = ?, snapshot_size = ?, work_state = ?,
			failure_reason = ?, updated_at = ?
		WHERE migration_id = ? AND phase = ?`,
		string(t.Phase), string(t.OwnershipHolder), t.ArchivePath,
		t.SnapshotChecksum, t.SnapshotSize, workState, t.FailureReason,
		t.UpdatedAt, migrationID, string(priorPhase))
	if err != nil {
		return nil, fmt.Errorf("failed to patch ticket: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, NewError(CodeInternalStateInconsistency, priorPhase, "source",
			"concurrent ticket update on %s", migrationID)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit patch: %w", err)
	}
	return t, nil
}

// ListByAgent returns all tickets for an agent, newest first.
func (s *SQLiteStore) ListByAgent(ctx context.Context, agentID string) ([]*Ticket, error) {
	rows, err := s.db.QueryContext(ctx, selectTicket+`
		WHERE agent_id = ? ORDER BY created_at DESC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	defer rows.Close()

	var out []*Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const selectTicket = `
	SELECT migration_id, agent_id,
		source_node_id, source_home_id, source_endpoint,
		target_node_id, target_home_id, target_endpoint,
		reason, phase, ownership_holder, archive_path,
		snapshot_checksum, snapshot_size, work_state, failure_reason,
		created_at, updated_at
	FROM migration_tickets`

type scanner interface {
	Scan(dest ...any) error
}

func scanTicket(row scanner) (*Ticket, error) {
	var t Ticket
	var phase, owner, workState string
	err := row.Scan(&t.MigrationID, &t.AgentID,
		&t.Source.NodeID, &t.Source.HomeID, &t.Source.Endpoint,
		&t.Target.NodeID, &t.Target.HomeID, &t.Target.Endpoint,
		&t.Reason, &phase, &owner, &t.ArchivePath,
		&t.SnapshotChecksum, &t.SnapshotSize, &workState, &t.FailureReason,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Phase = Phase(phase)
	t.OwnershipHolder = OwnershipHolder(owner)
	if workState != "" {
		if err := json.Unmarshal([]byte(workState), &t.WorkState); err != nil {
			return nil, fmt.Errorf("failed to decode work state for %s: %w", t.MigrationID, err)
		}
	}
	return &t, nil
}

// marshalWorkState encodes the manifest for the work_state column.
// An empty manifest is stored as the empty string.
func marshalWorkState(states []GitWorkState) (string, error) {
	if len(states) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(states)
	if err != nil {
		return "", fmt.Errorf("failed to encode work state: %w", err)
	}
	return string(raw), nil
}
