package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// SQLiteStore provides durable audit storage.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite-backed audit store over an
// already-open database handle. The handle is shared with the other
// durable stores and not closed here.
func NewSQLiteStore(db *sqlx.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		timestamp TIMESTAMP NOT NULL,
		home_id TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		level TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL DEFAULT '',
		duration_ns INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_entries(agent_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_level ON audit_entries(level, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close is a no-op; the shared database handle is owned by the node.
func (s *SQLiteStore) Close() error {
	return nil
}

// Append records an entry.
func (s *SQLiteStore) Append(ctx context.Context, entry *Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, timestamp, home_id, agent_id, action, level, detail, result, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Timestamp, entry.HomeID, entry.AgentID, entry.Action,
		string(entry.Level), entry.Detail, entry.Result, int64(entry.Duration))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListByAgent returns the most recent entries for an agent, newest first.
func (s *SQLiteStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]*Entry, error) {
	return s.list(ctx, "agent_id = ?", agentID, limit)
}

// ListByLevel returns the most recent entries at a level, newest first.
func (s *SQLiteStore) ListByLevel(ctx context.Context, level Level, limit int) ([]*Entry, error) {
	return s.list(ctx, "level = ?", string(level), limit)
}

func (s *SQLiteStore) list(ctx context.Context, where string, arg any, limit int) ([]*Entry, error) {
	query := fmt.Sprintf(`
		SELECT id, timestamp, home_id, agent_id, action, level, detail, result, duration_ns
		FROM audit_entries WHERE %s ORDER BY timestamp DESC`, where)
	args := []any{arg}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		var level string
		var durationNs int64
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.HomeID, &e.AgentID, &e.Action,
			&level, &e.Detail, &e.Result, &durationNs); err != nil {
			return nil, err
		}
		e.Level = Level(level)
		e.Duration = time.Duration(durationNs)
		out = append(out, &e)
	}
	return out, rows.Err()
}
