package channels

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// SQLiteChannelStore provides durable channel storage.
type SQLiteChannelStore struct {
	db *sqlx.DB
}

var _ ChannelStore = (*SQLiteChannelStore)(nil)

// NewSQLiteChannelStore creates a SQLite-backed channel store over a
// shared database handle.
func NewSQLiteChannelStore(db *sqlx.DB) (*SQLiteChannelStore, error) {
	s := &SQLiteChannelStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize channel schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteChannelStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS channels (
		channel_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		members TEXT NOT NULL DEFAULT '[]',
		archived INTEGER NOT NULL DEFAULT 0,
		archive_ready_members TEXT NOT NULL DEFAULT '[]',
		archiving_started_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close is a no-op; the shared database handle is owned by the node.
func (s *SQLiteChannelStore) Close() error {
	return nil
}

type channelRow struct {
	ChannelID           string     `db:"channel_id"`
	Name                string     `db:"name"`
	Topic               string     `db:"topic"`
	CreatedBy           string     `db:"created_by"`
	Members             string     `db:"members"`
	Archived            bool       `db:"archived"`
	ArchiveReadyMembers string     `db:"archive_ready_members"`
	ArchivingStartedAt  *time.Time `db:"archiving_started_at"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
}

func (r *channelRow) toChannel() (*Channel, error) {
	c := &Channel{
		ChannelID:          r.ChannelID,
		Name:               r.Name,
		Topic:              r.Topic,
		CreatedBy:          r.CreatedBy,
		Archived:           r.Archived,
		ArchivingStartedAt: r.ArchivingStartedAt,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.Members), &c.Members); err != nil {
		return nil, fmt.Errorf("failed to decode members: %w", err)
	}
	if err := json.Unmarshal([]byte(r.ArchiveReadyMembers), &c.ArchiveReadyMembers); err != nil {
		return nil, fmt.Errorf("failed to decode archive-ready members: %w", err)
	}
	return c, nil
}

func marshalMembers(members []string) string {
	if members == nil {
		members = []string{}
	}
	raw, _ := json.Marshal(members)
	return string(raw)
}

// Create inserts a new channel.
func (s *SQLiteChannelStore) Create(ctx context.Context, c *Channel) error {
	if c.ChannelID == "" {
		return fmt.Errorf("channel ID is required")
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (channel_id, name, topic, created_by, members,
			archived, archive_ready_members, archiving_started_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ChannelID, c.Name, c.Topic, c.CreatedBy, marshalMembers(c.Members),
		c.Archived, marshalMembers(c.ArchiveReadyMembers), c.ArchivingStartedAt,
		c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("channel already exists: %s", c.ChannelID)
		}
		return fmt.Errorf("failed to create channel: %w", err)
	}
	return nil
}

// Get returns the channel.
func (s *SQLiteChannelStore) Get(ctx context.Context, channelID string) (*Channel, error) {
	var row channelRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM channels WHERE channel_id = ?`, channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return row.toChannel()
}

// List returns all channels ordered by creation time.
func (s *SQLiteChannelStore) List(ctx context.Context) ([]*Channel, error) {
	var rows []channelRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM channels ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	out := make([]*Channel, 0, len(rows))
	for i := range rows {
		c, err := rows[i].toChannel()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// mutate reads the channel inside a transaction, applies fn, and writes
// the member and archive columns back.
func (s *SQLiteChannelStore) mutate(ctx context.Context, channelID string, fn func(*Channel) error) (*Channel, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var row channelRow
	err = tx.GetContext(ctx, &row, `SELECT * FROM channels WHERE channel_id = ?`, channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	c, err := row.toChannel()
	if err != nil {
		return nil, err
	}
	if err := fn(c); err != nil {
		return nil, err
	}
	c.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		UPDATE channels SET members = ?, archived = ?, archive_ready_members = ?,
			archiving_started_at = ?, updated_at = ?
		WHERE channel_id = ?`,
		marshalMembers(c.Members), c.Archived, marshalMembers(c.ArchiveReadyMembers),
		c.ArchivingStartedAt, c.UpdatedAt, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to update channel: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit channel update: %w", err)
	}
	return c, nil
}

// AddMember adds the member once.
func (s *SQLiteChannelStore) AddMember(ctx context.Context, channelID, member string) (*Channel, error) {
	return s.mutate(ctx, channelID, func(c *Channel) error {
		if !c.HasMember(member) {
			c.Members = append(c.Members, member)
		}
		return nil
	})
}

// BeginArchive records the archiving start time.
func (s *SQLiteChannelStore) BeginArchive(ctx context.Context, channelID string, at time.Time) (*Channel, error) {
	return s.mutate(ctx, channelID, func(c *Channel) error {
		if c.Archived {
			return fmt.Errorf("%w: %s", ErrChannelArchived, channelID)
		}
		c.ArchivingStartedAt = &at
		return nil
	})
}

// MarkArchiveReady records a readiness vote once.
func (s *SQLiteChannelStore) MarkArchiveReady(ctx context.Context, channelID, member string) (*Channel, error) {
	return s.mutate(ctx, channelID, func(c *Channel) error {
		if IsHumanMember(member) || !c.HasMember(member) {
			return fmt.Errorf("member %s cannot vote on archiving %s", member, channelID)
		}
		for _, m := range c.ArchiveReadyMembers {
			if m == member {
				return nil
			}
		}
		c.ArchiveReadyMembers = append(c.ArchiveReadyMembers, member)
		return nil
	})
}

// SetArchived flips the channel to archived.
func (s *SQLiteChannelStore) SetArchived(ctx context.Context, channelID string) (*Channel, error) {
	return s.mutate(ctx, channelID, func(c *Channel) error {
		c.Archived = true
		return nil
	})
}

// SQLiteMessageStore provides durable message storage.
type SQLiteMessageStore struct {
	db *sqlx.DB
}

var _ MessageStore = (*SQLiteMessageStore)(nil)

// NewSQLiteMessageStore creates a SQLite-backed message store over a
// shared database handle.
func NewSQLiteMessageStore(db *sqlx.DB) (*SQLiteMessageStore, error) {
	s := &SQLiteMessageStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize message schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteMessageStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS channel_messages (
		channel_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		agent_id TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		PRIMARY KEY (channel_id, seq)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close is a no-op; the shared database handle is owned by the node.
func (s *SQLiteMessageStore) Close() error {
	return nil
}

// Append assigns the next seq inside a transaction. The primary key on
// (channel_id, seq) makes concurrent appenders conflict instead of
// creating gaps or duplicates.
func (s *SQLiteMessageStore) Append(ctx context.Context, channelID, agentID, content string) (*Message, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var next int64
	if err := tx.GetContext(ctx, &next,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM channel_messages WHERE channel_id = ?`, channelID); err != nil {
		return nil, fmt.Errorf("failed to compute next seq: %w", err)
	}

	msg := &Message{
		ChannelID: channelID,
		Seq:       next,
		AgentID:   agentID,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO channel_messages (channel_id, seq, agent_id, content, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		msg.ChannelID, msg.Seq, msg.AgentID, msg.Content, msg.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}
	return msg, nil
}

// List returns messages with seq > afterSeq, ascending.
func (s *SQLiteMessageStore) List(ctx context.Context, channelID string, afterSeq int64, limit int) ([]*Message, error) {
	query := `SELECT * FROM channel_messages WHERE channel_id = ? AND seq > ? ORDER BY seq`
	args := []any{channelID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var out []*Message
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return out, nil
}

// SQLiteBridgeStore provides durable bridge storage.
type SQLiteBridgeStore struct {
	db *sqlx.DB
}

var _ BridgeStore = (*SQLiteBridgeStore)(nil)

// NewSQLiteBridgeStore creates a SQLite-backed bridge store over a
// shared database handle.
func NewSQLiteBridgeStore(db *sqlx.DB) (*SQLiteBridgeStore, error) {
	s := &SQLiteBridgeStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize bridge schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteBridgeStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bridges (
		bridge_id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		external_channel_id TEXT NOT NULL,
		webhook_url TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_bridges_channel ON bridges(channel_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_bridges_external_active
		ON bridges(platform, external_channel_id) WHERE active = 1;
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close is a no-op; the shared database handle is owned by the node.
func (s *SQLiteBridgeStore) Close() error {
	return nil
}

// Create inserts a bridge. The partial unique index enforces at most
// one active bridge per external conversation.
func (s *SQLiteBridgeStore) Create(ctx context.Context, b *Bridge) error {
	if b.BridgeID == "" || b.ChannelID == "" || b.Platform == "" || b.ExternalChannelID == "" {
		return fmt.Errorf("bridge ID, channel ID, platform and external channel ID are required")
	}
	b.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bridges (bridge_id, channel_id, platform, external_channel_id,
			webhook_url, active, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.BridgeID, b.ChannelID, b.Platform, b.ExternalChannelID,
		b.WebhookURL, b.Active, b.CreatedBy, b.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "bridges.platform") {
			return fmt.Errorf("%w: %s/%s", ErrBridgeConflict, b.Platform, b.ExternalChannelID)
		}
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("bridge already exists: %s", b.BridgeID)
		}
		return fmt.Errorf("failed to create bridge: %w", err)
	}
	return nil
}

// Get returns the bridge.
func (s *SQLiteBridgeStore) Get(ctx context.Context, bridgeID string) (*Bridge, error) {
	var b Bridge
	err := s.db.GetContext(ctx, &b, `SELECT * FROM bridges WHERE bridge_id = ?`, bridgeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBridgeNotFound, bridgeID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bridge: %w", err)
	}
	return &b, nil
}

// ListByChannel returns the channel's bridges.
func (s *SQLiteBridgeStore) ListByChannel(ctx context.Context, channelID string, activeOnly bool) ([]*Bridge, error) {
	query := `SELECT * FROM bridges WHERE channel_id = ?`
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY created_at`

	var out []*Bridge
	if err := s.db.SelectContext(ctx, &out, query, channelID); err != nil {
		return nil, fmt.Errorf("failed to list bridges: %w", err)
	}
	return out, nil
}

// FindByExternal returns the active bridge for the conversation.
func (s *SQLiteBridgeStore) FindByExternal(ctx context.Context, platform, externalChannelID string) (*Bridge, error) {
	var b Bridge
	err := s.db.GetContext(ctx, &b, `
		SELECT * FROM bridges WHERE platform = ? AND external_channel_id = ? AND active = 1`,
		platform, externalChannelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrBridgeNotFound, platform, externalChannelID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find bridge: %w", err)
	}
	return &b, nil
}

// SetActive updates the bridge's active flag.
func (s *SQLiteBridgeStore) SetActive(ctx context.Context, bridgeID string, active bool) (*Bridge, error) {
	_, err := s.db.ExecContext(ctx, `UPDATE bridges SET active = ? WHERE bridge_id = ?`, active, bridgeID)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, fmt.Errorf("%w: bridge %s", ErrBridgeConflict, bridgeID)
		}
		return nil, fmt.Errorf("failed to update bridge: %w", err)
	}
	return s.Get(ctx, bridgeID)
}
