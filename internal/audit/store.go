package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/flockmesh/flock/internal/common/logger"
)

// Store is the append-only audit log interface.
type Store interface {
	// Append records an entry. The entry's ID and timestamp are
	// assigned by the store when unset.
	Append(ctx context.Context, entry *Entry) error
	// ListByAgent returns the most recent entries for an agent,
	// newest first, up to limit (0 means no limit).
	ListByAgent(ctx context.Context, agentID string, limit int) ([]*Entry, error)
	// ListByLevel returns the most recent entries at a level,
	// newest first, up to limit.
	ListByLevel(ctx context.Context, level Level, limit int) ([]*Entry, error)
	Close() error
}

// Log wraps a Store with the logging side effect the audit contract
// requires: RED entries emit a warning log line.
type Log struct {
	store  Store
	logger *logger.Logger
}

// NewLog builds an audit log over the given store.
func NewLog(store Store, log *logger.Logger) *Log {
	return &Log{store: store, logger: log}
}

// Record appends an entry, warning on RED levels. Append failures are
// logged but never propagated; auditing must not break the caller.
func (l *Log) Record(ctx context.Context, entry *Entry) {
	if l == nil {
		return
	}
	if !entry.Level.Valid() {
		entry.Level = LevelYellow
	}
	if err := l.store.Append(ctx, entry); err != nil {
		l.logger.Error("Failed to append audit entry",
			zap.String("agent_id", entry.AgentID),
			zap.String("action", entry.Action),
			zap.Error(err))
		return
	}
	if entry.Level == LevelRed {
		l.logger.Warn("RED audit entry recorded",
			zap.String("agent_id", entry.AgentID),
			zap.String("action", entry.Action),
			zap.String("detail", entry.Detail))
	}
}

// Store exposes the underlying store for queries.
func (l *Log) Store() Store {
	return l.store
}
