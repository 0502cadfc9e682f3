package channels

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrChannelNotFound is returned when no channel exists for the ID.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrChannelArchived is returned when posting to an archived
	// channel.
	ErrChannelArchived = errors.New("channel is archived")
	// ErrBridgeNotFound is returned when no bridge matches the query.
	ErrBridgeNotFound = errors.New("bridge not found")
	// ErrBridgeConflict is returned when an active bridge already maps
	// the external conversation.
	ErrBridgeConflict = errors.New("external conversation already bridged")
)

// ChannelStore persists channels and the archive-protocol scratchpad.
type ChannelStore interface {
	Create(ctx context.Context, c *Channel) error
	Get(ctx context.Context, channelID string) (*Channel, error)
	List(ctx context.Context) ([]*Channel, error)
	// AddMember adds the member once; adding an existing member is a
	// no-op.
	AddMember(ctx context.Context, channelID, member string) (*Channel, error)
	// BeginArchive records the archiving start time.
	BeginArchive(ctx context.Context, channelID string, at time.Time) (*Channel, error)
	// MarkArchiveReady records an agent member's readiness vote once.
	MarkArchiveReady(ctx context.Context, channelID, member string) (*Channel, error)
	// SetArchived flips the channel to archived.
	SetArchived(ctx context.Context, channelID string) (*Channel, error)
	Close() error
}

// MessageStore is the append-only per-channel message log. Append
// assigns the next seq; per channel the stored seq values are 1..n with
// no gaps.
type MessageStore interface {
	Append(ctx context.Context, channelID, agentID, content string) (*Message, error)
	// List returns messages with seq > afterSeq, ascending, up to limit
	// (0 = no limit).
	List(ctx context.Context, channelID string, afterSeq int64, limit int) ([]*Message, error)
	Close() error
}

// BridgeStore maps Flock channels to external conversations.
type BridgeStore interface {
	// Create inserts a bridge, enforcing at most one active bridge per
	// (platform, externalChannelId).
	Create(ctx context.Context, b *Bridge) error
	Get(ctx context.Context, bridgeID string) (*Bridge, error)
	ListByChannel(ctx context.Context, channelID string, activeOnly bool) ([]*Bridge, error)
	// FindByExternal returns the active bridge for the external
	// conversation, if any.
	FindByExternal(ctx context.Context, platform, externalChannelID string) (*Bridge, error)
	SetActive(ctx context.Context, bridgeID string, active bool) (*Bridge, error)
	Close() error
}
