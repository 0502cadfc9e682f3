package channels

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryChannelStore provides in-memory channel storage.
type MemoryChannelStore struct {
	channels map[string]*Channel
	mu       sync.RWMutex
}

var _ ChannelStore = (*MemoryChannelStore)(nil)

// NewMemoryChannelStore creates a new in-memory channel store.
func NewMemoryChannelStore() *MemoryChannelStore {
	return &MemoryChannelStore{channels: make(map[string]*Channel)}
}

// Close is a no-op for the in-memory store.
func (s *MemoryChannelStore) Close() error {
	return nil
}

// Create inserts a new channel.
func (s *MemoryChannelStore) Create(ctx context.Context, c *Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ChannelID == "" {
		return fmt.Errorf("channel ID is required")
	}
	if _, ok := s.channels[c.ChannelID]; ok {
		return fmt.Errorf("channel already exists: %s", c.ChannelID)
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	s.channels[c.ChannelID] = c.Clone()
	return nil
}

// Get returns a clone of the channel.
func (s *MemoryChannelStore) Get(ctx context.Context, channelID string) (*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	return c.Clone(), nil
}

// List returns all channels sorted by creation time.
func (s *MemoryChannelStore) List(ctx context.Context) ([]*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Channel, 0, len(s.channels))
	for _, c := range s.channels {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AddMember adds the member once.
func (s *MemoryChannelStore) AddMember(ctx context.Context, channelID, member string) (*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	if !c.HasMember(member) {
		c.Members = append(c.Members, member)
		c.UpdatedAt = time.Now().UTC()
	}
	return c.Clone(), nil
}

// BeginArchive records the archiving start time.
func (s *MemoryChannelStore) BeginArchive(ctx context.Context, channelID string, at time.Time) (*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	if c.Archived {
		return nil, fmt.Errorf("%w: %s", ErrChannelArchived, channelID)
	}
	c.ArchivingStartedAt = &at
	c.UpdatedAt = time.Now().UTC()
	return c.Clone(), nil
}

// MarkArchiveReady records a readiness vote once. Votes from non-agent
// members are rejected.
func (s *MemoryChannelStore) MarkArchiveReady(ctx context.Context, channelID, member string) (*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	if IsHumanMember(member) || !c.HasMember(member) {
		return nil, fmt.Errorf("member %s cannot vote on archiving %s", member, channelID)
	}
	for _, m := range c.ArchiveReadyMembers {
		if m == member {
			return c.Clone(), nil
		}
	}
	c.ArchiveReadyMembers = append(c.ArchiveReadyMembers, member)
	c.UpdatedAt = time.Now().UTC()
	return c.Clone(), nil
}

// SetArchived flips the channel to archived.
func (s *MemoryChannelStore) SetArchived(ctx context.Context, channelID string) (*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	c.Archived = true
	c.UpdatedAt = time.Now().UTC()
	return c.Clone(), nil
}

// MemoryMessageStore provides in-memory message storage. Appends are
// serialized under the store lock, which is what keeps seq gap-free.
type MemoryMessageStore struct {
	logs map[string][]*Message
	mu   sync.RWMutex
}

var _ MessageStore = (*MemoryMessageStore)(nil)

// NewMemoryMessageStore creates a new in-memory message store.
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{logs: make(map[string][]*Message)}
}

// Close is a no-op for the in-memory store.
func (s *MemoryMessageStore) Close() error {
	return nil
}

// Append assigns the next seq and stores the message.
func (s *MemoryMessageStore) Append(ctx context.Context, channelID, agentID, content string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := &Message{
		ChannelID: channelID,
		Seq:       int64(len(s.logs[channelID])) + 1,
		AgentID:   agentID,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	s.logs[channelID] = append(s.logs[channelID], msg)
	cp := *msg
	return &cp, nil
}

// List returns messages with seq > afterSeq, ascending.
func (s *MemoryMessageStore) List(ctx context.Context, channelID string, afterSeq int64, limit int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Message
	for _, msg := range s.logs[channelID] {
		if msg.Seq <= afterSeq {
			continue
		}
		cp := *msg
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MemoryBridgeStore provides in-memory bridge storage.
type MemoryBridgeStore struct {
	bridges map[string]*Bridge
	mu      sync.RWMutex
}

var _ BridgeStore = (*MemoryBridgeStore)(nil)

// NewMemoryBridgeStore creates a new in-memory bridge store.
func NewMemoryBridgeStore() *MemoryBridgeStore {
	return &MemoryBridgeStore{bridges: make(map[string]*Bridge)}
}

// Close is a no-op for the in-memory store.
func (s *MemoryBridgeStore) Close() error {
	return nil
}

// Create inserts a bridge, enforcing external-conversation uniqueness.
func (s *MemoryBridgeStore) Create(ctx context.Context, b *Bridge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.BridgeID == "" || b.ChannelID == "" || b.Platform == "" || b.ExternalChannelID == "" {
		return fmt.Errorf("bridge ID, channel ID, platform and external channel ID are required")
	}
	if _, ok := s.bridges[b.BridgeID]; ok {
		return fmt.Errorf("bridge already exists: %s", b.BridgeID)
	}
	if b.Active {
		for _, existing := range s.bridges {
			if existing.Active && existing.Platform == b.Platform && existing.ExternalChannelID == b.ExternalChannelID {
				return fmt.Errorf("%w: %s/%s", ErrBridgeConflict, b.Platform, b.ExternalChannelID)
			}
		}
	}
	b.CreatedAt = time.Now().UTC()
	s.bridges[b.BridgeID] = b.Clone()
	return nil
}

// Get returns a clone of the bridge.
func (s *MemoryBridgeStore) Get(ctx context.Context, bridgeID string) (*Bridge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bridges[bridgeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBridgeNotFound, bridgeID)
	}
	return b.Clone(), nil
}

// ListByChannel returns the channel's bridges, optionally active only.
func (s *MemoryBridgeStore) ListByChannel(ctx context.Context, channelID string, activeOnly bool) ([]*Bridge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Bridge
	for _, b := range s.bridges {
		if b.ChannelID != channelID {
			continue
		}
		if activeOnly && !b.Active {
			continue
		}
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// FindByExternal returns the active bridge for the conversation.
func (s *MemoryBridgeStore) FindByExternal(ctx context.Context, platform, externalChannelID string) (*Bridge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, b := range s.bridges {
		if b.Active && b.Platform == platform && b.ExternalChannelID == externalChannelID {
			return b.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrBridgeNotFound, platform, externalChannelID)
}

// SetActive updates the bridge's active flag.
func (s *MemoryBridgeStore) SetActive(ctx context.Context, bridgeID string, active bool) (*Bridge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bridges[bridgeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBridgeNotFound, bridgeID)
	}
	if active && !b.Active {
		for _, existing := range s.bridges {
			if existing.BridgeID != bridgeID && existing.Active &&
				existing.Platform == b.Platform && existing.ExternalChannelID == b.ExternalChannelID {
				return nil, fmt.Errorf("%w: %s/%s", ErrBridgeConflict, b.Platform, b.ExternalChannelID)
			}
		}
	}
	b.Active = active
	return b.Clone(), nil
}
