package channels

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flockmesh/flock/internal/common/logger"
	"github.com/flockmesh/flock/internal/events"
	"github.com/flockmesh/flock/internal/events/bus"
)

// NotifyFunc delivers a deactivation notice to the external side of a
// bridge. Failures are logged, never propagated; archival does not
// depend on the external platform being reachable.
type NotifyFunc func(ctx context.Context, b *Bridge, text string) error

// Service coordinates channels, their message logs and bridges, and
// runs the archive protocol.
type Service struct {
	channels ChannelStore
	messages MessageStore
	bridges  BridgeStore
	notify   NotifyFunc
	bus      bus.EventBus
	log      *logger.Logger
}

// ServiceOptions configures a channel service.
type ServiceOptions struct {
	Channels ChannelStore
	Messages MessageStore
	Bridges  BridgeStore
	Notify   NotifyFunc
	Bus      bus.EventBus
	Logger   *logger.Logger
}

// NewService creates a channel service.
func NewService(opts ServiceOptions) *Service {
	return &Service{
		channels: opts.Channels,
		messages: opts.Messages,
		bridges:  opts.Bridges,
		notify:   opts.Notify,
		bus:      opts.Bus,
		log:      opts.Logger,
	}
}

// Channels exposes the backing channel store.
func (s *Service) Channels() ChannelStore {
	return s.channels
}

// Messages exposes the backing message store.
func (s *Service) Messages() MessageStore {
	return s.messages
}

// Bridges exposes the backing bridge store.
func (s *Service) Bridges() BridgeStore {
	return s.bridges
}

// Notify forwards text to a bridge's external conversation. A service
// without a notifier drops the text.
func (s *Service) Notify(ctx context.Context, b *Bridge, text string) error {
	if s.notify == nil {
		return nil
	}
	return s.notify(ctx, b, text)
}

// CreateChannel creates a channel with the given members.
func (s *Service) CreateChannel(ctx context.Context, name, topic, createdBy string, members []string) (*Channel, error) {
	c := &Channel{
		ChannelID: uuid.New().String(),
		Name:      name,
		Topic:     topic,
		CreatedBy: createdBy,
		Members:   members,
	}
	if err := s.channels.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Post appends a message to the channel. Archived channels reject
// posts.
func (s *Service) Post(ctx context.Context, channelID, author, content string) (*Message, error) {
	c, err := s.channels.Get(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if c.Archived {
		return nil, fmt.Errorf("%w: %s", ErrChannelArchived, channelID)
	}

	msg, err := s.messages.Append(ctx, channelID, author, content)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.ChannelMessagePosted, map[string]any{
		"channelId": channelID,
		"seq":       msg.Seq,
		"agentId":   author,
	})
	return msg, nil
}

// CreateBridge maps the channel to an external conversation.
func (s *Service) CreateBridge(ctx context.Context, channelID, platform, externalChannelID, webhookURL, createdBy string) (*Bridge, error) {
	if _, err := s.channels.Get(ctx, channelID); err != nil {
		return nil, err
	}
	b := &Bridge{
		BridgeID:          uuid.New().String(),
		ChannelID:         channelID,
		Platform:          platform,
		ExternalChannelID: externalChannelID,
		WebhookURL:        webhookURL,
		Active:            true,
		CreatedBy:         createdBy,
	}
	if err := s.bridges.Create(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Archive starts or forces the archive protocol. Without force the
// channel enters the archiving state and waits for every agent member
// to call ArchiveReady; with force it archives immediately.
func (s *Service) Archive(ctx context.Context, channelID, requestedBy string, force bool) (*Channel, error) {
	if force {
		return s.finishArchive(ctx, channelID)
	}

	c, err := s.channels.BeginArchive(ctx, channelID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	notice := fmt.Sprintf("[System] %s requested archival; agent members should call archive_ready when done", requestedBy)
	if _, err := s.Post(ctx, channelID, "system", notice); err != nil {
		s.log.Warn("Failed to post archiving notice",
			zap.String("channel_id", channelID), zap.Error(err))
	}
	return c, nil
}

// ArchiveReady records an agent member's readiness vote. When every
// agent member has voted, the channel archives and its bridges
// deactivate.
func (s *Service) ArchiveReady(ctx context.Context, channelID, member string) (*Channel, error) {
	c, err := s.channels.MarkArchiveReady(ctx, channelID, member)
	if err != nil {
		return nil, err
	}

	ready := make(map[string]bool, len(c.ArchiveReadyMembers))
	for _, m := range c.ArchiveReadyMembers {
		ready[m] = true
	}
	for _, m := range c.AgentMembers() {
		if !ready[m] {
			return c, nil
		}
	}
	return s.finishArchive(ctx, channelID)
}

// finishArchive flips the channel to archived and deactivates its
// bridges. External notices are best effort.
func (s *Service) finishArchive(ctx context.Context, channelID string) (*Channel, error) {
	c, err := s.channels.SetArchived(ctx, channelID)
	if err != nil {
		return nil, err
	}

	active, err := s.bridges.ListByChannel(ctx, channelID, true)
	if err != nil {
		s.log.Warn("Failed to list bridges for archived channel",
			zap.String("channel_id", channelID), zap.Error(err))
		active = nil
	}
	for _, b := range active {
		if _, err := s.bridges.SetActive(ctx, b.BridgeID, false); err != nil {
			s.log.Warn("Failed to deactivate bridge",
				zap.String("bridge_id", b.BridgeID), zap.Error(err))
		}
		if s.notify != nil {
			notice := fmt.Sprintf("Channel %s has been archived; this bridge is no longer active.", c.Name)
			if err := s.notify(ctx, b, notice); err != nil {
				s.log.Warn("Failed to notify external conversation",
					zap.String("bridge_id", b.BridgeID),
					zap.String("platform", b.Platform),
					zap.Error(err))
			}
		}
	}

	s.publish(ctx, events.ChannelArchived, map[string]any{
		"channelId": channelID,
	})
	return c, nil
}

func (s *Service) publish(ctx context.Context, eventType string, data map[string]any) {
	if s.bus == nil {
		return
	}
	evt := bus.NewEvent(eventType, "channels", data)
	if err := s.bus.Publish(ctx, eventType, evt); err != nil {
		s.log.Warn("Failed to publish channel event",
			zap.String("event", eventType), zap.Error(err))
	}
}
