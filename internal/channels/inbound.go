package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flockmesh/flock/internal/common/logger"
	"github.com/flockmesh/flock/internal/events"
	"github.com/flockmesh/flock/internal/events/bus"
)

// EchoTracker remembers which channel-message seqs originated from an
// external platform so that outbound fan-out does not send them back
// through the same bridge.
type EchoTracker struct {
	seqs map[string]map[int64]bool
	mu   sync.Mutex
}

// NewEchoTracker creates an echo tracker.
func NewEchoTracker() *EchoTracker {
	return &EchoTracker{seqs: make(map[string]map[int64]bool)}
}

// Mark records an inbound-origin seq for the channel.
func (t *EchoTracker) Mark(channelID string, seq int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seqs[channelID] == nil {
		t.seqs[channelID] = make(map[int64]bool)
	}
	t.seqs[channelID][seq] = true
}

// Suppress reports whether the seq came from the platform side and
// consumes the mark.
func (t *EchoTracker) Suppress(channelID string, seq int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.seqs[channelID][seq] {
		return false
	}
	delete(t.seqs[channelID], seq)
	if len(t.seqs[channelID]) == 0 {
		delete(t.seqs, channelID)
	}
	return true
}

// Waker transitions sleeping agents to awake. Implemented by the node's
// loop-state tracker.
type Waker interface {
	// WakeIfAsleep returns true when the agent was asleep and is now
	// awake.
	WakeIfAsleep(agentID string) bool
}

// InboundEvent is one message arriving from an external platform.
type InboundEvent struct {
	Platform       string
	ConversationID string
	From           string
	Content        string
	Timestamp      time.Time
}

// Inbound posts external platform messages into bridged channels with
// echo suppression and mention wakeups.
type Inbound struct {
	service *Service
	echo    *EchoTracker
	waker   Waker
	bus     bus.EventBus
	log     *logger.Logger
}

// InboundOptions configures the inbound handler.
type InboundOptions struct {
	Service *Service
	Echo    *EchoTracker
	Waker   Waker
	Bus     bus.EventBus
	Logger  *logger.Logger
}

// NewInbound creates the inbound handler.
func NewInbound(opts InboundOptions) *Inbound {
	if opts.Echo == nil {
		opts.Echo = NewEchoTracker()
	}
	return &Inbound{
		service: opts.Service,
		echo:    opts.Echo,
		waker:   opts.Waker,
		bus:     opts.Bus,
		log:     opts.Logger,
	}
}

// Echo exposes the echo tracker for the outbound fan-out.
func (h *Inbound) Echo() *EchoTracker {
	return h.echo
}

// Handle posts one platform message into its bridged channel. Unknown
// or inactive bridges and archived channels are skipped quietly; only
// malformed events are errors.
func (h *Inbound) Handle(ctx context.Context, evt InboundEvent) (*Message, error) {
	if !SupportedPlatforms[evt.Platform] {
		return nil, fmt.Errorf("unsupported platform: %q", evt.Platform)
	}
	if evt.ConversationID == "" {
		return nil, fmt.Errorf("conversation ID is required")
	}

	bridge, err := h.service.Bridges().FindByExternal(ctx, evt.Platform, evt.ConversationID)
	if err != nil {
		h.log.Debug("No active bridge for inbound message",
			zap.String("platform", evt.Platform),
			zap.String("conversation_id", evt.ConversationID))
		return nil, nil
	}

	channel, err := h.service.Channels().Get(ctx, bridge.ChannelID)
	if err != nil {
		h.log.Warn("Bridge points at a missing channel",
			zap.String("bridge_id", bridge.BridgeID),
			zap.String("channel_id", bridge.ChannelID))
		return nil, nil
	}
	if channel.Archived {
		h.log.Debug("Dropping inbound message for archived channel",
			zap.String("channel_id", channel.ChannelID))
		return nil, nil
	}

	author := HumanMemberPrefix + NormalizeUsername(evt.From)
	msg, err := h.service.Post(ctx, channel.ChannelID, author, evt.Content)
	if err != nil {
		return nil, err
	}
	h.echo.Mark(channel.ChannelID, msg.Seq)

	if !channel.HasMember(author) {
		if channel, err = h.service.Channels().AddMember(ctx, channel.ChannelID, author); err != nil {
			h.log.Warn("Failed to add human member",
				zap.String("channel_id", msg.ChannelID),
				zap.String("member", author),
				zap.Error(err))
		}
	}

	h.wakeMentioned(ctx, channel, evt.Content)
	return msg, nil
}

// mentioned reports whether @member appears in content as a whole
// token: a mention that continues into a longer identifier does not
// match, so "@coder2" never addresses member "coder".
func mentioned(content, member string) bool {
	token := "@" + member
	for from := 0; ; {
		i := strings.Index(content[from:], token)
		if i < 0 {
			return false
		}
		end := from + i + len(token)
		if end >= len(content) || !identRune(rune(content[end])) {
			return true
		}
		from += i + 1
	}
}

// identRune matches the agent-id charset, the same set
// NormalizeUsername keeps.
func identRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.', r == '_', r == '-':
		return true
	}
	return false
}

// wakeMentioned wakes sleeping agent members that are @-mentioned in
// the content. Non-members and humans never match.
func (h *Inbound) wakeMentioned(ctx context.Context, channel *Channel, content string) {
	if h.waker == nil || !strings.Contains(content, "@") {
		return
	}
	for _, member := range channel.AgentMembers() {
		if !mentioned(content, member) {
			continue
		}
		if !h.waker.WakeIfAsleep(member) {
			continue
		}
		h.log.Info("Mention woke agent",
			zap.String("agent_id", member),
			zap.String("channel_id", channel.ChannelID))
		if h.bus != nil {
			evt := bus.NewEvent(events.AgentWakeup, "channels", map[string]any{
				"agentId":   member,
				"channelId": channel.ChannelID,
			})
			if err := h.bus.Publish(ctx, events.AgentWakeup, evt); err != nil {
				h.log.Warn("Failed to publish wakeup event", zap.Error(err))
			}
		}
	}
}
