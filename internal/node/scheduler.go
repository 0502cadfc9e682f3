package node

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flockmesh/flock/internal/channels"
	"github.com/flockmesh/flock/internal/common/logger"
)

// DefaultTickInterval is the scheduler period when none is configured.
const DefaultTickInterval = 5 * time.Second

// maxDigestMessages bounds how many unread messages one tick delivers
// per agent per channel.
const maxDigestMessages = 50

// Deliver hands one tick's digest of unread channel traffic to an
// agent's session.
type Deliver func(ctx context.Context, agentID, digest string) error

// Scheduler ticks every AWAKE agent, collecting unread channel
// messages and delivering them as one digest per tick. An agent with
// nothing unread goes to SLEEP until a mention wakes it.
type Scheduler struct {
	loop     *LoopTracker
	channels *channels.Service
	deliver  Deliver
	interval time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	cursors map[string]map[string]int64 // agentID -> channelID -> last delivered seq
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Loop     *LoopTracker
	Channels *channels.Service
	Deliver  Deliver
	Interval time.Duration
	Logger   *logger.Logger
}

// NewScheduler creates a scheduler.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultTickInterval
	}
	return &Scheduler{
		loop:     opts.Loop,
		channels: opts.Channels,
		deliver:  opts.Deliver,
		interval: opts.Interval,
		log:      opts.Logger,
		cursors:  make(map[string]map[string]int64),
	}
}

// Run ticks until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("Scheduler started", zap.Duration("interval", s.interval))
	defer s.log.Info("Scheduler stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick processes one scheduling round: each AWAKE agent either
// receives its unread channel messages or goes to sleep.
func (s *Scheduler) Tick(ctx context.Context) {
	for _, agentID := range s.loop.Awake() {
		delivered, err := s.tickAgent(ctx, agentID)
		if err != nil {
			s.log.Warn("Agent tick failed",
				zap.String("agent_id", agentID), zap.Error(err))
			continue
		}
		if !delivered {
			// idle tick: park the agent until something wakes it
			s.loop.Sleep(agentID)
		}
	}
}

// tickAgent collects the agent's unread messages across its channels
// and delivers them as one digest. Returns whether anything was
// delivered.
func (s *Scheduler) tickAgent(ctx context.Context, agentID string) (bool, error) {
	list, err := s.channels.Channels().List(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list channels: %w", err)
	}

	var b strings.Builder
	advanced := make(map[string]int64)
	for _, c := range list {
		if c.Archived || !c.HasMember(agentID) {
			continue
		}
		msgs, err := s.channels.Messages().List(ctx, c.ChannelID, s.cursor(agentID, c.ChannelID), maxDigestMessages)
		if err != nil {
			return false, fmt.Errorf("failed to list messages for %s: %w", c.ChannelID, err)
		}
		for _, m := range msgs {
			advanced[c.ChannelID] = m.Seq
			if m.AgentID == agentID {
				continue
			}
			fmt.Fprintf(&b, "[#%s] %s: %s\n", c.Name, m.AgentID, m.Content)
		}
	}

	digest := b.String()
	if digest == "" {
		// own messages still advance the cursor
		s.advance(agentID, advanced)
		return false, nil
	}

	if err := s.deliver(ctx, agentID, digest); err != nil {
		// cursors stay put; the next tick retries the same window
		return true, fmt.Errorf("delivery failed: %w", err)
	}
	s.advance(agentID, advanced)
	return true, nil
}

func (s *Scheduler) cursor(agentID, channelID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[agentID][channelID]
}

func (s *Scheduler) advance(agentID string, seqs map[string]int64) {
	if len(seqs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	byChannel := s.cursors[agentID]
	if byChannel == nil {
		byChannel = make(map[string]int64)
		s.cursors[agentID] = byChannel
	}
	for channelID, seq := range seqs {
		if seq > byChannel[channelID] {
			byChannel[channelID] = seq
		}
	}
}
