package node

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/flockmesh/flock/internal/channels"
	"github.com/flockmesh/flock/internal/common/logger"
	"github.com/flockmesh/flock/internal/events/bus"
)

type digestRecorder struct {
	mu      sync.Mutex
	digests map[string][]string
	fail    bool
}

func (r *digestRecorder) deliver(ctx context.Context, agentID, digest string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return context.DeadlineExceeded
	}
	if r.digests == nil {
		r.digests = make(map[string][]string)
	}
	r.digests[agentID] = append(r.digests[agentID], digest)
	return nil
}

func (r *digestRecorder) count(agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.digests[agentID])
}

func (r *digestRecorder) last(agentID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds := r.digests[agentID]
	if len(ds) == 0 {
		return ""
	}
	return ds[len(ds)-1]
}

type schedulerHarness struct {
	svc       *channels.Service
	loop      *LoopTracker
	scheduler *Scheduler
	recorder  *digestRecorder
	channel   *channels.Channel
}

func newSchedulerHarness(t *testing.T) *schedulerHarness {
	t.Helper()
	log := logger.NewNop()
	svc := channels.NewService(channels.ServiceOptions{
		Channels: channels.NewMemoryChannelStore(),
		Messages: channels.NewMemoryMessageStore(),
		Bridges:  channels.NewMemoryBridgeStore(),
		Bus:      bus.NewMemoryEventBus(log),
		Logger:   log,
	})
	c, err := svc.CreateChannel(context.Background(), "standup", "", "pm", []string{"pm", "coder"})
	if err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}

	loop := NewLoopTracker()
	loop.Track("pm")
	loop.Track("coder")

	rec := &digestRecorder{}
	sched := NewScheduler(SchedulerOptions{
		Loop:     loop,
		Channels: svc,
		Deliver:  rec.deliver,
		Logger:   log,
	})
	return &schedulerHarness{svc: svc, loop: loop, scheduler: sched, recorder: rec, channel: c}
}

func TestSchedulerDeliversUnreadMessages(t *testing.T) {
	h := newSchedulerHarness(t)
	ctx := context.Background()

	if _, err := h.svc.Post(ctx, h.channel.ChannelID, "pm", "standup in 5"); err != nil {
		t.Fatalf("Post failed: %v", err)
	}

	h.scheduler.Tick(ctx)

	// coder receives pm's message; pm wrote it, so pm gets nothing
	if got := h.recorder.count("coder"); got != 1 {
		t.Fatalf("coder digests = %d, want 1", got)
	}
	digest := h.recorder.last("coder")
	if !strings.Contains(digest, "[#standup] pm: standup in 5") {
		t.Errorf("digest = %q, missing posted message", digest)
	}
	if got := h.recorder.count("pm"); got != 0 {
		t.Errorf("pm digests = %d, want 0 for own message", got)
	}
}

func TestSchedulerDoesNotRedeliver(t *testing.T) {
	h := newSchedulerHarness(t)
	ctx := context.Background()

	if _, err := h.svc.Post(ctx, h.channel.ChannelID, "pm", "first"); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	h.scheduler.Tick(ctx)
	h.loop.WakeIfAsleep("coder")
	h.scheduler.Tick(ctx)

	if got := h.recorder.count("coder"); got != 1 {
		t.Errorf("coder digests = %d after redundant tick, want 1", got)
	}
}

func TestSchedulerIdleTickSleepsAgent(t *testing.T) {
	h := newSchedulerHarness(t)
	ctx := context.Background()

	h.scheduler.Tick(ctx)

	if got := h.loop.State("pm"); got != LoopSleep {
		t.Errorf("pm state = %s after idle tick, want SLEEP", got)
	}
	if got := h.loop.State("coder"); got != LoopSleep {
		t.Errorf("coder state = %s after idle tick, want SLEEP", got)
	}
	// sleeping agents are not ticked
	if _, err := h.svc.Post(ctx, h.channel.ChannelID, "pm", "anyone there?"); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	h.scheduler.Tick(ctx)
	if got := h.recorder.count("coder"); got != 0 {
		t.Errorf("sleeping coder received %d digests", got)
	}

	// a wakeup resumes delivery on the next tick
	if !h.loop.WakeIfAsleep("coder") {
		t.Fatal("WakeIfAsleep failed for sleeping agent")
	}
	h.scheduler.Tick(ctx)
	if got := h.recorder.count("coder"); got != 1 {
		t.Errorf("woken coder digests = %d, want 1", got)
	}
}

func TestSchedulerRetriesAfterDeliveryFailure(t *testing.T) {
	h := newSchedulerHarness(t)
	ctx := context.Background()

	if _, err := h.svc.Post(ctx, h.channel.ChannelID, "pm", "flaky"); err != nil {
		t.Fatalf("Post failed: %v", err)
	}

	h.recorder.fail = true
	h.scheduler.Tick(ctx)
	if got := h.recorder.count("coder"); got != 0 {
		t.Fatalf("failed delivery recorded %d digests", got)
	}
	// a failed delivery is not an idle tick; the agent stays awake
	if got := h.loop.State("coder"); got != LoopAwake {
		t.Fatalf("coder state = %s after failed delivery, want AWAKE", got)
	}

	h.recorder.fail = false
	h.scheduler.Tick(ctx)
	if got := h.recorder.count("coder"); got != 1 {
		t.Errorf("coder digests = %d after retry, want 1", got)
	}
	if !strings.Contains(h.recorder.last("coder"), "flaky") {
		t.Errorf("retried digest = %q, missing original message", h.recorder.last("coder"))
	}
}

func TestSchedulerSkipsArchivedChannels(t *testing.T) {
	h := newSchedulerHarness(t)
	ctx := context.Background()

	if _, err := h.svc.Post(ctx, h.channel.ChannelID, "pm", "last words"); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if _, err := h.svc.Archive(ctx, h.channel.ChannelID, "pm", true); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}

	h.scheduler.Tick(ctx)
	if got := h.recorder.count("coder"); got != 0 {
		t.Errorf("archived channel delivered %d digests", got)
	}
}
