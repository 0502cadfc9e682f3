package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flockmesh/flock/internal/common/logger"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	defer b.Close()

	var mu sync.Mutex
	var got []*Event
	_, err := b.Subscribe("task.completed", func(ctx context.Context, e *Event) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	event := NewEvent("task.completed", "test", map[string]any{"taskId": "t-1"})
	if err := b.Publish(context.Background(), "task.completed", event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0].ID != event.ID {
		t.Errorf("expected event %s, got %s", event.ID, got[0].ID)
	}
}

func TestMemoryEventBus_WildcardSubjects(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	defer b.Close()

	var mu sync.Mutex
	count := 0
	_, err := b.Subscribe("migration.*", func(ctx context.Context, e *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	ctx := context.Background()
	_ = b.Publish(ctx, "migration.phase_changed", NewEvent("migration.phase_changed", "test", nil))
	_ = b.Publish(ctx, "migration.completed", NewEvent("migration.completed", "test", nil))
	_ = b.Publish(ctx, "task.completed", NewEvent("task.completed", "test", nil))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	})
}

func TestMemoryEventBus_GreaterThanWildcard(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	defer b.Close()

	var mu sync.Mutex
	count := 0
	_, _ = b.Subscribe("channel.>", func(ctx context.Context, e *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	_ = b.Publish(ctx, "channel.message_posted", NewEvent("channel.message_posted", "test", nil))
	_ = b.Publish(ctx, "channel.archive.started", NewEvent("channel.archive.started", "test", nil))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	})
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	defer b.Close()

	var mu sync.Mutex
	count := 0
	sub, _ := b.Subscribe("task.failed", func(ctx context.Context, e *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	if !sub.IsValid() {
		t.Fatal("expected subscription to be valid")
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("expected subscription to be invalid after unsubscribe")
	}

	_ = b.Publish(context.Background(), "task.failed", NewEvent("task.failed", "test", nil))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("expected no deliveries after unsubscribe, got %d", count)
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	if !b.IsConnected() {
		t.Fatal("expected bus to be connected")
	}
	b.Close()
	if b.IsConnected() {
		t.Error("expected bus to be disconnected after close")
	}
	if err := b.Publish(context.Background(), "task.completed", NewEvent("task.completed", "test", nil)); err == nil {
		t.Error("expected publish on closed bus to fail")
	}
	if _, err := b.Subscribe("task.completed", func(ctx context.Context, e *Event) error { return nil }); err == nil {
		t.Error("expected subscribe on closed bus to fail")
	}
}
