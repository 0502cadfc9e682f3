package audit

import (
	"context"
	"testing"

	"github.com/flockmesh/flock/internal/common/logger"
)

func TestMemoryStore_AppendAssignsIdentity(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	entry := &Entry{AgentID: "alice", Action: "task.execute", Level: LevelGreen}
	if err := store.Append(ctx, entry); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if entry.ID == "" {
		t.Error("expected ID to be assigned")
	}
	if entry.Timestamp.IsZero() {
		t.Error("expected timestamp to be assigned")
	}
}

func TestMemoryStore_ListByAgent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.Append(ctx, &Entry{AgentID: "alice", Action: "first", Level: LevelGreen})
	_ = store.Append(ctx, &Entry{AgentID: "bob", Action: "other", Level: LevelGreen})
	_ = store.Append(ctx, &Entry{AgentID: "alice", Action: "second", Level: LevelYellow})

	entries, err := store.ListByAgent(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Action != "second" {
		t.Errorf("expected newest first, got %s", entries[0].Action)
	}

	limited, _ := store.ListByAgent(ctx, "alice", 1)
	if len(limited) != 1 || limited[0].Action != "second" {
		t.Errorf("limit not applied, got %+v", limited)
	}
}

func TestMemoryStore_ListByLevel(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.Append(ctx, &Entry{AgentID: "a", Action: "ok", Level: LevelGreen})
	_ = store.Append(ctx, &Entry{AgentID: "b", Action: "risky", Level: LevelRed})

	reds, err := store.ListByLevel(ctx, LevelRed, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(reds) != 1 || reds[0].Action != "risky" {
		t.Errorf("unexpected RED set: %+v", reds)
	}
}

func TestLog_RecordNormalizesLevel(t *testing.T) {
	store := NewMemoryStore()
	log := NewLog(store, logger.NewNop())
	ctx := context.Background()

	log.Record(ctx, &Entry{AgentID: "alice", Action: "weird", Level: Level("PURPLE")})

	entries, _ := store.ListByAgent(ctx, "alice", 0)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Level != LevelYellow {
		t.Errorf("expected invalid level to normalize to YELLOW, got %s", entries[0].Level)
	}
}
