package executor

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/flockmesh/flock/internal/audit"
	"github.com/flockmesh/flock/internal/common/logger"
	"github.com/flockmesh/flock/internal/events/bus"
	"github.com/flockmesh/flock/internal/task/models"
	"github.com/flockmesh/flock/internal/task/repository"
	"github.com/flockmesh/flock/internal/triage"
	a2av1 "github.com/flockmesh/flock/pkg/a2a/v1"
)

type harness struct {
	exec    *Executor
	tasks   repository.Repository
	store   *audit.MemoryStore
	capture *triage.Capture
}

func newHarness(t *testing.T, send SessionSend, timeout time.Duration) *harness {
	t.Helper()
	tasks := repository.NewMemoryRepository()
	store := audit.NewMemoryStore()
	capture := triage.NewCapture(0)
	exec := New(Options{
		NodeID:          "node-1",
		Send:            send,
		Tasks:           tasks,
		Bus:             bus.NewMemoryEventBus(logger.NewNop()),
		Audit:           audit.NewLog(store, logger.NewNop()),
		Capture:         capture,
		ResponseTimeout: timeout,
		Logger:          logger.NewNop(),
	})
	return &harness{exec: exec, tasks: tasks, store: store, capture: capture}
}

func sendParams(text string, data map[string]any) a2av1.MessageSendParams {
	parts := []a2av1.Part{a2av1.TextPart(text)}
	if data != nil {
		parts = append(parts, a2av1.DataPart(data))
	}
	return a2av1.MessageSendParams{Message: a2av1.Message{
		MessageID: "m-1",
		Role:      a2av1.RoleUser,
		Parts:     parts,
	}}
}

func TestExecute_Success(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, agentID, text, sessionKey string) (string, error) {
		return "all done", nil
	}, 0)

	result, err := h.exec.Execute(context.Background(), "alice", sendParams("do the thing", nil))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.Task == nil {
		t.Fatal("expected a task result")
	}
	if result.Task.Status.State != a2av1.TaskStateCompleted {
		t.Errorf("expected completed, got %s", result.Task.Status.State)
	}

	record, err := h.tasks.Get(context.Background(), result.Task.ID)
	if err != nil {
		t.Fatalf("task record missing: %v", err)
	}
	if record.State != a2av1.TaskStateCompleted || record.ResponseText != "all done" {
		t.Errorf("unexpected record: %+v", record)
	}
	if record.CompletedAt == nil {
		t.Error("expected CompletedAt on terminal record")
	}
}

func TestExecute_TaskRecordEndpoints(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, agentID, text, sessionKey string) (string, error) {
		return "ok", nil
	}, 0)

	data := map[string]any{
		"flockType": "worker-task",
		"fromHome":  "bob@node-2",
	}
	result, err := h.exec.Execute(context.Background(), "alice", sendParams("review this", data))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	record, _ := h.tasks.Get(context.Background(), result.Task.ID)
	if record.FromAgentID != "bob" || record.ToAgentID != "alice" {
		t.Errorf("unexpected endpoints: %s -> %s", record.FromAgentID, record.ToAgentID)
	}
	if record.MessageType != "worker-task" {
		t.Errorf("unexpected message type: %s", record.MessageType)
	}
}

func TestExecute_SessionKeyFromRouting(t *testing.T) {
	var gotKey string
	h := newHarness(t, func(ctx context.Context, agentID, text, sessionKey string) (string, error) {
		gotKey = sessionKey
		return "ok", nil
	}, 0)

	data := map[string]any{
		"flockType":      "worker-task",
		"sessionRouting": map[string]any{"chatType": "channel", "peerId": "general"},
	}
	if _, err := h.exec.Execute(context.Background(), "alice", sendParams("hi", data)); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if gotKey != "agent:alice:flock:channel:general" {
		t.Errorf("unexpected session key: %q", gotKey)
	}
}

func TestExecute_SysadminHeaderAndTriage(t *testing.T) {
	var sawText string
	var h *harness
	h = newHarness(t, func(ctx context.Context, agentID, text, sessionKey string) (string, error) {
		sawText = text
		// the session records its triage verdict via the tool before replying
		requestID := extractRequestID(text)
		_ = h.capture.Put(requestID, triage.Decision{
			Level:     audit.LevelRed,
			Action:    "escalate",
			Reasoning: "destructive operation",
		})
		return "escalating to operator", nil
	}, 0)

	data := map[string]any{
		"flockType": "sysadmin-request",
		"urgency":   "high",
		"project":   "flock",
		"fromHome":  "alice@node-1",
	}
	result, err := h.exec.Execute(context.Background(), "ops", sendParams("please delete prod db", data))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if !strings.HasPrefix(sawText, "[from: alice | urgency: high | project: flock | request-id: triage-") {
		t.Errorf("missing metadata header: %q", sawText)
	}

	var triageArt *a2av1.Artifact
	for i := range result.Task.Artifacts {
		if result.Task.Artifacts[i].Name == "triage-result" {
			triageArt = &result.Task.Artifacts[i]
		}
	}
	if triageArt == nil {
		t.Fatalf("expected triage-result artifact, got %+v", result.Task.Artifacts)
	}
	var data2 map[string]any
	for _, p := range triageArt.Parts {
		if p.Kind == a2av1.PartKindData {
			data2 = p.Data
		}
	}
	if data2["level"] != "RED" || data2["requiresHumanApproval"] != true {
		t.Errorf("unexpected triage data: %+v", data2)
	}

	reds, _ := h.store.ListByLevel(context.Background(), audit.LevelRed, 0)
	if len(reds) == 0 {
		t.Error("expected a RED audit entry for RED triage")
	}
}

func TestExecute_EmptyResponseFails(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, agentID, text, sessionKey string) (string, error) {
		return "", nil
	}, 0)

	result, err := h.exec.Execute(context.Background(), "alice", sendParams("anyone home?", nil))
	if err != nil {
		t.Fatalf("execute returned transport error: %v", err)
	}
	if result.Task.Status.State != a2av1.TaskStateFailed {
		t.Errorf("expected failed, got %s", result.Task.Status.State)
	}

	record, _ := h.tasks.Get(context.Background(), result.Task.ID)
	if record.State != a2av1.TaskStateFailed {
		t.Errorf("unexpected record state: %s", record.State)
	}
	if !strings.HasPrefix(record.ResponseText, "[System]") {
		t.Errorf("expected [System] prefix, got %q", record.ResponseText)
	}

	reds, _ := h.store.ListByLevel(context.Background(), audit.LevelRed, 0)
	if len(reds) != 1 {
		t.Errorf("expected RED audit on failure, got %d entries", len(reds))
	}
}

func TestExecute_Timeout(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, agentID, text, sessionKey string) (string, error) {
		select {
		case <-time.After(5 * time.Second):
			return "too late", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}, 30*time.Millisecond)

	result, err := h.exec.Execute(context.Background(), "alice", sendParams("slow", nil))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.Task.Status.State != a2av1.TaskStateFailed {
		t.Errorf("expected timeout to fail the task, got %s", result.Task.Status.State)
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, agentID, text, sessionKey string) (string, error) {
		return "ok", nil
	}, 0)

	task := taskRecordForTest("t-cancel")
	if err := h.tasks.Create(context.Background(), task); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := h.exec.Cancel(context.Background(), "alice", "t-cancel"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	got, _ := h.tasks.Get(context.Background(), "t-cancel")
	if got.State != a2av1.TaskStateCanceled {
		t.Errorf("expected canceled, got %s", got.State)
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt on canceled task")
	}

	yellows, _ := h.store.ListByLevel(context.Background(), audit.LevelYellow, 0)
	if len(yellows) != 1 {
		t.Errorf("expected YELLOW audit on cancel, got %d", len(yellows))
	}
}

func extractRequestID(text string) string {
	const marker = "request-id: "
	i := strings.Index(text, marker)
	if i < 0 {
		return ""
	}
	rest := text[i+len(marker):]
	if j := strings.IndexAny(rest, "]| \n"); j >= 0 {
		return rest[:j]
	}
	return rest
}

func taskRecordForTest(id string) *models.Task {
	return &models.Task{
		ID:          id,
		FromAgentID: "bob",
		ToAgentID:   "alice",
		MessageType: "worker-task",
		Summary:     fmt.Sprintf("test %s", id),
	}
}
