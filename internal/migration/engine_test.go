package migration

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flockmesh/flock/internal/audit"
	"github.com/flockmesh/flock/internal/common/logger"
	"github.com/flockmesh/flock/internal/home"
	a2av1 "github.com/flockmesh/flock/pkg/a2a/v1"
)

// targetNode is a fully wired receiving node; its handlers answer the
// engine's calls in process.
type targetNode struct {
	handlers *Handlers
	homes    home.Store
	homeRoot string
}

func newTargetNode(t *testing.T, nodeID string) *targetNode {
	t.Helper()
	homes := home.NewMemoryStore()
	root := t.TempDir()
	handlers := NewHandlers(HandlersOptions{
		NodeID:   nodeID,
		HomeRoot: root,
		Tickets:  NewMemoryStore(),
		Homes:    homes,
		Audit:    audit.NewLog(audit.NewMemoryStore(), logger.NewNop()),
		Logger:   logger.NewNop(),
	})
	return &targetNode{handlers: handlers, homes: homes, homeRoot: root}
}

// inProcessCaller routes engine RPCs straight into the target node's
// handlers. mutate, when set, rewrites params before delivery.
type inProcessCaller struct {
	target *targetNode
	mutate func(method string, params map[string]any)
}

func (c *inProcessCaller) Call(ctx context.Context, endpoint, agentID, method string, params any) (*a2av1.Response, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	if c.mutate != nil {
		var decoded map[string]any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, err
		}
		c.mutate(method, decoded)
		if raw, err = json.Marshal(decoded); err != nil {
			return nil, err
		}
	}

	result, rpcErr := c.target.handlers.Handle(ctx, method, raw)
	if rpcErr != nil {
		return &a2av1.Response{JSONRPC: "2.0", Error: rpcErr, ID: 1}, nil
	}
	resp, err := a2av1.NewResponse(1, result)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

type engineHarness struct {
	engine   *Engine
	homes    home.Store
	target   *targetNode
	homeRoot string
	departed []string
}

func newEngineHarness(t *testing.T, mutate func(string, map[string]any)) *engineHarness {
	t.Helper()
	target := newTargetNode(t, "node-b")

	srcRoot := t.TempDir()
	homePath := filepath.Join(srcRoot, "agent-1", "agent")
	for _, dir := range PortableDirs {
		if err := os.MkdirAll(filepath.Join(homePath, dir), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(homePath, "toolkit", "lint.sh"), []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	homes := home.NewMemoryStore()
	if err := homes.CreateHome(context.Background(), &home.Home{
		AgentID:      "agent-1",
		NodeID:       "node-a",
		State:        home.StateActive,
		PortablePath: homePath,
	}); err != nil {
		t.Fatalf("CreateHome failed: %v", err)
	}

	h := &engineHarness{homes: homes, target: target, homeRoot: srcRoot}
	h.engine = NewEngine(EngineOptions{
		NodeID:   "node-a",
		Endpoint: "http://node-a.local",
		HomeRoot: srcRoot,
		Tickets:  NewMemoryStore(),
		Homes:    homes,
		Caller:   &inProcessCaller{target: target, mutate: mutate},
		Audit:    audit.NewLog(audit.NewMemoryStore(), logger.NewNop()),
		Logger:   logger.NewNop(),
		OnDeparted: func(ctx context.Context, ticket *Ticket) error {
			h.departed = append(h.departed, ticket.AgentID)
			return nil
		},
	})
	return h
}

func authorize(t *testing.T, h *engineHarness, migrationID string) {
	t.Helper()
	authorized := PhaseAuthorized
	if _, err := h.engine.Tickets().ApplyPatch(context.Background(), migrationID, TicketPatch{Phase: &authorized}); err != nil {
		t.Fatalf("authorize failed: %v", err)
	}
}

func TestEngineFullMigration(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t, nil)

	ticket, err := h.engine.Initiate(ctx, "agent-1", "node-b", "http://node-b.local", "rebalance")
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if ticket.Phase != PhaseRequested {
		t.Fatalf("phase after initiate = %s", ticket.Phase)
	}

	// the target recorded the inbound request
	targetTicket, err := h.target.handlers.tickets.Get(ctx, ticket.MigrationID)
	if err != nil {
		t.Fatalf("target has no ticket: %v", err)
	}
	if targetTicket.Source.NodeID != "node-a" {
		t.Errorf("target ticket source = %s", targetTicket.Source.NodeID)
	}

	authorize(t, h, ticket.MigrationID)
	final, err := h.engine.Run(ctx, ticket.MigrationID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if final.Phase != PhaseCompleted {
		t.Fatalf("final phase = %s (%s), want COMPLETED", final.Phase, final.FailureReason)
	}
	if final.OwnershipHolder != OwnerTarget {
		t.Errorf("final owner = %s, want target", final.OwnershipHolder)
	}

	// source home retired
	srcHome, err := h.homes.GetHome(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetHome failed: %v", err)
	}
	if srcHome.State != home.StateRetired {
		t.Errorf("source home state = %s, want RETIRED", srcHome.State)
	}

	// assignment now names the target node
	assignment, err := h.homes.GetAssignment(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetAssignment failed: %v", err)
	}
	if assignment.NodeID != "node-b" {
		t.Errorf("assignment node = %s, want node-b", assignment.NodeID)
	}

	// the host was told to release the agent
	if len(h.departed) != 1 || h.departed[0] != "agent-1" {
		t.Errorf("departed = %v, want [agent-1]", h.departed)
	}

	// target home exists and the portable content arrived
	tgtHome, err := h.target.homes.GetHome(ctx, "agent-1")
	if err != nil {
		t.Fatalf("target home missing: %v", err)
	}
	if tgtHome.State != home.StateActive {
		t.Errorf("target home state = %s, want ACTIVE", tgtHome.State)
	}
	if _, err := os.Stat(filepath.Join(h.target.homeRoot, "agent-1", "agent", "toolkit", "lint.sh")); err != nil {
		t.Errorf("portable content missing on target: %v", err)
	}
}

func TestEngineRollbackOnChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t, func(method string, params map[string]any) {
		if method == "migration/transfer-and-verify" {
			params["checksum"] = strings.Repeat("f", 64)
		}
	})

	ticket, err := h.engine.Initiate(ctx, "agent-1", "node-b", "http://node-b.local", "rebalance")
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	authorize(t, h, ticket.MigrationID)

	final, err := h.engine.Run(ctx, ticket.MigrationID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if final.Phase != PhaseAborted {
		t.Fatalf("final phase = %s, want ABORTED", final.Phase)
	}
	if final.FailureReason != string(CodeVerifyChecksumMismatch) {
		t.Errorf("failure reason = %s, want VERIFY_CHECKSUM_MISMATCH", final.FailureReason)
	}
	if final.OwnershipHolder != OwnerSource {
		t.Errorf("aborted ticket owner = %s, want source", final.OwnershipHolder)
	}

	// rollback must not leave the home mid-transit
	srcHome, err := h.homes.GetHome(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetHome failed: %v", err)
	}
	if srcHome.State == home.StateMigrating || srcHome.State == home.StateFrozen {
		t.Fatalf("rollback left home in %s", srcHome.State)
	}
	if srcHome.State != home.StateLeased {
		t.Errorf("home state = %s, want LEASED", srcHome.State)
	}

	// a failed migration never releases the agent from its host
	if len(h.departed) != 0 {
		t.Errorf("departed = %v after rollback, want none", h.departed)
	}
}

func TestEngineDirectAbort(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t, nil)

	ticket, err := h.engine.Initiate(ctx, "agent-1", "node-b", "http://node-b.local", "rebalance")
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	aborted, err := h.engine.Rollback(ctx, ticket.MigrationID, "operator abort")
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if aborted.Phase != PhaseAborted {
		t.Fatalf("phase = %s, want ABORTED", aborted.Phase)
	}

	// pre-freeze abort leaves the home untouched
	srcHome, err := h.homes.GetHome(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetHome failed: %v", err)
	}
	if srcHome.State != home.StateActive {
		t.Errorf("home state = %s, want ACTIVE", srcHome.State)
	}

	// a terminal ticket cannot be rolled back again
	if _, err := h.engine.Rollback(ctx, ticket.MigrationID, "again"); err == nil {
		t.Fatal("rollback of terminal ticket should fail")
	}
}

func TestEngineInitiateRequiresActiveHome(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t, nil)
	if _, err := h.homes.Transition(ctx, "agent-1", home.StateFrozen); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	_, err := h.engine.Initiate(ctx, "agent-1", "node-b", "http://node-b.local", "rebalance")
	var me *Error
	if err == nil {
		t.Fatal("Initiate of a frozen home should fail")
	}
	if !errors.As(err, &me) || me.Code != CodeFreezeInvalidState {
		t.Fatalf("got %v, want FREEZE_INVALID_STATE", err)
	}
}

func git(t *testing.T, dir string, args ...string) {
	t.Helper()
	base := []string{"-c", "user.name=flock", "-c", "user.email=flock@test"}
	cmd := exec.Command("git", append(base, args...)...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, out)
	}
}

func TestEngineCarriesWorkStateToTarget(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	ctx := context.Background()

	var sent []GitWorkState
	h := newEngineHarness(t, func(method string, params map[string]any) {
		if method != "migration/transfer-and-verify" {
			return
		}
		raw, _ := json.Marshal(params["workState"])
		if err := json.Unmarshal(raw, &sent); err != nil {
			t.Errorf("transfer params carry malformed workState: %v", err)
		}
	})

	// an upstream repo the agent's project was cloned from
	upstream := filepath.Join(t.TempDir(), "upstream")
	if err := os.MkdirAll(upstream, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	git(t, upstream, "init")
	if err := os.WriteFile(filepath.Join(upstream, "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	git(t, upstream, "add", "-A")
	git(t, upstream, "commit", "-m", "initial")

	// the agent's working copy, with an uncommitted edit
	workDir := filepath.Join(h.homeRoot, "agent-1", "work")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	git(t, workDir, "clone", upstream, "svc")
	projectFile := filepath.Join(workDir, "svc", "main.go")
	edited := []byte("package main\n\nfunc main() {}\n")
	if err := os.WriteFile(projectFile, edited, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ticket, err := h.engine.Initiate(ctx, "agent-1", "node-b", "http://node-b.local", "rebalance")
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	authorize(t, h, ticket.MigrationID)
	final, err := h.engine.Run(ctx, ticket.MigrationID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if final.Phase != PhaseCompleted {
		t.Fatalf("final phase = %s (%s), want COMPLETED", final.Phase, final.FailureReason)
	}

	// the manifest was recorded on the ticket at snapshot time
	if len(final.WorkState) != 1 || final.WorkState[0].RelativePath != "svc" {
		t.Fatalf("ticket work state = %+v, want one entry for svc", final.WorkState)
	}
	if final.WorkState[0].RemoteURL == "" || final.WorkState[0].CommitSHA == "" {
		t.Errorf("work state missing git coordinates: %+v", final.WorkState[0])
	}
	if final.WorkState[0].UncommittedPatch == "" {
		t.Error("uncommitted edit not captured in the manifest")
	}

	// and it went over the wire to the target
	if len(sent) != 1 || sent[0].RelativePath != "svc" {
		t.Fatalf("transfer-and-verify carried work state %+v, want one entry for svc", sent)
	}

	// the target re-cloned the project and replayed the edit
	restored, err := os.ReadFile(filepath.Join(h.target.homeRoot, "agent-1", "work", "svc", "main.go"))
	if err != nil {
		t.Fatalf("restored project missing on target: %v", err)
	}
	if string(restored) != string(edited) {
		t.Errorf("restored main.go = %q, want the uncommitted edit replayed", restored)
	}
}

func TestEngineRejectsSecondMigration(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t, nil)

	if _, err := h.engine.Initiate(ctx, "agent-1", "node-b", "http://node-b.local", "rebalance"); err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if _, err := h.engine.Initiate(ctx, "agent-1", "node-b", "http://node-b.local", "again"); err == nil {
		t.Fatal("second concurrent migration should be rejected")
	}
}
