package migration

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/flockmesh/flock/internal/audit"
	"github.com/flockmesh/flock/internal/common/logger"
	"github.com/flockmesh/flock/internal/home"
	a2av1 "github.com/flockmesh/flock/pkg/a2a/v1"
)

func newHandlers(t *testing.T) *Handlers {
	t.Helper()
	return NewHandlers(HandlersOptions{
		NodeID:   "node-b",
		HomeRoot: t.TempDir(),
		Tickets:  NewMemoryStore(),
		Homes:    home.NewMemoryStore(),
		Audit:    audit.NewLog(audit.NewMemoryStore(), logger.NewNop()),
		Logger:   logger.NewNop(),
	})
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func sampleRequest() RequestParams {
	return RequestParams{
		MigrationID:    "m1",
		AgentID:        "agent-1",
		SourceNodeID:   "node-a",
		SourceEndpoint: "http://node-a.local",
		TargetNodeID:   "node-b",
		Reason:         "rebalance",
	}
}

func TestHandlers_Request(t *testing.T) {
	h := newHandlers(t)
	ctx := context.Background()

	result, rpcErr := h.Handle(ctx, "migration/request", mustJSON(t, sampleRequest()))
	if rpcErr != nil {
		t.Fatalf("request failed: %v", rpcErr)
	}
	ticket, ok := result.(*Ticket)
	if !ok {
		t.Fatalf("result type %T", result)
	}
	if ticket.Phase != PhaseRequested {
		t.Errorf("phase = %s", ticket.Phase)
	}
	if ticket.Target.HomeID != "agent-1@node-b" {
		t.Errorf("target home = %s", ticket.Target.HomeID)
	}

	// duplicate while active
	_, rpcErr = h.Handle(ctx, "migration/request", mustJSON(t, sampleRequest()))
	if rpcErr == nil || rpcErr.Code != a2av1.CodeInvalidParams {
		t.Fatalf("duplicate request: got %v, want invalid params", rpcErr)
	}
}

func TestHandlers_RequestWrongNode(t *testing.T) {
	h := newHandlers(t)
	p := sampleRequest()
	p.TargetNodeID = "node-c"

	_, rpcErr := h.Handle(context.Background(), "migration/request", mustJSON(t, p))
	if rpcErr == nil || rpcErr.Code != a2av1.CodeInvalidParams {
		t.Fatalf("got %v, want invalid params", rpcErr)
	}
}

func TestHandlers_ApproveAndReject(t *testing.T) {
	h := newHandlers(t)
	ctx := context.Background()
	if _, rpcErr := h.Handle(ctx, "migration/request", mustJSON(t, sampleRequest())); rpcErr != nil {
		t.Fatalf("request failed: %v", rpcErr)
	}

	result, rpcErr := h.Handle(ctx, "migration/approve", mustJSON(t, StatusParams{MigrationID: "m1"}))
	if rpcErr != nil {
		t.Fatalf("approve failed: %v", rpcErr)
	}
	if result.(*Ticket).Phase != PhaseAuthorized {
		t.Errorf("phase after approve = %s", result.(*Ticket).Phase)
	}

	// a second inbound request for another agent, rejected this time
	p := sampleRequest()
	p.MigrationID = "m2"
	p.AgentID = "agent-2"
	if _, rpcErr := h.Handle(ctx, "migration/request", mustJSON(t, p)); rpcErr != nil {
		t.Fatalf("request failed: %v", rpcErr)
	}
	result, rpcErr = h.Handle(ctx, "migration/reject", mustJSON(t, AbortParams{MigrationID: "m2"}))
	if rpcErr != nil {
		t.Fatalf("reject failed: %v", rpcErr)
	}
	rejected := result.(*Ticket)
	if rejected.Phase != PhaseAborted {
		t.Errorf("phase after reject = %s", rejected.Phase)
	}
	if rejected.FailureReason != string(CodeAuthRejected) {
		t.Errorf("failure reason = %s", rejected.FailureReason)
	}
}

func TestHandlers_TransferVerifyRehydrate(t *testing.T) {
	h := newHandlers(t)
	ctx := context.Background()
	if _, rpcErr := h.Handle(ctx, "migration/request", mustJSON(t, sampleRequest())); rpcErr != nil {
		t.Fatalf("request failed: %v", rpcErr)
	}

	homePath := buildHome(t)
	archivePath := filepath.Join(t.TempDir(), "m1.tar.gz")
	snap, err := NewSnapshotter(0).Snapshot(ctx, "m1", homePath, "", archivePath)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	raw, err := os.ReadFile(archivePath)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}

	result, rpcErr := h.Handle(ctx, "migration/transfer-and-verify", mustJSON(t, TransferParams{
		MigrationID:   "m1",
		AgentID:       "agent-1",
		ArchiveBase64: base64.StdEncoding.EncodeToString(raw),
		Checksum:      snap.Checksum,
		SizeBytes:     int64(len(raw)),
	}))
	if rpcErr != nil {
		t.Fatalf("transfer failed: %v", rpcErr)
	}
	verification := result.(*VerificationResult)
	if !verification.Verified {
		t.Fatalf("verification failed: %s", verification.FailureReason)
	}

	result, rpcErr = h.Handle(ctx, "migration/rehydrate", mustJSON(t, RehydrateParams{
		MigrationID: "m1",
		AgentID:     "agent-1",
	}))
	if rpcErr != nil {
		t.Fatalf("rehydrate failed: %v", rpcErr)
	}
	rehydrated := result.(*RehydrateResult)
	if _, err := os.Stat(filepath.Join(rehydrated.HomePath, "toolkit", "deploy.sh")); err != nil {
		t.Errorf("rehydrated content missing: %v", err)
	}

	tgtHome, err := h.homes.GetHome(ctx, "agent-1")
	if err != nil {
		t.Fatalf("home not created: %v", err)
	}
	if tgtHome.State != home.StateActive || tgtHome.NodeID != "node-b" {
		t.Errorf("home = %+v", tgtHome)
	}

	// the pending transfer is consumed
	_, rpcErr = h.Handle(ctx, "migration/rehydrate", mustJSON(t, RehydrateParams{
		MigrationID: "m1",
		AgentID:     "agent-1",
	}))
	if rpcErr == nil {
		t.Fatal("second rehydrate should fail")
	}
}

func TestHandlers_TransferChecksumMismatchReturnsVerdict(t *testing.T) {
	h := newHandlers(t)
	ctx := context.Background()

	result, rpcErr := h.Handle(ctx, "migration/transfer-and-verify", mustJSON(t, TransferParams{
		MigrationID:   "m1",
		AgentID:       "agent-1",
		ArchiveBase64: base64.StdEncoding.EncodeToString([]byte("garbage")),
		Checksum:      "deadbeef",
	}))
	if rpcErr != nil {
		t.Fatalf("mismatch must not be an RPC error, got %v", rpcErr)
	}
	verification := result.(*VerificationResult)
	if verification.Verified {
		t.Fatal("garbage archive verified")
	}
	if verification.FailureReason != string(CodeVerifyChecksumMismatch) {
		t.Errorf("failure reason = %s", verification.FailureReason)
	}
}

func TestHandlers_AbortWithoutEngine(t *testing.T) {
	h := newHandlers(t)
	ctx := context.Background()
	if _, rpcErr := h.Handle(ctx, "migration/request", mustJSON(t, sampleRequest())); rpcErr != nil {
		t.Fatalf("request failed: %v", rpcErr)
	}

	result, rpcErr := h.Handle(ctx, "migration/abort", mustJSON(t, AbortParams{MigrationID: "m1", Reason: "operator"}))
	if rpcErr != nil {
		t.Fatalf("abort failed: %v", rpcErr)
	}
	if result.(*Ticket).Phase != PhaseAborted {
		t.Errorf("phase = %s", result.(*Ticket).Phase)
	}

	// terminal tickets reject further aborts
	_, rpcErr = h.Handle(ctx, "migration/abort", mustJSON(t, AbortParams{MigrationID: "m1"}))
	if rpcErr == nil || rpcErr.Code != a2av1.CodeInvalidParams {
		t.Fatalf("abort of terminal ticket: got %v", rpcErr)
	}
}

func TestHandlers_CompleteRequiresEngine(t *testing.T) {
	h := newHandlers(t)
	_, rpcErr := h.Handle(context.Background(), "migration/complete",
		mustJSON(t, CompleteParams{MigrationID: "m1"}))
	if rpcErr == nil || rpcErr.Code != a2av1.CodeInternalError {
		t.Fatalf("got %v, want internal error", rpcErr)
	}
}

func TestHandlers_Status(t *testing.T) {
	h := newHandlers(t)
	ctx := context.Background()
	if _, rpcErr := h.Handle(ctx, "migration/request", mustJSON(t, sampleRequest())); rpcErr != nil {
		t.Fatalf("request failed: %v", rpcErr)
	}

	result, rpcErr := h.Handle(ctx, "migration/status", mustJSON(t, StatusParams{MigrationID: "m1"}))
	if rpcErr != nil {
		t.Fatalf("status failed: %v", rpcErr)
	}
	if result.(*Ticket).MigrationID != "m1" {
		t.Errorf("wrong ticket: %+v", result)
	}

	if _, rpcErr := h.Handle(ctx, "migration/status", mustJSON(t, StatusParams{})); rpcErr == nil {
		t.Fatal("status without migrationId should fail")
	}

	if _, rpcErr := h.Handle(ctx, "migration/unknown", nil); rpcErr == nil || rpcErr.Code != a2av1.CodeMethodNotFound {
		t.Fatalf("unknown method: got %v", rpcErr)
	}
}
