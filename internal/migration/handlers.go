package migration

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/flockmesh/flock/internal/audit"
	"github.com/flockmesh/flock/internal/common/logger"
	"github.com/flockmesh/flock/internal/home"
	a2av1 "github.com/flockmesh/flock/pkg/a2a/v1"
)

// RequestParams opens a migration on the target node.
type RequestParams struct {
	MigrationID    string `json:"migrationId"`
	AgentID        string `json:"agentId"`
	SourceNodeID   string `json:"sourceNodeId"`
	SourceEndpoint string `json:"sourceEndpoint"`
	TargetNodeID   string `json:"targetNodeId"`
	Reason         string `json:"reason"`
}

// TransferParams carries the snapshot archive to the target.
type TransferParams struct {
	MigrationID   string         `json:"migrationId"`
	AgentID       string         `json:"agentId"`
	ArchiveBase64 string         `json:"archive"`
	Checksum      string         `json:"checksum"`
	SizeBytes     int64          `json:"sizeBytes"`
	WorkState     []GitWorkState `json:"workState,omitempty"`
}

// VerifyParams reports a verification verdict to the engine.
type VerifyParams struct {
	MigrationID string             `json:"migrationId"`
	Result      VerificationResult `json:"result"`
}

// RehydrateParams asks the target to unpack a transferred snapshot.
type RehydrateParams struct {
	MigrationID string `json:"migrationId"`
	AgentID     string `json:"agentId"`
}

// CompleteParams finalizes a migration on the source.
type CompleteParams struct {
	MigrationID string `json:"migrationId"`
	NewHomeID   string `json:"newHomeId"`
	NewEndpoint string `json:"newEndpoint"`
}

// StatusParams queries a ticket.
type StatusParams struct {
	MigrationID string `json:"migrationId"`
}

// AbortParams cancels a migration.
type AbortParams struct {
	MigrationID string `json:"migrationId"`
	Reason      string `json:"reason"`
}

// RunParams starts and drives a migration end to end.
type RunParams struct {
	AgentID        string `json:"agentId"`
	TargetNodeID   string `json:"targetNodeId"`
	TargetEndpoint string `json:"targetEndpoint"`
	Reason         string `json:"reason"`
}

// pendingTransfer is the target-side scratch state between transfer
// and rehydrate.
type pendingTransfer struct {
	archivePath string
	workState   []GitWorkState
}

// Handlers is the node-level migration/* JSON-RPC surface. The same
// node can act as source (engine present) and target (receive, verify,
// rehydrate).
type Handlers struct {
	nodeID   string
	homeRoot string

	tickets    Store
	homes      home.Store
	engine     *Engine
	rehydrator *Rehydrator
	audit      *audit.Log
	log        *logger.Logger

	mu      sync.Mutex
	pending map[string]*pendingTransfer
}

// HandlersOptions configures the migration handlers.
type HandlersOptions struct {
	NodeID   string
	HomeRoot string

	Tickets    Store
	Homes      home.Store
	Engine     *Engine
	Rehydrator *Rehydrator
	Audit      *audit.Log
	Logger     *logger.Logger
}

// NewHandlers creates the migration handler surface.
func NewHandlers(opts HandlersOptions) *Handlers {
	if opts.Rehydrator == nil {
		opts.Rehydrator = NewRehydrator()
	}
	return &Handlers{
		nodeID:     opts.NodeID,
		homeRoot:   opts.HomeRoot,
		tickets:    opts.Tickets,
		homes:      opts.Homes,
		engine:     opts.Engine,
		rehydrator: opts.Rehydrator,
		audit:      opts.Audit,
		log:        opts.Logger,
		pending:    make(map[string]*pendingTransfer),
	}
}

// Handle dispatches one migration/* method.
func (h *Handlers) Handle(ctx context.Context, method string, params json.RawMessage) (any, *a2av1.Error) {
	switch method {
	case "migration/request":
		return h.handleRequest(ctx, params)
	case "migration/approve":
		return h.handleApprove(ctx, params)
	case "migration/reject":
		return h.handleReject(ctx, params)
	case "migration/transfer-and-verify":
		return h.handleTransferAndVerify(ctx, params)
	case "migration/verify":
		return h.handleVerify(ctx, params)
	case "migration/rehydrate":
		return h.handleRehydrate(ctx, params)
	case "migration/complete":
		return h.handleComplete(ctx, params)
	case "migration/status":
		return h.handleStatus(ctx, params)
	case "migration/abort":
		return h.handleAbort(ctx, params)
	case "migration/run":
		return h.handleRun(ctx, params)
	default:
		return nil, a2av1.NewError(a2av1.CodeMethodNotFound, "unknown migration method: %s", method)
	}
}

func (h *Handlers) handleRequest(ctx context.Context, raw json.RawMessage) (any, *a2av1.Error) {
	var p RequestParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, a2av1.NewError(a2av1.CodeInvalidParams, "invalid request params: %v", err)
	}
	if p.MigrationID == "" || p.AgentID == "" || p.SourceNodeID == "" || p.TargetNodeID == "" {
		return nil, a2av1.NewError(a2av1.CodeInvalidParams,
			"migrationId, agentId, sourceNodeId and targetNodeId are required")
	}
	if p.TargetNodeID != h.nodeID {
		return nil, a2av1.NewError(a2av1.CodeInvalidParams,
			"request addressed to node %s, this is %s", p.TargetNodeID, h.nodeID)
	}
	if existing, err := h.tickets.GetActiveByAgent(ctx, p.AgentID); err == nil {
		return nil, a2av1.NewError(a2av1.CodeInvalidParams,
			"agent %s already migrating (ticket %s)", p.AgentID, existing.MigrationID)
	}

	ticket := &Ticket{
		MigrationID: p.MigrationID,
		AgentID:     p.AgentID,
		Source: Party{
			NodeID:   p.SourceNodeID,
			HomeID:   home.HomeID{AgentID: p.AgentID, NodeID: p.SourceNodeID}.String(),
			Endpoint: p.SourceEndpoint,
		},
		Target: Party{
			NodeID: h.nodeID,
			HomeID: home.HomeID{AgentID: p.AgentID, NodeID: h.nodeID}.String(),
		},
		Reason:          p.Reason,
		Phase:           PhaseRequested,
		OwnershipHolder: OwnerSource,
	}
	if err := h.tickets.Create(ctx, ticket); err != nil {
		return nil, h.internal(err)
	}

	h.audit.Record(ctx, &audit.Entry{
		AgentID: p.AgentID,
		Action:  "migration.request",
		Level:   audit.LevelYellow,
		Detail:  fmt.Sprintf("inbound migration %s from %s: %s", p.MigrationID, p.SourceNodeID, p.Reason),
	})
	return ticket, nil
}

func (h *Handlers) handleApprove(ctx context.Context, raw json.RawMessage) (any, *a2av1.Error) {
	p, rpcErr := parseStatusParams(raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	authorized := PhaseAuthorized
	ticket, err := h.tickets.ApplyPatch(ctx, p.MigrationID, TicketPatch{Phase: &authorized})
	if err != nil {
		return nil, h.internal(err)
	}
	return ticket, nil
}

func (h *Handlers) handleReject(ctx context.Context, raw json.RawMessage) (any, *a2av1.Error) {
	var p AbortParams
	if err := json.Unmarshal(raw, &p); err != nil || p.MigrationID == "" {
		return nil, a2av1.NewError(a2av1.CodeInvalidParams, "migrationId is required")
	}
	aborted := PhaseAborted
	reason := p.Reason
	if reason == "" {
		reason = string(CodeAuthRejected)
	}
	ticket, err := h.tickets.ApplyPatch(ctx, p.MigrationID, TicketPatch{
		Phase:         &aborted,
		FailureReason: &reason,
	})
	if err != nil {
		return nil, h.internal(err)
	}
	return ticket, nil
}

func (h *Handlers) handleTransferAndVerify(ctx context.Context, raw json.RawMessage) (any, *a2av1.Error) {
	var p TransferParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, a2av1.NewError(a2av1.CodeInvalidParams, "invalid transfer params: %v", err)
	}
	if p.MigrationID == "" || p.ArchiveBase64 == "" || p.Checksum == "" {
		return nil, a2av1.NewError(a2av1.CodeInvalidParams,
			"migrationId, archive and checksum are required")
	}

	data, err := base64.StdEncoding.DecodeString(p.ArchiveBase64)
	if err != nil {
		return nil, a2av1.NewError(a2av1.CodeInvalidParams, "archive is not valid base64")
	}

	archivePath := filepath.Join(h.homeRoot, ".incoming", p.MigrationID+".tar.gz")
	if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		return nil, h.internal(err)
	}
	if err := os.WriteFile(archivePath, data, 0o644); err != nil {
		return nil, h.internal(err)
	}

	result, verifyErr := VerifySnapshot(archivePath, p.Checksum, p.SizeBytes)
	if result == nil {
		return nil, h.internal(verifyErr)
	}
	if result.Verified {
		h.mu.Lock()
		h.pending[p.MigrationID] = &pendingTransfer{
			archivePath: archivePath,
			workState:   p.WorkState,
		}
		h.mu.Unlock()
	} else {
		h.log.Warn("Snapshot verification failed",
			zap.String("migration_id", p.MigrationID),
			zap.String("reason", result.FailureReason))
	}
	return result, nil
}

func (h *Handlers) handleVerify(ctx context.Context, raw json.RawMessage) (any, *a2av1.Error) {
	if h.engine == nil {
		return nil, a2av1.NewError(a2av1.CodeInternalError, "no migration engine on this node")
	}
	var p VerifyParams
	if err := json.Unmarshal(raw, &p); err != nil || p.MigrationID == "" {
		return nil, a2av1.NewError(a2av1.CodeInvalidParams, "migrationId is required")
	}
	ticket, err := h.engine.HandleVerification(ctx, p.MigrationID, &p.Result)
	if err != nil {
		return nil, h.internal(err)
	}
	return ticket, nil
}

func (h *Handlers) handleRehydrate(ctx context.Context, raw json.RawMessage) (any, *a2av1.Error) {
	var p RehydrateParams
	if err := json.Unmarshal(raw, &p); err != nil || p.MigrationID == "" || p.AgentID == "" {
		return nil, a2av1.NewError(a2av1.CodeInvalidParams, "migrationId and agentId are required")
	}

	h.mu.Lock()
	transfer, ok := h.pending[p.MigrationID]
	delete(h.pending, p.MigrationID)
	h.mu.Unlock()
	if !ok {
		return nil, a2av1.NewError(a2av1.CodeInvalidParams,
			"no verified transfer for migration %s", p.MigrationID)
	}

	homePath := filepath.Join(h.homeRoot, p.AgentID, "agent")
	workDir := filepath.Join(h.homeRoot, p.AgentID, "work")
	result, err := h.rehydrator.Rehydrate(ctx, transfer.archivePath, homePath, workDir, transfer.workState)
	if err != nil {
		return nil, h.internal(err)
	}

	if _, err := h.homes.GetHome(ctx, p.AgentID); errors.Is(err, home.ErrNotFound) {
		createErr := h.homes.CreateHome(ctx, &home.Home{
			AgentID:      p.AgentID,
			NodeID:       h.nodeID,
			State:        home.StateActive,
			PortablePath: homePath,
		})
		if createErr != nil {
			return nil, h.internal(createErr)
		}
	}

	h.audit.Record(ctx, &audit.Entry{
		AgentID: p.AgentID,
		Action:  "migration.rehydrate",
		Level:   audit.LevelGreen,
		Detail:  fmt.Sprintf("home rehydrated for migration %s (%d warnings)", p.MigrationID, len(result.Warnings)),
	})
	return result, nil
}

func (h *Handlers) handleComplete(ctx context.Context, raw json.RawMessage) (any, *a2av1.Error) {
	if h.engine == nil {
		return nil, a2av1.NewError(a2av1.CodeInternalError, "migration/complete requires a migration engine on this node")
	}
	var p CompleteParams
	if err := json.Unmarshal(raw, &p); err != nil || p.MigrationID == "" {
		return nil, a2av1.NewError(a2av1.CodeInvalidParams, "migrationId is required")
	}
	ticket, err := h.engine.Complete(ctx, p.MigrationID, p.NewHomeID, p.NewEndpoint)
	if err != nil {
		return nil, h.internal(err)
	}
	return ticket, nil
}

func (h *Handlers) handleStatus(ctx context.Context, raw json.RawMessage) (any, *a2av1.Error) {
	p, rpcErr := parseStatusParams(raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	ticket, err := h.tickets.Get(ctx, p.MigrationID)
	if err != nil {
		return nil, h.internal(err)
	}
	return ticket, nil
}

func (h *Handlers) handleAbort(ctx context.Context, raw json.RawMessage) (any, *a2av1.Error) {
	var p AbortParams
	if err := json.Unmarshal(raw, &p); err != nil || p.MigrationID == "" {
		return nil, a2av1.NewError(a2av1.CodeInvalidParams, "migrationId is required")
	}
	reason := p.Reason
	if reason == "" {
		reason = "operator abort"
	}

	if h.engine != nil {
		ticket, err := h.engine.Rollback(ctx, p.MigrationID, reason)
		if err != nil {
			return nil, h.internal(err)
		}
		return ticket, nil
	}

	// no engine: abort at the store level without home restoration
	ticket, err := h.tickets.Get(ctx, p.MigrationID)
	if err != nil {
		return nil, h.internal(err)
	}
	if ticket.Phase.Terminal() {
		return nil, a2av1.NewError(a2av1.CodeInvalidParams,
			"migration %s is already %s", p.MigrationID, ticket.Phase)
	}
	if !directAbort[ticket.Phase] && ticket.Phase != PhaseRollingBack {
		rolling := PhaseRollingBack
		if _, err := h.tickets.ApplyPatch(ctx, p.MigrationID, TicketPatch{Phase: &rolling}); err != nil {
			return nil, h.internal(err)
		}
	}
	aborted := PhaseAborted
	updated, err := h.tickets.ApplyPatch(ctx, p.MigrationID, TicketPatch{
		Phase:         &aborted,
		FailureReason: &reason,
	})
	if err != nil {
		return nil, h.internal(err)
	}
	return updated, nil
}

func (h *Handlers) handleRun(ctx context.Context, raw json.RawMessage) (any, *a2av1.Error) {
	if h.engine == nil {
		return nil, a2av1.NewError(a2av1.CodeInternalError, "migration/run requires a migration engine on this node")
	}
	var p RunParams
	if err := json.Unmarshal(raw, &p); err != nil || p.AgentID == "" || p.TargetNodeID == "" {
		return nil, a2av1.NewError(a2av1.CodeInvalidParams, "agentId and targetNodeId are required")
	}

	ticket, err := h.engine.Initiate(ctx, p.AgentID, p.TargetNodeID, p.TargetEndpoint, p.Reason)
	if err != nil {
		return nil, h.internal(err)
	}

	// the target accepted the request; authorize and drive to the end
	authorized := PhaseAuthorized
	if _, err := h.tickets.ApplyPatch(ctx, ticket.MigrationID, TicketPatch{Phase: &authorized}); err != nil {
		return nil, h.internal(err)
	}
	final, err := h.engine.Run(ctx, ticket.MigrationID)
	if err != nil && final == nil {
		return nil, h.internal(err)
	}
	return final, nil
}

// internal maps store and engine failures onto the JSON-RPC envelope,
// carrying the classified migration error as data when available.
func (h *Handlers) internal(err error) *a2av1.Error {
	var me *Error
	if errors.As(err, &me) {
		rpcErr := a2av1.NewError(a2av1.CodeInternalError, "%s", me.Message)
		rpcErr.Data = map[string]any{
			"code":     string(me.Code),
			"phase":    string(me.Phase),
			"origin":   me.Origin,
			"recovery": RecoveryFor(me),
		}
		return rpcErr
	}
	return a2av1.NewError(a2av1.CodeInternalError, "%s", err.Error())
}

func parseStatusParams(raw json.RawMessage) (*StatusParams, *a2av1.Error) {
	var p StatusParams
	if err := json.Unmarshal(raw, &p); err != nil || p.MigrationID == "" {
		return nil, a2av1.NewError(a2av1.CodeInvalidParams, "migrationId is required")
	}
	return &p, nil
}
