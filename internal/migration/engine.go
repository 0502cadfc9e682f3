package migration

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flockmesh/flock/internal/audit"
	"github.com/flockmesh/flock/internal/common/logger"
	"github.com/flockmesh/flock/internal/common/retry"
	"github.com/flockmesh/flock/internal/events"
	"github.com/flockmesh/flock/internal/events/bus"
	"github.com/flockmesh/flock/internal/home"
	a2av1 "github.com/flockmesh/flock/pkg/a2a/v1"
)

// RemoteCaller performs raw JSON-RPC calls against another node's A2A
// surface. The A2A client satisfies this.
type RemoteCaller interface {
	Call(ctx context.Context, endpoint, agentID, method string, params any) (*a2av1.Response, error)
}

// Departed is invoked after a migration reaches COMPLETED, so the host
// can stop serving the agent locally: drop it from the node's registry
// entry, unregister its A2A endpoint, and forget its loop state.
type Departed func(ctx context.Context, ticket *Ticket) error

// Engine drives migration tickets through the phase machine on the
// source node.
type Engine struct {
	nodeID   string
	endpoint string
	homeRoot string

	tickets     Store
	homes       home.Store
	snapshotter *Snapshotter
	caller      RemoteCaller
	bus         bus.EventBus
	audit       *audit.Log
	log         *logger.Logger
	onDeparted  Departed
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	NodeID   string
	Endpoint string
	HomeRoot string

	Tickets     Store
	Homes       home.Store
	Snapshotter *Snapshotter
	Caller      RemoteCaller
	Bus         bus.EventBus
	Audit       *audit.Log
	Logger      *logger.Logger
	OnDeparted  Departed
}

// NewEngine creates a migration engine.
func NewEngine(opts EngineOptions) *Engine {
	if opts.Snapshotter == nil {
		opts.Snapshotter = NewSnapshotter(0)
	}
	return &Engine{
		nodeID:      opts.NodeID,
		endpoint:    opts.Endpoint,
		homeRoot:    opts.HomeRoot,
		tickets:     opts.Tickets,
		homes:       opts.Homes,
		snapshotter: opts.Snapshotter,
		caller:      opts.Caller,
		bus:         opts.Bus,
		audit:       opts.Audit,
		log:         opts.Logger,
		onDeparted:  opts.OnDeparted,
	}
}

// Tickets exposes the backing ticket store.
func (e *Engine) Tickets() Store {
	return e.tickets
}

// Initiate opens a migration ticket for an agent and requests
// authorization from the target node.
func (e *Engine) Initiate(ctx context.Context, agentID, targetNodeID, targetEndpoint, reason string) (*Ticket, error) {
	h, err := e.homes.GetHome(ctx, agentID)
	if err != nil {
		return nil, NewError(CodeFreezeInvalidState, PhaseRequested, "source",
			"no home for agent %s on this node", agentID)
	}
	if h.State != home.StateActive && h.State != home.StateLeased {
		return nil, NewError(CodeFreezeInvalidState, PhaseRequested, "source",
			"home of %s is %s, migration needs ACTIVE or LEASED", agentID, h.State)
	}
	if existing, err := e.tickets.GetActiveByAgent(ctx, agentID); err == nil {
		return nil, NewError(CodeInternalStateInconsistency, PhaseRequested, "source",
			"agent %s already has active migration %s", agentID, existing.MigrationID)
	}

	ticket := &Ticket{
		MigrationID: uuid.New().String(),
		AgentID:     agentID,
		Source: Party{
			NodeID:   e.nodeID,
			HomeID:   home.HomeID{AgentID: agentID, NodeID: e.nodeID}.String(),
			Endpoint: e.endpoint,
		},
		Target: Party{
			NodeID:   targetNodeID,
			HomeID:   home.HomeID{AgentID: agentID, NodeID: targetNodeID}.String(),
			Endpoint: targetEndpoint,
		},
		Reason:          reason,
		Phase:           PhaseRequested,
		OwnershipHolder: OwnerSource,
	}
	if err := e.tickets.Create(ctx, ticket); err != nil {
		return nil, err
	}

	if _, err := e.callTarget(ctx, ticket, "migration/request", RequestParams{
		MigrationID:    ticket.MigrationID,
		AgentID:        agentID,
		SourceNodeID:   e.nodeID,
		SourceEndpoint: e.endpoint,
		TargetNodeID:   targetNodeID,
		Reason:         reason,
	}); err != nil {
		return ticket, WrapError(CodeAuthTimeout, PhaseRequested, "source", err)
	}

	e.publish(ctx, events.MigrationPhaseChanged, ticket)
	return ticket, nil
}

// AdvancePhase moves the ticket one step along the happy path,
// performing the phase's side effects.
func (e *Engine) AdvancePhase(ctx context.Context, migrationID string) (*Ticket, error) {
	ticket, err := e.tickets.Get(ctx, migrationID)
	if err != nil {
		return nil, err
	}
	next := ticket.Phase.NextPhase()
	if next == "" {
		return nil, NewError(CodeInternalStateInconsistency, ticket.Phase, "source",
			"phase %s has no forward edge", ticket.Phase)
	}

	patch := TicketPatch{Phase: &next}
	switch ticket.Phase {
	case PhaseAuthorized:
		// entering FREEZING suspends the home
		if _, err := e.homes.Transition(ctx, ticket.AgentID, home.StateFrozen); err != nil {
			return nil, WrapError(CodeFreezeInvalidState, PhaseFreezing, "source", err)
		}
	case PhaseFrozen:
		// entering SNAPSHOTTING produces the archive and the
		// work-state manifest the target rehydrates from
		snap, err := e.snapshot(ctx, ticket)
		if err != nil {
			return nil, err
		}
		patch.ArchivePath = &snap.ArchivePath
		patch.SnapshotChecksum = &snap.Checksum
		patch.SnapshotSize = &snap.SizeBytes
		patch.WorkState = &snap.WorkState
		for _, warning := range snap.Warnings {
			e.log.Warn("Snapshot warning",
				zap.String("migration_id", ticket.MigrationID),
				zap.String("warning", warning))
		}
	case PhaseSnapshotting:
		// entering TRANSFERRING marks the home in transit
		if _, err := e.homes.Transition(ctx, ticket.AgentID, home.StateMigrating); err != nil {
			return nil, WrapError(CodeFreezeInvalidState, PhaseTransferring, "source", err)
		}
	}

	updated, err := e.tickets.ApplyPatch(ctx, migrationID, patch)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, events.MigrationPhaseChanged, updated)

	// entering VERIFYING triggers the transfer handshake; its result
	// drives the ownership decision immediately
	if updated.Phase == PhaseVerifying {
		result, err := e.transferAndVerify(ctx, updated)
		if err != nil {
			return updated, err
		}
		return e.HandleVerification(ctx, migrationID, result)
	}
	// entering FINALIZING asks the target to rehydrate
	if updated.Phase == PhaseFinalizing {
		if err := e.requestRehydrate(ctx, updated); err != nil {
			return updated, err
		}
	}
	return updated, nil
}

// AdvancePhaseWithRetry advances the ticket, retrying retryable errors
// under the matching backoff policy and rolling back on everything
// else.
func (e *Engine) AdvancePhaseWithRetry(ctx context.Context, migrationID string) (*Ticket, error) {
	attempt := 1
	for {
		ticket, err := e.AdvancePhase(ctx, migrationID)
		if err == nil {
			return ticket, nil
		}

		me := Classify(err, PhaseRequested, "source")
		network, local := me.Code.Retryable()
		var policy retry.Policy
		switch {
		case network:
			policy = retry.NetworkPolicy
		case local:
			policy = retry.LocalPolicy
		default:
			e.log.Warn("Non-retryable migration error, rolling back",
				zap.String("migration_id", migrationID),
				zap.String("code", string(me.Code)))
			if _, rbErr := e.Rollback(ctx, migrationID, string(me.Code)); rbErr != nil {
				e.log.Error("Rollback failed", zap.String("migration_id", migrationID), zap.Error(rbErr))
			}
			return nil, me
		}

		if attempt >= policy.MaxAttempts {
			e.log.Warn("Migration retries exhausted, rolling back",
				zap.String("migration_id", migrationID),
				zap.String("code", string(me.Code)),
				zap.Int("attempts", attempt))
			if _, rbErr := e.Rollback(ctx, migrationID, string(me.Code)); rbErr != nil {
				e.log.Error("Rollback failed", zap.String("migration_id", migrationID), zap.Error(rbErr))
			}
			return nil, me
		}

		attempt++
		delay := policy.Delay(attempt)
		e.log.Info("Retrying migration phase",
			zap.String("migration_id", migrationID),
			zap.String("code", string(me.Code)),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// HandleVerification is the ownership-transfer point. A positive
// verification in VERIFYING flips phase and ownership in one atomic
// write; a negative one rolls back.
func (e *Engine) HandleVerification(ctx context.Context, migrationID string, result *VerificationResult) (*Ticket, error) {
	ticket, err := e.tickets.Get(ctx, migrationID)
	if err != nil {
		return nil, err
	}

	if !result.Verified {
		reason := result.FailureReason
		if reason == "" {
			reason = string(CodeVerifyChecksumMismatch)
		}
		return e.Rollback(ctx, migrationID, reason)
	}
	if ticket.Phase != PhaseVerifying {
		return nil, NewError(CodeInternalStateInconsistency, ticket.Phase, "source",
			"verification arrived in phase %s", ticket.Phase)
	}

	next := PhaseRehydrating
	owner := OwnerTarget
	updated, err := e.tickets.ApplyPatch(ctx, migrationID, TicketPatch{
		Phase:           &next,
		OwnershipHolder: &owner,
	})
	if err != nil {
		return nil, err
	}
	e.publish(ctx, events.MigrationPhaseChanged, updated)
	return updated, nil
}

// Rollback restores the source home per the phase rules and drives the
// ticket to ABORTED.
func (e *Engine) Rollback(ctx context.Context, migrationID, reason string) (*Ticket, error) {
	ticket, err := e.tickets.Get(ctx, migrationID)
	if err != nil {
		return nil, err
	}
	if ticket.Phase.Terminal() {
		return nil, NewError(CodeInternalStateInconsistency, ticket.Phase, "source",
			"cannot roll back terminal ticket %s", migrationID)
	}

	e.restoreHome(ctx, ticket)

	aborted := PhaseAborted
	patch := TicketPatch{Phase: &aborted, FailureReason: &reason}
	if !directAbort[ticket.Phase] && ticket.Phase != PhaseRollingBack {
		rolling := PhaseRollingBack
		if _, err := e.tickets.ApplyPatch(ctx, migrationID, TicketPatch{Phase: &rolling}); err != nil {
			return nil, err
		}
	}
	updated, err := e.tickets.ApplyPatch(ctx, migrationID, patch)
	if err != nil {
		return nil, err
	}

	e.publish(ctx, events.MigrationAborted, updated)
	e.audit.Record(ctx, &audit.Entry{
		AgentID: ticket.AgentID,
		Action:  "migration.rollback",
		Level:   audit.LevelYellow,
		Detail:  fmt.Sprintf("migration %s aborted: %s", migrationID, reason),
	})
	return updated, nil
}

// restoreHome applies the phase-appropriate home-state restoration.
func (e *Engine) restoreHome(ctx context.Context, ticket *Ticket) {
	h, err := e.homes.GetHome(ctx, ticket.AgentID)
	if err != nil {
		return
	}

	switch ticket.Phase {
	case PhaseRequested, PhaseAuthorized:
		// home untouched so far
		return
	case PhaseRehydrating, PhaseFinalizing:
		if ticket.OwnershipHolder != OwnerSource {
			// target owns the agent now; the source must not revive it
			return
		}
	}

	if h.State == home.StateMigrating {
		if _, err := e.homes.Transition(ctx, ticket.AgentID, home.StateFrozen); err != nil {
			e.log.Warn("Rollback home transition failed",
				zap.String("agent_id", ticket.AgentID), zap.Error(err))
			return
		}
		h.State = home.StateFrozen
	}
	if h.State == home.StateFrozen {
		if _, err := e.homes.Transition(ctx, ticket.AgentID, home.StateLeased); err != nil {
			e.log.Warn("Rollback home transition failed",
				zap.String("agent_id", ticket.AgentID), zap.Error(err))
		}
	}
}

// Complete finalizes a successful migration: the source home retires,
// the ticket completes, and the assignment now names the target node.
func (e *Engine) Complete(ctx context.Context, migrationID, newHomeID, newEndpoint string) (*Ticket, error) {
	ticket, err := e.tickets.Get(ctx, migrationID)
	if err != nil {
		return nil, err
	}
	if ticket.Phase != PhaseRehydrating && ticket.Phase != PhaseFinalizing {
		return nil, NewError(CodeInternalStateInconsistency, ticket.Phase, "source",
			"complete requires REHYDRATING or FINALIZING, got %s", ticket.Phase)
	}

	if ticket.Phase == PhaseRehydrating {
		finalizing := PhaseFinalizing
		if _, err := e.tickets.ApplyPatch(ctx, migrationID, TicketPatch{Phase: &finalizing}); err != nil {
			return nil, err
		}
	}

	if _, err := e.homes.Transition(ctx, ticket.AgentID, home.StateRetired); err != nil {
		e.log.Warn("Failed to retire source home",
			zap.String("agent_id", ticket.AgentID), zap.Error(err))
	}

	completed := PhaseCompleted
	updated, err := e.tickets.ApplyPatch(ctx, migrationID, TicketPatch{Phase: &completed})
	if err != nil {
		return nil, err
	}

	if err := e.homes.PutAssignment(ctx, &home.Assignment{
		AgentID:      ticket.AgentID,
		NodeID:       ticket.Target.NodeID,
		PortablePath: newHomeID,
	}); err != nil {
		return updated, WrapError(CodeFinalizeRegistryUpdateFailed, PhaseFinalizing, "source", err)
	}

	if e.onDeparted != nil {
		if err := e.onDeparted(ctx, updated); err != nil {
			return updated, WrapError(CodeFinalizeRegistryUpdateFailed, PhaseFinalizing, "source", err)
		}
	}

	e.publish(ctx, events.MigrationCompleted, updated)
	e.audit.Record(ctx, &audit.Entry{
		AgentID: ticket.AgentID,
		Action:  "migration.complete",
		Level:   audit.LevelGreen,
		Detail: fmt.Sprintf("agent relocated to %s (%s)",
			ticket.Target.NodeID, newEndpoint),
	})
	return updated, nil
}

// Run drives a freshly authorized ticket to a terminal phase.
func (e *Engine) Run(ctx context.Context, migrationID string) (*Ticket, error) {
	for {
		ticket, err := e.tickets.Get(ctx, migrationID)
		if err != nil {
			return nil, err
		}
		if ticket.Phase.Terminal() {
			return ticket, nil
		}
		if ticket.Phase == PhaseFinalizing {
			return e.Complete(ctx, migrationID, ticket.Target.HomeID, ticket.Target.Endpoint)
		}
		if _, err := e.AdvancePhaseWithRetry(ctx, migrationID); err != nil {
			ticket, getErr := e.tickets.Get(ctx, migrationID)
			if getErr == nil && ticket.Phase.Terminal() {
				return ticket, err
			}
			return nil, err
		}
	}
}

// snapshot archives the agent's portable subtree.
func (e *Engine) snapshot(ctx context.Context, ticket *Ticket) (*SnapshotResult, error) {
	homePath := filepath.Join(e.homeRoot, ticket.AgentID, "agent")
	workDir := filepath.Join(e.homeRoot, ticket.AgentID, "work")
	if _, err := os.Stat(workDir); err != nil {
		workDir = ""
	}
	archivePath := filepath.Join(e.homeRoot, ".migrations", ticket.MigrationID+".tar.gz")
	return e.snapshotter.Snapshot(ctx, ticket.MigrationID, homePath, workDir, archivePath)
}

// transferAndVerify uploads the archive to the target and returns its
// verification verdict.
func (e *Engine) transferAndVerify(ctx context.Context, ticket *Ticket) (*VerificationResult, error) {
	raw, err := os.ReadFile(ticket.ArchivePath)
	if err != nil {
		return nil, WrapError(CodeTransferNetworkFailed, PhaseTransferring, "source", err)
	}

	resp, err := e.callTarget(ctx, ticket, "migration/transfer-and-verify", TransferParams{
		MigrationID:   ticket.MigrationID,
		AgentID:       ticket.AgentID,
		ArchiveBase64: base64.StdEncoding.EncodeToString(raw),
		Checksum:      ticket.SnapshotChecksum,
		SizeBytes:     int64(len(raw)),
		WorkState:     ticket.WorkState,
	})
	if err != nil {
		return nil, WrapError(CodeTransferNetworkFailed, PhaseTransferring, "source", err)
	}

	var result VerificationResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, WrapError(CodeVerifyAckTimeout, PhaseVerifying, "source", err)
	}
	return &result, nil
}

// requestRehydrate asks the target to unpack and restore the home.
func (e *Engine) requestRehydrate(ctx context.Context, ticket *Ticket) error {
	resp, err := e.callTarget(ctx, ticket, "migration/rehydrate", RehydrateParams{
		MigrationID: ticket.MigrationID,
		AgentID:     ticket.AgentID,
	})
	if err != nil {
		return WrapError(CodeRehydrateExtractFailed, PhaseRehydrating, "source", err)
	}

	var result RehydrateResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return WrapError(CodeRehydrateExtractFailed, PhaseRehydrating, "source", err)
	}
	for _, warning := range result.Warnings {
		e.log.Warn("Rehydrate warning",
			zap.String("migration_id", ticket.MigrationID),
			zap.String("warning", warning))
	}
	return nil
}

// callTarget performs one JSON-RPC call against the ticket's target
// node and unwraps the result payload.
func (e *Engine) callTarget(ctx context.Context, ticket *Ticket, method string, params any) (json.RawMessage, error) {
	resp, err := e.caller.Call(ctx, ticket.Target.Endpoint, "migration", method, params)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (e *Engine) publish(ctx context.Context, eventType string, ticket *Ticket) {
	if e.bus == nil {
		return
	}
	evt := bus.NewEvent(eventType, e.nodeID, map[string]any{
		"migrationId": ticket.MigrationID,
		"agentId":     ticket.AgentID,
		"phase":       string(ticket.Phase),
		"owner":       string(ticket.OwnershipHolder),
	})
	if err := e.bus.Publish(ctx, eventType, evt); err != nil {
		e.log.Warn("Failed to publish migration event",
			zap.String("event", eventType), zap.Error(err))
	}
}
