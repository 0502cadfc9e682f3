// Package migration implements the ticketed relocation of an agent
// home between nodes: freeze, snapshot, transfer, verify, rehydrate,
// finalize, with an atomic ownership-transfer point and
// phase-appropriate rollback.
package migration

import (
	"time"
)

// Phase is one step of the migration state machine.
type Phase string

const (
	PhaseRequested    Phase = "REQUESTED"
	PhaseAuthorized   Phase = "AUTHORIZED"
	PhaseFreezing     Phase = "FREEZING"
	PhaseFrozen       Phase = "FROZEN"
	PhaseSnapshotting Phase = "SNAPSHOTTING"
	PhaseTransferring Phase = "TRANSFERRING"
	PhaseVerifying    Phase = "VERIFYING"
	PhaseRehydrating  Phase = "REHYDRATING"
	PhaseFinalizing   Phase = "FINALIZING"
	PhaseCompleted    Phase = "COMPLETED"
	PhaseRollingBack  Phase = "ROLLING_BACK"
	PhaseAborted      Phase = "ABORTED"
)

// Terminal reports whether the phase ends the ticket's life.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseAborted
}

// forward is the happy-path successor of each phase.
var forward = map[Phase]Phase{
	PhaseRequested:    PhaseAuthorized,
	PhaseAuthorized:   PhaseFreezing,
	PhaseFreezing:     PhaseFrozen,
	PhaseFrozen:       PhaseSnapshotting,
	PhaseSnapshotting: PhaseTransferring,
	PhaseTransferring: PhaseVerifying,
	PhaseVerifying:    PhaseRehydrating,
	PhaseRehydrating:  PhaseFinalizing,
	PhaseFinalizing:   PhaseCompleted,
}

// NextPhase returns the happy-path successor, or "" for phases with
// none.
func (p Phase) NextPhase() Phase {
	return forward[p]
}

// directAbort lists the early phases that may jump straight to ABORTED
// without a rollback pass.
var directAbort = map[Phase]bool{
	PhaseRequested:  true,
	PhaseAuthorized: true,
	PhaseFreezing:   true,
}

// ValidTransition reports whether from -> to is an allowed edge.
func ValidTransition(from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	if forward[from] == to {
		return true
	}
	switch to {
	case PhaseRollingBack:
		return !directAbort[from] && from != PhaseRollingBack
	case PhaseAborted:
		return directAbort[from] || from == PhaseRollingBack
	}
	return false
}

// OwnershipHolder names which side of the migration owns the agent.
type OwnershipHolder string

const (
	OwnerSource OwnershipHolder = "source"
	OwnerTarget OwnershipHolder = "target"
)

// Party identifies one end of a migration.
type Party struct {
	NodeID   string `json:"nodeId" db:"-"`
	HomeID   string `json:"homeId" db:"-"`
	Endpoint string `json:"endpoint" db:"-"`
}

// Ticket is the authoritative record of one migration.
type Ticket struct {
	MigrationID     string          `json:"migrationId"`
	AgentID         string          `json:"agentId"`
	Source          Party           `json:"source"`
	Target          Party           `json:"target"`
	Reason          string          `json:"reason"`
	Phase           Phase           `json:"phase"`
	OwnershipHolder OwnershipHolder `json:"ownershipHolder"`

	// snapshot bookkeeping filled in as phases advance
	ArchivePath      string         `json:"archivePath,omitempty"`
	SnapshotChecksum string         `json:"snapshotChecksum,omitempty"`
	SnapshotSize     int64          `json:"snapshotSize,omitempty"`
	WorkState        []GitWorkState `json:"workState,omitempty"`

	FailureReason string    `json:"failureReason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Active reports whether the ticket still drives a migration.
func (t *Ticket) Active() bool {
	return !t.Phase.Terminal()
}

// Clone returns a deep copy.
func (t *Ticket) Clone() *Ticket {
	cp := *t
	if t.WorkState != nil {
		cp.WorkState = make([]GitWorkState, len(t.WorkState))
		copy(cp.WorkState, t.WorkState)
	}
	return &cp
}

// TicketPatch is a compound update applied to a ticket as one atomic
// write. Nil fields are left unchanged.
type TicketPatch struct {
	Phase            *Phase
	OwnershipHolder  *OwnershipHolder
	ArchivePath      *string
	SnapshotChecksum *string
	SnapshotSize     *int64
	WorkState        *[]GitWorkState
	FailureReason    *string
}
