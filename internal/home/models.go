// Package home tracks the on-node state container of each agent (its
// "home") and the mesh-wide assignment of agents to nodes.
package home

import (
	"fmt"
	"time"
)

// State is the lifecycle state of an agent home.
type State string

const (
	// StateActive - the home serves its agent normally.
	StateActive State = "ACTIVE"
	// StateLeased - the home is provisioned on loan from another node.
	StateLeased State = "LEASED"
	// StateFrozen - writes are suspended ahead of a snapshot.
	StateFrozen State = "FROZEN"
	// StateMigrating - the portable subtree is in transit.
	StateMigrating State = "MIGRATING"
	// StateRetired - the home has been handed off and must not serve.
	StateRetired State = "RETIRED"
)

// validTransitions enumerates the allowed home-state edges.
var validTransitions = map[State][]State{
	StateActive:    {StateFrozen, StateRetired},
	StateLeased:    {StateFrozen, StateRetired},
	StateFrozen:    {StateMigrating, StateLeased, StateRetired},
	StateMigrating: {StateFrozen, StateRetired},
	StateRetired:   {},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// HomeID is the canonical "{agentId}@{nodeId}" value.
type HomeID struct {
	AgentID string
	NodeID  string
}

// ParseHomeID splits a canonical home ID.
func ParseHomeID(s string) (HomeID, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '@' {
			if i == 0 || i == len(s)-1 {
				break
			}
			return HomeID{AgentID: s[:i], NodeID: s[i+1:]}, nil
		}
	}
	return HomeID{}, fmt.Errorf("invalid home ID: %q", s)
}

func (h HomeID) String() string {
	return h.AgentID + "@" + h.NodeID
}

// Home is one agent's on-node state container.
type Home struct {
	AgentID      string    `json:"agent_id"`
	NodeID       string    `json:"node_id"`
	State        State     `json:"state"`
	PortablePath string    `json:"portable_path"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ID returns the canonical home ID.
func (h *Home) ID() HomeID {
	return HomeID{AgentID: h.AgentID, NodeID: h.NodeID}
}

// Assignment maps a migrated agent to the single node that owns it.
type Assignment struct {
	AgentID      string    `json:"agent_id" db:"agent_id"`
	NodeID       string    `json:"node_id" db:"node_id"`
	PortablePath string    `json:"portable_path" db:"portable_path"`
	AssignedAt   time.Time `json:"assigned_at" db:"assigned_at"`
}
