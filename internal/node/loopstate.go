// Package node assembles one Flock node from configuration: stores,
// transport, migration engine, channels, and the agent scheduler.
package node

import (
	"sort"
	"sync"

	"github.com/flockmesh/flock/internal/channels"
)

// LoopState is the scheduling state of a local agent.
type LoopState string

const (
	// LoopAwake - the agent is ticked by the scheduler.
	LoopAwake LoopState = "AWAKE"
	// LoopSleep - the agent is parked until something wakes it.
	LoopSleep LoopState = "SLEEP"
)

// LoopTracker holds the AWAKE/SLEEP state of every agent hosted on
// this node. Agents start AWAKE when tracked; the scheduler puts them
// to sleep after an idle tick, and channel mentions wake them again.
type LoopTracker struct {
	mu     sync.Mutex
	states map[string]LoopState
}

var _ channels.Waker = (*LoopTracker)(nil)

// NewLoopTracker creates an empty tracker.
func NewLoopTracker() *LoopTracker {
	return &LoopTracker{states: make(map[string]LoopState)}
}

// Track registers a local agent in the AWAKE state.
func (t *LoopTracker) Track(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[agentID] = LoopAwake
}

// Forget drops an agent from the tracker.
func (t *LoopTracker) Forget(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, agentID)
}

// State returns the agent's loop state. Unknown agents read as SLEEP.
func (t *LoopTracker) State(agentID string) LoopState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.states[agentID]; ok {
		return s
	}
	return LoopSleep
}

// Awake returns the tracked agents currently in the AWAKE state,
// sorted for deterministic tick order.
func (t *LoopTracker) Awake() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []string
	for id, s := range t.states {
		if s == LoopAwake {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Sleep parks an AWAKE agent. Returns false if the agent is unknown
// or already asleep.
func (t *LoopTracker) Sleep(agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.states[agentID] != LoopAwake {
		return false
	}
	t.states[agentID] = LoopSleep
	return true
}

// WakeIfAsleep transitions a sleeping agent to AWAKE. Agents not
// hosted on this node are left alone.
func (t *LoopTracker) WakeIfAsleep(agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.states[agentID] != LoopSleep {
		return false
	}
	t.states[agentID] = LoopAwake
	return true
}
