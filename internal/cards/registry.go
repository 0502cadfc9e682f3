// Package cards maintains the agent-card directory: the public card of
// every agent hosted on this node plus a skill-tag reverse index used
// for discovery.
package cards

import (
	"fmt"
	"sync"

	a2av1 "github.com/flockmesh/flock/pkg/a2a/v1"
)

// AgentMeta is the node-private record paired with a public card.
type AgentMeta struct {
	AgentID   string          `json:"agent_id"`
	Role      a2av1.AgentRole `json:"role"`
	Archetype string          `json:"archetype,omitempty"`
	NodeID    string          `json:"node_id"`
	Endpoint  string          `json:"endpoint"`
}

// CardUpdate is the patch applied by UpdateCard. Nil fields are left
// unchanged; a non-nil Skills slice replaces the skill set wholesale.
type CardUpdate struct {
	Name        *string
	Description *string
	Skills      []a2av1.AgentSkill
}

type entry struct {
	card a2av1.AgentCard
	meta AgentMeta
}

// Registry is the in-memory card directory.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*entry
	byTag  map[string]map[string]struct{}
}

// NewRegistry creates an empty card registry.
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]*entry),
		byTag:  make(map[string]map[string]struct{}),
	}
}

// Register installs or replaces the card for an agent. Re-registering
// replaces the card but keeps the previously recorded endpoint when the
// new metadata carries none.
func (r *Registry) Register(agentID string, card a2av1.AgentCard, meta AgentMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta.AgentID = agentID
	if prev, ok := r.agents[agentID]; ok {
		if meta.Endpoint == "" {
			meta.Endpoint = prev.meta.Endpoint
		}
		r.unindexLocked(agentID, prev.card.Skills)
	}
	r.agents[agentID] = &entry{card: card, meta: meta}
	r.indexLocked(agentID, card.Skills)
}

// Unregister removes the agent and its tag index entries.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agentID]
	if !ok {
		return
	}
	r.unindexLocked(agentID, e.card.Skills)
	delete(r.agents, agentID)
}

// Has reports whether the agent is registered.
func (r *Registry) Has(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// GetCard returns a copy of the agent's card.
func (r *Registry) GetCard(agentID string) (a2av1.AgentCard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[agentID]
	if !ok {
		return a2av1.AgentCard{}, false
	}
	return cloneCard(e.card), true
}

// GetMeta returns the agent's node-private metadata.
func (r *Registry) GetMeta(agentID string) (AgentMeta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[agentID]
	if !ok {
		return AgentMeta{}, false
	}
	return e.meta, true
}

// List returns the directory of all registered agents.
func (r *Registry) List() []a2av1.DirectoryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]a2av1.DirectoryEntry, 0, len(r.agents))
	for id, e := range r.agents {
		out = append(out, a2av1.DirectoryEntry{ID: id, AgentCard: cloneCard(e.card)})
	}
	return out
}

// UpdateCard merges name and description and replaces the skill set,
// re-indexing tags under the registry lock so the tag index is never
// observable in a half-updated state.
func (r *Registry) UpdateCard(agentID string, update CardUpdate) (a2av1.AgentCard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agentID]
	if !ok {
		return a2av1.AgentCard{}, fmt.Errorf("agent not registered: %s", agentID)
	}

	if update.Name != nil {
		e.card.Name = *update.Name
	}
	if update.Description != nil {
		e.card.Description = *update.Description
	}
	if update.Skills != nil {
		r.unindexLocked(agentID, e.card.Skills)
		e.card.Skills = append([]a2av1.AgentSkill(nil), update.Skills...)
		r.indexLocked(agentID, e.card.Skills)
	}
	return cloneCard(e.card), nil
}

// FindBySkill returns the directory entries of agents carrying the tag.
func (r *Registry) FindBySkill(tag string) []a2av1.DirectoryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids, ok := r.byTag[tag]
	if !ok {
		return nil
	}
	out := make([]a2av1.DirectoryEntry, 0, len(ids))
	for id := range ids {
		if e, ok := r.agents[id]; ok {
			out = append(out, a2av1.DirectoryEntry{ID: id, AgentCard: cloneCard(e.card)})
		}
	}
	return out
}

func (r *Registry) indexLocked(agentID string, skills []a2av1.AgentSkill) {
	for _, skill := range skills {
		for _, tag := range skill.Tags {
			set, ok := r.byTag[tag]
			if !ok {
				set = make(map[string]struct{})
				r.byTag[tag] = set
			}
			set[agentID] = struct{}{}
		}
	}
}

func (r *Registry) unindexLocked(agentID string, skills []a2av1.AgentSkill) {
	for _, skill := range skills {
		for _, tag := range skill.Tags {
			set, ok := r.byTag[tag]
			if !ok {
				continue
			}
			delete(set, agentID)
			if len(set) == 0 {
				delete(r.byTag, tag)
			}
		}
	}
}

func cloneCard(card a2av1.AgentCard) a2av1.AgentCard {
	cp := card
	cp.Skills = append([]a2av1.AgentSkill(nil), card.Skills...)
	if card.Metadata != nil {
		cp.Metadata = make(map[string]any, len(card.Metadata))
		for k, v := range card.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}
