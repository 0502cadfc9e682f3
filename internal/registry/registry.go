// Package registry tracks the nodes of the mesh and resolves which
// node hosts a given agent, consulting an optional parent node's card
// directory when the local view comes up empty.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flockmesh/flock/internal/common/logger"
	a2av1 "github.com/flockmesh/flock/pkg/a2a/v1"
)

// SyntheticNodePrefix marks node entries fabricated from a parent
// directory answer rather than an explicit registration.
const SyntheticNodePrefix = "parent-resolved-"

// NodeStatus is the liveness state of a node entry.
type NodeStatus string

const (
	NodeStatusOnline  NodeStatus = "online"
	NodeStatusOffline NodeStatus = "offline"
	NodeStatusUnknown NodeStatus = "unknown"
)

// NodeEntry describes one node of the mesh.
type NodeEntry struct {
	NodeID      string     `json:"node_id"`
	A2AEndpoint string     `json:"a2a_endpoint"`
	Status      NodeStatus `json:"status"`
	LastSeen    time.Time  `json:"last_seen"`
	AgentIDs    []string   `json:"agent_ids"`
}

func (e *NodeEntry) clone() *NodeEntry {
	cp := *e
	cp.AgentIDs = append([]string(nil), e.AgentIDs...)
	return &cp
}

func (e *NodeEntry) hasAgent(agentID string) bool {
	for _, id := range e.AgentIDs {
		if id == agentID {
			return true
		}
	}
	return false
}

// Synthetic reports whether the entry was fabricated from a parent
// lookup.
func (e *NodeEntry) Synthetic() bool {
	return strings.HasPrefix(e.NodeID, SyntheticNodePrefix)
}

// ParentConfig points at the upstream node consulted on local misses.
type ParentConfig struct {
	Endpoint  string
	Timeout   time.Duration
	CacheTTL  time.Duration
	CacheSize int
}

type cacheRecord struct {
	nodeID   string
	cachedAt time.Time
}

// Resolution is the outcome of an agent lookup.
type Resolution struct {
	Entry      *NodeEntry
	FromParent bool
}

// Registry is the node directory with hierarchical agent lookup.
type Registry struct {
	mu     sync.Mutex
	nodes  map[string]*NodeEntry
	parent ParentConfig
	// parent-resolved agents, bounded LRU keyed by agent ID
	cache      map[string]*cacheRecord
	cacheOrder []string
	client     *http.Client
	log        *logger.Logger
	now        func() time.Time
}

// New creates a node registry. A zero parent endpoint disables the
// hierarchical lookup.
func New(parent ParentConfig, log *logger.Logger) *Registry {
	if parent.Timeout <= 0 {
		parent.Timeout = 5 * time.Second
	}
	if parent.CacheTTL <= 0 {
		parent.CacheTTL = 5 * time.Minute
	}
	if parent.CacheSize <= 0 {
		parent.CacheSize = 1024
	}
	return &Registry{
		nodes:  make(map[string]*NodeEntry),
		parent: parent,
		cache:  make(map[string]*cacheRecord),
		client: &http.Client{Timeout: parent.Timeout},
		log:    log,
		now:    time.Now,
	}
}

// RegisterNode installs or replaces a node entry.
func (r *Registry) RegisterNode(entry *NodeEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := entry.clone()
	if cp.Status == "" {
		cp.Status = NodeStatusOnline
	}
	if cp.Status == NodeStatusOnline {
		cp.LastSeen = r.now()
	}
	r.nodes[cp.NodeID] = cp
}

// RemoveNode drops a node entry.
func (r *Registry) RemoveNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, nodeID)
}

// GetNode returns a copy of the node entry.
func (r *Registry) GetNode(nodeID string) (*NodeEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.nodes[nodeID]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// ListNodes returns all node entries.
func (r *Registry) ListNodes() []*NodeEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*NodeEntry, 0, len(r.nodes))
	for _, e := range r.nodes {
		out = append(out, e.clone())
	}
	return out
}

// UpdateAgents replaces the agent set of a node.
func (r *Registry) UpdateAgents(nodeID string, agentIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.nodes[nodeID]
	if !ok {
		return fmt.Errorf("node not registered: %s", nodeID)
	}
	e.AgentIDs = append([]string(nil), agentIDs...)
	return nil
}

// UpdateStatus sets a node's status; online refreshes lastSeen.
func (r *Registry) UpdateStatus(nodeID string, status NodeStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.nodes[nodeID]
	if !ok {
		return fmt.Errorf("node not registered: %s", nodeID)
	}
	e.Status = status
	if status == NodeStatusOnline {
		e.LastSeen = r.now()
	}
	return nil
}

// FindNodeForAgent resolves the hosting node for an agent, consulting
// the parent directory on a local miss. Cached parent answers are
// revalidated once their TTL lapses.
func (r *Registry) FindNodeForAgent(ctx context.Context, agentID string) (*Resolution, error) {
	r.mu.Lock()
	var local *NodeEntry
	for _, e := range r.nodes {
		if e.hasAgent(agentID) {
			local = e
			break
		}
	}

	if local != nil {
		rec, cached := r.cache[agentID]
		if !cached {
			out := local.clone()
			r.mu.Unlock()
			return &Resolution{Entry: out}, nil
		}
		if r.now().Sub(rec.cachedAt) <= r.parent.CacheTTL {
			out := local.clone()
			r.mu.Unlock()
			return &Resolution{Entry: out, FromParent: true}, nil
		}
		// stale: revalidate with the parent
		r.mu.Unlock()
		fresh, err := r.queryParent(ctx, agentID)
		if err != nil || fresh == nil {
			r.evict(agentID)
			return nil, err
		}
		r.mu.Lock()
		if fresh.NodeID != local.NodeID {
			r.evictLocked(agentID)
		}
		r.cacheParentAnswerLocked(agentID, fresh)
		out := r.nodes[fresh.NodeID].clone()
		r.mu.Unlock()
		return &Resolution{Entry: out, FromParent: true}, nil
	}
	r.mu.Unlock()

	if r.parent.Endpoint == "" {
		return nil, nil
	}
	fresh, err := r.queryParent(ctx, agentID)
	if err != nil || fresh == nil {
		return nil, err
	}
	r.mu.Lock()
	r.cacheParentAnswerLocked(agentID, fresh)
	out := r.nodes[fresh.NodeID].clone()
	r.mu.Unlock()
	return &Resolution{Entry: out, FromParent: true}, nil
}

// ValidateAgent re-resolves an agent after a delivery to expectedNodeID
// came back with "agent not there". The stale mapping is evicted and
// the parent is asked again. A parent answer matching the expectation
// confirms the mapping, so the delivery failure was transient; a
// different answer supersedes the expected node, whose status drops to
// unknown since it denied an agent the registry believed it hosted.
func (r *Registry) ValidateAgent(ctx context.Context, agentID, expectedNodeID string) (*Resolution, error) {
	r.evict(agentID)

	if r.parent.Endpoint == "" {
		return nil, nil
	}
	fresh, err := r.queryParent(ctx, agentID)
	if err != nil || fresh == nil {
		r.markUnknown(expectedNodeID)
		return nil, err
	}

	r.mu.Lock()
	if fresh.NodeID != expectedNodeID {
		if e, ok := r.nodes[expectedNodeID]; ok {
			e.Status = NodeStatusUnknown
		}
	}
	r.cacheParentAnswerLocked(agentID, fresh)
	out := r.nodes[fresh.NodeID].clone()
	r.mu.Unlock()
	return &Resolution{Entry: out, FromParent: true}, nil
}

// markUnknown demotes a node's status when its answers stop matching
// the registry's view. Unregistered nodes are ignored.
func (r *Registry) markUnknown(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.nodes[nodeID]; ok {
		e.Status = NodeStatusUnknown
	}
}

// queryParent fetches the parent's card directory and fabricates a
// synthetic node entry for the agent. A nil entry with nil error means
// the parent does not know the agent. Parent failures resolve to a
// miss; the caller falls back to its local view.
func (r *Registry) queryParent(ctx context.Context, agentID string) (*NodeEntry, error) {
	url := strings.TrimSuffix(r.parent.Endpoint, "/") + "/.well-known/agent-card.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Warn("Parent registry lookup failed",
			zap.String("agent_id", agentID), zap.Error(err))
		return nil, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		r.log.Warn("Parent registry lookup returned non-200",
			zap.String("agent_id", agentID), zap.Int("status", resp.StatusCode))
		return nil, nil
	}

	var dir a2av1.Directory
	if err := json.NewDecoder(resp.Body).Decode(&dir); err != nil {
		r.log.Warn("Parent registry directory unparsable",
			zap.String("agent_id", agentID), zap.Error(err))
		return nil, nil
	}

	for _, agent := range dir.Agents {
		if agent.ID != agentID {
			continue
		}
		endpoint := ExtractBaseEndpoint(agent.URL, agentID)
		if endpoint == "" {
			return nil, nil
		}
		return &NodeEntry{
			NodeID:      SyntheticNodePrefix + endpoint,
			A2AEndpoint: endpoint,
			Status:      NodeStatusOnline,
			AgentIDs:    []string{agentID},
		}, nil
	}
	return nil, nil
}

// ExtractBaseEndpoint strips the "/a2a/{agentId}" suffix from an
// agent's advertised URL, leaving the node's base endpoint. Nested base
// paths survive the strip.
func ExtractBaseEndpoint(agentURL, agentID string) string {
	suffix := "/a2a/" + agentID
	if !strings.HasSuffix(agentURL, suffix) {
		return ""
	}
	return strings.TrimSuffix(agentURL, suffix)
}

// cacheParentAnswerLocked merges a synthetic entry into the node map
// and records the agent in the bounded parent cache.
func (r *Registry) cacheParentAnswerLocked(agentID string, fresh *NodeEntry) {
	existing, ok := r.nodes[fresh.NodeID]
	if ok {
		// set-union merge of agent IDs
		for _, id := range fresh.AgentIDs {
			if !existing.hasAgent(id) {
				existing.AgentIDs = append(existing.AgentIDs, id)
			}
		}
		existing.Status = fresh.Status
		existing.LastSeen = r.now()
	} else {
		cp := fresh.clone()
		cp.LastSeen = r.now()
		r.nodes[cp.NodeID] = cp
	}

	if _, ok := r.cache[agentID]; !ok {
		r.cacheOrder = append(r.cacheOrder, agentID)
		for len(r.cacheOrder) > r.parent.CacheSize {
			oldest := r.cacheOrder[0]
			r.cacheOrder = r.cacheOrder[1:]
			r.evictLocked(oldest)
		}
	}
	r.cache[agentID] = &cacheRecord{nodeID: fresh.NodeID, cachedAt: r.now()}
}

func (r *Registry) evict(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked(agentID)
}

// evictLocked drops the cached mapping and, when the cached node is
// synthetic and now hosts no agents, the node entry itself.
func (r *Registry) evictLocked(agentID string) {
	rec, ok := r.cache[agentID]
	if !ok {
		return
	}
	delete(r.cache, agentID)
	for i, id := range r.cacheOrder {
		if id == agentID {
			r.cacheOrder = append(r.cacheOrder[:i], r.cacheOrder[i+1:]...)
			break
		}
	}

	node, ok := r.nodes[rec.nodeID]
	if !ok || !node.Synthetic() {
		return
	}
	kept := node.AgentIDs[:0]
	for _, id := range node.AgentIDs {
		if id != agentID {
			kept = append(kept, id)
		}
	}
	node.AgentIDs = kept
	if len(node.AgentIDs) == 0 {
		delete(r.nodes, rec.nodeID)
	}
}
