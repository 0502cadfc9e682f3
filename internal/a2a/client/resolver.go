// Package client routes A2A requests: in-process to agents hosted on
// this node, over HTTP to the rest of the mesh. Topology decides where
// an unknown agent lives.
package client

import (
	"context"

	"github.com/flockmesh/flock/internal/a2a/server"
	"github.com/flockmesh/flock/internal/registry"
	a2av1 "github.com/flockmesh/flock/pkg/a2a/v1"
)

// Route is a resolver's answer: dispatch locally or to an endpoint.
// AgentID is set when the resolver substitutes a concrete agent for a
// role-based lookup (sysadmin resolution).
type Route struct {
	Local    bool
	Endpoint string
	AgentID  string
}

// Resolver decides where an agent lives.
type Resolver interface {
	// Resolve returns the route for an agent, or nil when the agent is
	// unknown to this topology.
	Resolve(ctx context.Context, agentID string) (*Route, error)
	// ResolveSysadmin returns the route for the sysadmin serving the
	// given caller.
	ResolveSysadmin(ctx context.Context, fromAgentID string) (*Route, error)
}

// PeerResolver serves flat meshes: local set first, node registry (with
// parent fallback) second.
type PeerResolver struct {
	server *server.Server
	nodes  *registry.Registry
}

var _ Resolver = (*PeerResolver)(nil)

// NewPeerResolver creates a peer-topology resolver.
func NewPeerResolver(srv *server.Server, nodes *registry.Registry) *PeerResolver {
	return &PeerResolver{server: srv, nodes: nodes}
}

// Resolve checks the local agent set, then the node registry.
func (r *PeerResolver) Resolve(ctx context.Context, agentID string) (*Route, error) {
	if r.server.HasAgent(agentID) {
		return &Route{Local: true}, nil
	}
	res, err := r.nodes.FindNodeForAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return &Route{Endpoint: res.Entry.A2AEndpoint}, nil
}

// ResolveSysadmin picks any local sysadmin, falling back to peer
// resolution of the conventional "sysadmin" agent ID.
func (r *PeerResolver) ResolveSysadmin(ctx context.Context, fromAgentID string) (*Route, error) {
	if id, ok := localSysadmin(r.server); ok {
		return &Route{Local: true, AgentID: id}, nil
	}
	return r.Resolve(ctx, "sysadmin")
}

// CentralWorkerResolver serves worker nodes in a central topology:
// locals stay local, everything else routes to the central node.
type CentralWorkerResolver struct {
	server          *server.Server
	centralEndpoint string
	centralSysadmin string
}

var _ Resolver = (*CentralWorkerResolver)(nil)

// NewCentralWorkerResolver creates a worker-side resolver for a
// central topology.
func NewCentralWorkerResolver(srv *server.Server, centralEndpoint, centralSysadmin string) *CentralWorkerResolver {
	return &CentralWorkerResolver{
		server:          srv,
		centralEndpoint: centralEndpoint,
		centralSysadmin: centralSysadmin,
	}
}

// Resolve routes unknown agents to the central node.
func (r *CentralWorkerResolver) Resolve(ctx context.Context, agentID string) (*Route, error) {
	if r.server.HasAgent(agentID) {
		return &Route{Local: true}, nil
	}
	return &Route{Endpoint: r.centralEndpoint}, nil
}

// ResolveSysadmin routes to the configured central sysadmin, even when
// a local sysadmin exists, unless the caller itself is that sysadmin.
func (r *CentralWorkerResolver) ResolveSysadmin(ctx context.Context, fromAgentID string) (*Route, error) {
	if r.centralSysadmin != "" && fromAgentID != r.centralSysadmin {
		return &Route{Endpoint: r.centralEndpoint, AgentID: r.centralSysadmin}, nil
	}
	if id, ok := localSysadmin(r.server); ok {
		return &Route{Local: true, AgentID: id}, nil
	}
	return &Route{Endpoint: r.centralEndpoint}, nil
}

// CentralResolver serves the central node itself: local agents are
// dispatched in-process, remote workers resolve peer-style through the
// node registry.
type CentralResolver struct {
	peer *PeerResolver
}

var _ Resolver = (*CentralResolver)(nil)

// NewCentralResolver creates the central-node resolver.
func NewCentralResolver(srv *server.Server, nodes *registry.Registry) *CentralResolver {
	return &CentralResolver{peer: NewPeerResolver(srv, nodes)}
}

func (r *CentralResolver) Resolve(ctx context.Context, agentID string) (*Route, error) {
	return r.peer.Resolve(ctx, agentID)
}

func (r *CentralResolver) ResolveSysadmin(ctx context.Context, fromAgentID string) (*Route, error) {
	return r.peer.ResolveSysadmin(ctx, fromAgentID)
}

// localSysadmin scans the local agent set for a sysadmin-role card and
// returns its agent ID.
func localSysadmin(srv *server.Server) (string, bool) {
	for _, id := range srv.AgentIDs() {
		card, ok := srv.GetAgentCard(id)
		if !ok {
			continue
		}
		if card.Role() == a2av1.RoleSysadmin {
			return id, true
		}
	}
	return "", false
}
