// Package server implements the node-side A2A surface: JSON-RPC
// dispatch to per-agent executors, the agent-card directory, and the
// reserved migration method namespace.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/flockmesh/flock/internal/cards"
	"github.com/flockmesh/flock/internal/common/logger"
	a2av1 "github.com/flockmesh/flock/pkg/a2a/v1"
)

// Executor processes message/send requests addressed to one agent.
type Executor interface {
	Execute(ctx context.Context, agentID string, params a2av1.MessageSendParams) (*a2av1.SendResult, error)
	Cancel(ctx context.Context, agentID, taskID string) error
}

// MigrationHandler receives every request in the reserved migration/*
// namespace, regardless of the agent ID in the URL.
type MigrationHandler interface {
	Handle(ctx context.Context, method string, params json.RawMessage) (any, *a2av1.Error)
}

// Server dispatches A2A requests to registered agents.
type Server struct {
	nodeID    string
	basePath  string
	publicURL string

	cards     *cards.Registry
	migration MigrationHandler
	log       *logger.Logger

	mu        sync.RWMutex
	executors map[string]Executor
	busCheck  func() bool
}

// Options configures a Server.
type Options struct {
	NodeID    string
	BasePath  string
	PublicURL string
	Cards     *cards.Registry
	Migration MigrationHandler
	Logger    *logger.Logger
}

// New creates an A2A server.
func New(opts Options) *Server {
	if opts.BasePath == "" {
		opts.BasePath = "/flock"
	}
	if opts.Cards == nil {
		opts.Cards = cards.NewRegistry()
	}
	return &Server{
		nodeID:    opts.NodeID,
		basePath:  strings.TrimSuffix(opts.BasePath, "/"),
		publicURL: strings.TrimSuffix(opts.PublicURL, "/"),
		cards:     opts.Cards,
		migration: opts.Migration,
		log:       opts.Logger,
		executors: make(map[string]Executor),
	}
}

// SetMigrationHandler installs the node-level migration handler. The
// handler is constructed after the server because the migration engine
// dispatches through the A2A client.
func (s *Server) SetMigrationHandler(h MigrationHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.migration = h
}

// AgentURL returns the public dispatch URL for an agent on this node.
func (s *Server) AgentURL(agentID string) string {
	return s.publicURL + s.basePath + "/a2a/" + agentID
}

// RegisterAgent installs an agent card and its executor. Re-registering
// replaces the card but keeps the published endpoint stable.
func (s *Server) RegisterAgent(agentID string, card a2av1.AgentCard, meta cards.AgentMeta, exec Executor) {
	if card.URL == "" {
		card.URL = s.AgentURL(agentID)
	}
	if meta.NodeID == "" {
		meta.NodeID = s.nodeID
	}
	if meta.Endpoint == "" {
		meta.Endpoint = card.URL
	}

	s.mu.Lock()
	s.executors[agentID] = exec
	s.mu.Unlock()
	s.cards.Register(agentID, card, meta)

	s.log.Info("Agent registered",
		zap.String("agent_id", agentID),
		zap.String("role", string(card.Role())))
}

// UnregisterAgent removes an agent. Idempotent.
func (s *Server) UnregisterAgent(agentID string) {
	s.mu.Lock()
	delete(s.executors, agentID)
	s.mu.Unlock()
	s.cards.Unregister(agentID)
}

// HasAgent reports whether the agent is served by this node.
func (s *Server) HasAgent(agentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.executors[agentID]
	return ok
}

// AgentIDs returns the IDs of all registered agents.
func (s *Server) AgentIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.executors))
	for id := range s.executors {
		out = append(out, id)
	}
	return out
}

// GetAgentMeta returns the node-private metadata for an agent.
func (s *Server) GetAgentMeta(agentID string) (cards.AgentMeta, bool) {
	return s.cards.GetMeta(agentID)
}

// GetAgentCard returns the public card for an agent.
func (s *Server) GetAgentCard(agentID string) (a2av1.AgentCard, bool) {
	return s.cards.GetCard(agentID)
}

// ListAgentCards returns the full directory.
func (s *Server) ListAgentCards() a2av1.Directory {
	return a2av1.Directory{Agents: s.cards.List()}
}

// Cards exposes the backing card registry.
func (s *Server) Cards() *cards.Registry {
	return s.cards
}

// HandleRequest dispatches one JSON-RPC request addressed to agentID
// and returns the HTTP status plus the response envelope.
func (s *Server) HandleRequest(ctx context.Context, agentID string, req *a2av1.Request) (int, *a2av1.Response) {
	if rpcErr := req.Validate(); rpcErr != nil {
		return http.StatusBadRequest, a2av1.NewErrorResponse(req.ID, rpcErr)
	}

	if a2av1.IsMigrationMethod(req.Method) {
		return s.handleMigration(ctx, req)
	}

	switch req.Method {
	case a2av1.MethodMessageSend:
		return s.handleMessageSend(ctx, agentID, req)
	default:
		return http.StatusNotFound,
			a2av1.NewErrorResponse(req.ID, a2av1.NewError(a2av1.CodeMethodNotFound, "method not found: "+req.Method))
	}
}

func (s *Server) handleMigration(ctx context.Context, req *a2av1.Request) (int, *a2av1.Response) {
	s.mu.RLock()
	handler := s.migration
	s.mu.RUnlock()
	if handler == nil {
		return http.StatusNotFound,
			a2av1.NewErrorResponse(req.ID, a2av1.NewError(a2av1.CodeMethodNotFound, "no migration handler on this node"))
	}
	result, rpcErr := handler.Handle(ctx, req.Method, req.Params)
	if rpcErr != nil {
		return statusForCode(rpcErr.Code), a2av1.NewErrorResponse(req.ID, rpcErr)
	}
	resp, err := a2av1.NewResponse(req.ID, result)
	if err != nil {
		return http.StatusInternalServerError,
			a2av1.NewErrorResponse(req.ID, a2av1.NewError(a2av1.CodeInternalError, err.Error()))
	}
	return http.StatusOK, resp
}

func (s *Server) handleMessageSend(ctx context.Context, agentID string, req *a2av1.Request) (int, *a2av1.Response) {
	s.mu.RLock()
	exec, ok := s.executors[agentID]
	s.mu.RUnlock()
	if !ok {
		return http.StatusNotFound,
			a2av1.NewErrorResponse(req.ID, a2av1.NewError(a2av1.CodeUnknownAgent, "unknown agent: "+agentID))
	}

	var params a2av1.MessageSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return http.StatusBadRequest,
			a2av1.NewErrorResponse(req.ID, a2av1.NewError(a2av1.CodeInvalidParams, "invalid message/send params: "+err.Error()))
	}
	if len(params.Message.Parts) == 0 {
		return http.StatusBadRequest,
			a2av1.NewErrorResponse(req.ID, a2av1.NewError(a2av1.CodeInvalidParams, "message has no parts"))
	}

	result, err := exec.Execute(ctx, agentID, params)
	if err != nil {
		s.log.Error("Executor failed",
			zap.String("agent_id", agentID), zap.Error(err))
		return http.StatusInternalServerError,
			a2av1.NewErrorResponse(req.ID, a2av1.NewError(a2av1.CodeInternalError, err.Error()))
	}
	resp, err := a2av1.NewResponse(req.ID, result)
	if err != nil {
		return http.StatusInternalServerError,
			a2av1.NewErrorResponse(req.ID, a2av1.NewError(a2av1.CodeInternalError, err.Error()))
	}
	return http.StatusOK, resp
}

func statusForCode(code int) int {
	switch code {
	case a2av1.CodeInvalidRequest, a2av1.CodeInvalidParams:
		return http.StatusBadRequest
	case a2av1.CodeMethodNotFound, a2av1.CodeUnknownAgent:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// RegisterRoutes wires the A2A surface onto a gin router.
func (s *Server) RegisterRoutes(router *gin.Engine) {
	group := router.Group(s.basePath)
	group.POST("/a2a/:agentId", s.postA2A)
	group.GET("/.well-known/agent-card.json", s.getDirectory)
	router.GET("/health", s.getHealth)
}

func (s *Server) postA2A(c *gin.Context) {
	var req a2av1.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest,
			a2av1.NewErrorResponse(nil, a2av1.NewError(a2av1.CodeInvalidRequest, "malformed JSON-RPC request")))
		return
	}
	status, resp := s.HandleRequest(c.Request.Context(), c.Param("agentId"), &req)
	c.JSON(status, resp)
}

func (s *Server) getDirectory(c *gin.Context) {
	c.JSON(http.StatusOK, s.ListAgentCards())
}

func (s *Server) getHealth(c *gin.Context) {
	body := gin.H{
		"status": "ok",
		"nodeId": s.nodeID,
		"agents": s.AgentIDs(),
	}
	s.mu.RLock()
	check := s.busCheck
	s.mu.RUnlock()
	if check != nil {
		body["busConnected"] = check()
	}
	c.JSON(http.StatusOK, body)
}

// SetBusCheck wires event-bus connectivity into the health endpoint.
func (s *Server) SetBusCheck(fn func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busCheck = fn
}
