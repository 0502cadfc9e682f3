package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/flockmesh/flock/internal/a2a/server"
	"github.com/flockmesh/flock/internal/cards"
	"github.com/flockmesh/flock/internal/common/logger"
	"github.com/flockmesh/flock/internal/registry"
	a2av1 "github.com/flockmesh/flock/pkg/a2a/v1"
)

type echoExecutor struct{ prefix string }

func (e echoExecutor) Execute(ctx context.Context, agentID string, params a2av1.MessageSendParams) (*a2av1.SendResult, error) {
	msg := a2av1.Message{
		MessageID: "reply",
		Role:      a2av1.RoleAgent,
		Parts:     []a2av1.Part{a2av1.TextPart(e.prefix + params.Message.TextContent())},
	}
	return &a2av1.SendResult{Message: &msg}, nil
}

func (echoExecutor) Cancel(ctx context.Context, agentID, taskID string) error { return nil }

type taskExecutor struct{}

func (taskExecutor) Execute(ctx context.Context, agentID string, params a2av1.MessageSendParams) (*a2av1.SendResult, error) {
	reply := a2av1.Message{
		MessageID: "status",
		Role:      a2av1.RoleAgent,
		Parts:     []a2av1.Part{a2av1.TextPart("working on it")},
	}
	task := a2av1.Task{
		Kind:      "task",
		ID:        "task-1",
		ContextID: "ctx-1",
		Status:    a2av1.TaskStatus{State: a2av1.TaskStateCompleted, Message: &reply},
	}
	return &a2av1.SendResult{Task: &task}, nil
}

func (taskExecutor) Cancel(ctx context.Context, agentID, taskID string) error { return nil }

func newServer(nodeID, publicURL string) *server.Server {
	return server.New(server.Options{
		NodeID:    nodeID,
		BasePath:  "/flock",
		PublicURL: publicURL,
		Logger:    logger.NewNop(),
	})
}

func userText(text string) a2av1.Message {
	return a2av1.Message{
		Role:  a2av1.RoleUser,
		Parts: []a2av1.Part{a2av1.TextPart(text)},
	}
}

func TestSendMessage_LocalShortcut(t *testing.T) {
	srv := newServer("node-1", "http://node-1:3001")
	srv.RegisterAgent("alice", a2av1.AgentCard{Name: "alice"}, cards.AgentMeta{}, echoExecutor{prefix: "echo: "})

	nodes := registry.New(registry.ParentConfig{}, logger.NewNop())
	c := New(srv, NewPeerResolver(srv, nodes), 0, logger.NewNop())

	res, err := c.SendMessage(context.Background(), "alice", userText("hello"))
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if res.Response != "echo: hello" {
		t.Errorf("unexpected response: %q", res.Response)
	}
}

func TestSendMessage_RemoteDispatch(t *testing.T) {
	gin.SetMode(gin.TestMode)

	remote := newServer("node-2", "http://node-2:3001")
	remote.RegisterAgent("bob", a2av1.AgentCard{Name: "bob"}, cards.AgentMeta{}, taskExecutor{})
	router := gin.New()
	remote.RegisterRoutes(router)
	ts := httptest.NewServer(router)
	defer ts.Close()

	local := newServer("node-1", "http://node-1:3001")
	nodes := registry.New(registry.ParentConfig{}, logger.NewNop())
	nodes.RegisterNode(&registry.NodeEntry{
		NodeID:      "node-2",
		A2AEndpoint: ts.URL + "/flock",
		AgentIDs:    []string{"bob"},
	})

	c := New(local, NewPeerResolver(local, nodes), 0, logger.NewNop())
	res, err := c.SendMessage(context.Background(), "bob", userText("status?"))
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if res.TaskID != "task-1" {
		t.Errorf("expected task result, got %+v", res)
	}
	if res.State != a2av1.TaskStateCompleted {
		t.Errorf("unexpected state: %s", res.State)
	}
	if res.Response != "working on it" {
		t.Errorf("unexpected response: %q", res.Response)
	}
}

func TestSendMessage_UnknownAgent(t *testing.T) {
	srv := newServer("node-1", "http://node-1:3001")
	nodes := registry.New(registry.ParentConfig{}, logger.NewNop())
	c := New(srv, NewPeerResolver(srv, nodes), 0, logger.NewNop())

	_, err := c.SendMessage(context.Background(), "ghost", userText("anyone?"))
	if !errors.Is(err, ErrAgentUnknown) {
		t.Fatalf("expected ErrAgentUnknown, got %v", err)
	}
}

func TestSendMessage_TransportError(t *testing.T) {
	srv := newServer("node-1", "http://node-1:3001")
	nodes := registry.New(registry.ParentConfig{}, logger.NewNop())
	nodes.RegisterNode(&registry.NodeEntry{
		NodeID:      "node-dead",
		A2AEndpoint: "http://127.0.0.1:1/flock",
		AgentIDs:    []string{"bob"},
	})

	c := New(srv, NewPeerResolver(srv, nodes), 0, logger.NewNop())
	_, err := c.SendMessage(context.Background(), "bob", userText("hello?"))
	var rpcErr *a2av1.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != a2av1.CodeTransportError {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestCentralWorkerResolver_RoutesUnknownToCentral(t *testing.T) {
	srv := newServer("worker-1", "http://worker-1:3001")
	r := NewCentralWorkerResolver(srv, "http://central:3001/flock", "central-sysadmin")

	route, err := r.Resolve(context.Background(), "someone")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if route.Local || route.Endpoint != "http://central:3001/flock" {
		t.Errorf("unexpected route: %+v", route)
	}

	sys, err := r.ResolveSysadmin(context.Background(), "worker-agent")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if sys.Local || sys.AgentID != "central-sysadmin" {
		t.Errorf("unexpected sysadmin route: %+v", sys)
	}
}

func TestPeerResolver_LocalSysadmin(t *testing.T) {
	srv := newServer("node-1", "http://node-1:3001")
	card := a2av1.AgentCard{
		Name:     "ops",
		Metadata: map[string]any{a2av1.MetadataRoleKey: string(a2av1.RoleSysadmin)},
	}
	srv.RegisterAgent("ops", card, cards.AgentMeta{Role: a2av1.RoleSysadmin}, echoExecutor{prefix: "triage: "})

	nodes := registry.New(registry.ParentConfig{}, logger.NewNop())
	c := New(srv, NewPeerResolver(srv, nodes), 0, logger.NewNop())

	res, err := c.SendToSysadmin(context.Background(), "alice", userText("disk is full"))
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if res.Response != "triage: disk is full" {
		t.Errorf("unexpected response: %q", res.Response)
	}
}

func TestCall_RawRPC(t *testing.T) {
	srv := newServer("node-1", "http://node-1:3001")
	srv.RegisterAgent("alice", a2av1.AgentCard{Name: "alice"}, cards.AgentMeta{}, echoExecutor{prefix: ""})

	nodes := registry.New(registry.ParentConfig{}, logger.NewNop())
	c := New(srv, NewPeerResolver(srv, nodes), 0, logger.NewNop())

	params := a2av1.MessageSendParams{Message: userText("raw")}
	resp, err := c.Call(context.Background(), "", "alice", a2av1.MethodMessageSend, params)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	var result a2av1.SendResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("result unparsable: %v", err)
	}
	if result.Message == nil || result.Message.TextContent() != "raw" {
		t.Errorf("unexpected result: %+v", result)
	}
}
