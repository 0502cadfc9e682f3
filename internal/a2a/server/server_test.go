package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/flockmesh/flock/internal/cards"
	"github.com/flockmesh/flock/internal/common/logger"
	a2av1 "github.com/flockmesh/flock/pkg/a2a/v1"
)

type echoExecutor struct{}

func (echoExecutor) Execute(ctx context.Context, agentID string, params a2av1.MessageSendParams) (*a2av1.SendResult, error) {
	msg := a2av1.Message{
		MessageID: "reply-1",
		Role:      a2av1.RoleAgent,
		Parts:     []a2av1.Part{a2av1.TextPart("echo: " + params.Message.TextContent())},
	}
	return &a2av1.SendResult{Message: &msg}, nil
}

func (echoExecutor) Cancel(ctx context.Context, agentID, taskID string) error { return nil }

type failingExecutor struct{}

func (failingExecutor) Execute(ctx context.Context, agentID string, params a2av1.MessageSendParams) (*a2av1.SendResult, error) {
	return nil, fmt.Errorf("session exploded")
}

func (failingExecutor) Cancel(ctx context.Context, agentID, taskID string) error { return nil }

type stubMigration struct {
	lastMethod string
}

func (m *stubMigration) Handle(ctx context.Context, method string, params json.RawMessage) (any, *a2av1.Error) {
	m.lastMethod = method
	return map[string]any{"ok": true}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return New(Options{
		NodeID:    "node-1",
		BasePath:  "/flock",
		PublicURL: "http://node-1:3001",
		Logger:    logger.NewNop(),
	})
}

func sendReq(method string, params any) *a2av1.Request {
	raw, _ := json.Marshal(params)
	return &a2av1.Request{JSONRPC: "2.0", Method: method, Params: raw, ID: 1}
}

func messageSendParams(text string) a2av1.MessageSendParams {
	return a2av1.MessageSendParams{Message: a2av1.Message{
		MessageID: "m-1",
		Role:      a2av1.RoleUser,
		Parts:     []a2av1.Part{a2av1.TextPart(text)},
	}}
}

func TestHandleRequest_MessageSend(t *testing.T) {
	s := newTestServer(t)
	s.RegisterAgent("alice", a2av1.AgentCard{Name: "alice"}, cards.AgentMeta{Role: a2av1.RoleWorker}, echoExecutor{})

	status, resp := s.HandleRequest(context.Background(), "alice", sendReq(a2av1.MethodMessageSend, messageSendParams("hello")))
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d (%+v)", status, resp)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	var result a2av1.SendResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("result not a SendResult: %v", err)
	}
	if result.Message == nil || !strings.Contains(result.Message.TextContent(), "echo: hello") {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestHandleRequest_UnknownAgent(t *testing.T) {
	s := newTestServer(t)
	status, resp := s.HandleRequest(context.Background(), "ghost", sendReq(a2av1.MethodMessageSend, messageSendParams("hi")))
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
	if resp.Error == nil || resp.Error.Code != a2av1.CodeUnknownAgent {
		t.Errorf("expected -32001, got %+v", resp.Error)
	}
}

func TestHandleRequest_MethodNotFound(t *testing.T) {
	s := newTestServer(t)
	s.RegisterAgent("alice", a2av1.AgentCard{Name: "alice"}, cards.AgentMeta{}, echoExecutor{})

	status, resp := s.HandleRequest(context.Background(), "alice", sendReq("message/unknown", nil))
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
	if resp.Error == nil || resp.Error.Code != a2av1.CodeMethodNotFound {
		t.Errorf("expected -32601, got %+v", resp.Error)
	}
}

func TestHandleRequest_InvalidParams(t *testing.T) {
	s := newTestServer(t)
	s.RegisterAgent("alice", a2av1.AgentCard{Name: "alice"}, cards.AgentMeta{}, echoExecutor{})

	req := &a2av1.Request{JSONRPC: "2.0", Method: a2av1.MethodMessageSend, Params: json.RawMessage(`{"message":{}}`), ID: 1}
	status, resp := s.HandleRequest(context.Background(), "alice", req)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
	if resp.Error == nil || resp.Error.Code != a2av1.CodeInvalidParams {
		t.Errorf("expected -32602, got %+v", resp.Error)
	}
}

func TestHandleRequest_ExecutorError(t *testing.T) {
	s := newTestServer(t)
	s.RegisterAgent("alice", a2av1.AgentCard{Name: "alice"}, cards.AgentMeta{}, failingExecutor{})

	status, resp := s.HandleRequest(context.Background(), "alice", sendReq(a2av1.MethodMessageSend, messageSendParams("boom")))
	if status != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", status)
	}
	if resp.Error == nil || resp.Error.Code != a2av1.CodeInternalError {
		t.Errorf("expected -32603, got %+v", resp.Error)
	}
}

func TestHandleRequest_MigrationIntercept(t *testing.T) {
	s := newTestServer(t)
	mig := &stubMigration{}
	s.SetMigrationHandler(mig)

	// the agent ID in the URL is irrelevant for migration methods
	status, resp := s.HandleRequest(context.Background(), "migration", sendReq("migration/status", map[string]any{"migrationId": "m-1"}))
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d (%+v)", status, resp)
	}
	if mig.lastMethod != "migration/status" {
		t.Errorf("migration handler not invoked, got %q", mig.lastMethod)
	}
}

func TestHandleRequest_MigrationWithoutHandler(t *testing.T) {
	s := newTestServer(t)
	status, resp := s.HandleRequest(context.Background(), "migration", sendReq("migration/status", nil))
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
	if resp.Error == nil || resp.Error.Code != a2av1.CodeMethodNotFound {
		t.Errorf("expected -32601, got %+v", resp.Error)
	}
}

func TestRegisterAgent_KeepsEndpointStable(t *testing.T) {
	s := newTestServer(t)
	s.RegisterAgent("alice", a2av1.AgentCard{Name: "alice"}, cards.AgentMeta{}, echoExecutor{})

	meta, _ := s.GetAgentMeta("alice")
	want := "http://node-1:3001/flock/a2a/alice"
	if meta.Endpoint != want {
		t.Fatalf("expected %q, got %q", want, meta.Endpoint)
	}

	s.RegisterAgent("alice", a2av1.AgentCard{Name: "alice-v2"}, cards.AgentMeta{}, echoExecutor{})
	meta, _ = s.GetAgentMeta("alice")
	if meta.Endpoint != want {
		t.Errorf("endpoint changed on re-registration: %q", meta.Endpoint)
	}
	card, _ := s.GetAgentCard("alice")
	if card.Name != "alice-v2" {
		t.Errorf("card not replaced: %q", card.Name)
	}
}

func TestHTTPSurface(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := newTestServer(t)
	s.RegisterAgent("alice", a2av1.AgentCard{Name: "alice", Version: "1.0.0"}, cards.AgentMeta{}, echoExecutor{})

	router := gin.New()
	s.RegisterRoutes(router)

	// directory
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/flock/.well-known/agent-card.json", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("directory returned %d", rec.Code)
	}
	var dir a2av1.Directory
	if err := json.Unmarshal(rec.Body.Bytes(), &dir); err != nil {
		t.Fatalf("directory unparsable: %v", err)
	}
	if len(dir.Agents) != 1 || dir.Agents[0].ID != "alice" {
		t.Errorf("unexpected directory: %+v", dir)
	}
	if dir.Agents[0].URL != "http://node-1:3001/flock/a2a/alice" {
		t.Errorf("unexpected agent URL: %s", dir.Agents[0].URL)
	}

	// dispatch
	body, _ := json.Marshal(sendReq(a2av1.MethodMessageSend, messageSendParams("ping")))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/flock/a2a/alice", strings.NewReader(string(body))))
	if rec.Code != http.StatusOK {
		t.Fatalf("dispatch returned %d: %s", rec.Code, rec.Body.String())
	}

	// health
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health returned %d", rec.Code)
	}
	var health map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &health)
	if health["nodeId"] != "node-1" {
		t.Errorf("unexpected health payload: %+v", health)
	}
}
