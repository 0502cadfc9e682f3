package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flockmesh/flock/internal/a2a/server"
	"github.com/flockmesh/flock/internal/common/logger"
	a2av1 "github.com/flockmesh/flock/pkg/a2a/v1"
)

// ErrAgentUnknown is returned when no topology route exists for the
// target agent.
var ErrAgentUnknown = fmt.Errorf("agent unknown to this topology")

// Result is the normalized outcome of a message/send dispatch,
// flattening the Task-or-Message duality of the wire format.
type Result struct {
	TaskID    string           `json:"taskId,omitempty"`
	State     a2av1.TaskState  `json:"state,omitempty"`
	Response  string           `json:"response"`
	Artifacts []a2av1.Artifact `json:"artifacts,omitempty"`
	Raw       json.RawMessage  `json:"raw,omitempty"`
}

// Client dispatches A2A requests, in-process for local agents and over
// HTTP for the rest of the mesh. The client never retries; callers own
// their retry policy.
type Client struct {
	server   *server.Server
	resolver Resolver
	http     *http.Client
	log      *logger.Logger
}

// New creates an A2A client. Timeout zero means the 120 s default.
func New(srv *server.Server, resolver Resolver, timeout time.Duration, log *logger.Logger) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		server:   srv,
		resolver: resolver,
		http:     &http.Client{Timeout: timeout},
		log:      log,
	}
}

// SendMessage routes a message/send to the target agent and normalizes
// the reply.
func (c *Client) SendMessage(ctx context.Context, agentID string, msg a2av1.Message) (*Result, error) {
	route, err := c.resolver.Resolve(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if route == nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentUnknown, agentID)
	}
	return c.dispatch(ctx, agentID, route, msg)
}

// SendToSysadmin routes a message to whichever sysadmin serves the
// caller under the current topology.
func (c *Client) SendToSysadmin(ctx context.Context, fromAgentID string, msg a2av1.Message) (*Result, error) {
	route, err := c.resolver.ResolveSysadmin(ctx, fromAgentID)
	if err != nil {
		return nil, err
	}
	if route == nil {
		return nil, fmt.Errorf("%w: no sysadmin reachable", ErrAgentUnknown)
	}
	target := route.AgentID
	if target == "" {
		target = "sysadmin"
	}
	return c.dispatch(ctx, target, route, msg)
}

// Call performs a raw JSON-RPC request against an explicit endpoint.
// The migration engine uses this for node-to-node control methods.
func (c *Client) Call(ctx context.Context, endpoint, agentID, method string, params any) (*a2av1.Response, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	req := &a2av1.Request{
		JSONRPC: a2av1.Version,
		Method:  method,
		Params:  raw,
		ID:      uuid.New().String(),
	}
	if endpoint == "" {
		_, resp := c.server.HandleRequest(ctx, agentID, req)
		return resp, nil
	}
	return c.post(ctx, endpoint, agentID, req)
}

func (c *Client) dispatch(ctx context.Context, agentID string, route *Route, msg a2av1.Message) (*Result, error) {
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}
	if msg.Role == "" {
		msg.Role = a2av1.RoleUser
	}
	params, err := json.Marshal(a2av1.MessageSendParams{Message: msg})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	req := &a2av1.Request{
		JSONRPC: a2av1.Version,
		Method:  a2av1.MethodMessageSend,
		Params:  params,
		ID:      uuid.New().String(),
	}

	var resp *a2av1.Response
	if route.Local {
		_, resp = c.server.HandleRequest(ctx, agentID, req)
	} else {
		resp, err = c.post(ctx, route.Endpoint, agentID, req)
		if err != nil {
			return nil, err
		}
	}

	if resp.Error != nil {
		return nil, resp.Error
	}
	return normalize(resp.Result)
}

// post performs the HTTP leg of a remote dispatch.
func (c *Client) post(ctx context.Context, endpoint, agentID string, rpcReq *a2av1.Request) (*a2av1.Response, error) {
	url := strings.TrimSuffix(endpoint, "/") + "/a2a/" + agentID
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		c.log.Warn("A2A dispatch failed",
			zap.String("agent_id", agentID), zap.String("url", url), zap.Error(err))
		return nil, a2av1.NewError(a2av1.CodeTransportError, err.Error())
	}
	defer httpResp.Body.Close()

	payload, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, a2av1.NewError(a2av1.CodeTransportError, err.Error())
	}

	var resp a2av1.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, a2av1.NewError(a2av1.CodeTransportError,
			fmt.Sprintf("unparsable JSON-RPC response (HTTP %d)", httpResp.StatusCode))
	}
	return &resp, nil
}

// normalize flattens a Task or Message result into the client Result.
func normalize(raw json.RawMessage) (*Result, error) {
	var sr a2av1.SendResult
	if err := json.Unmarshal(raw, &sr); err != nil {
		return nil, fmt.Errorf("unexpected result shape: %w", err)
	}

	out := &Result{Raw: raw}
	switch {
	case sr.Task != nil:
		out.TaskID = sr.Task.ID
		out.State = sr.Task.Status.State
		out.Artifacts = sr.Task.Artifacts
		if sr.Task.Status.Message != nil {
			out.Response = sr.Task.Status.Message.TextContent()
		}
		if out.Response == "" {
			out.Response = artifactText(sr.Task.Artifacts)
		}
	case sr.Message != nil:
		out.Response = sr.Message.TextContent()
	default:
		return nil, fmt.Errorf("result is neither task nor message")
	}
	return out, nil
}

func artifactText(artifacts []a2av1.Artifact) string {
	var parts []string
	for _, a := range artifacts {
		for _, p := range a.Parts {
			if p.Kind == a2av1.PartKindText && p.Text != "" {
				parts = append(parts, p.Text)
			}
		}
	}
	return strings.Join(parts, "\n")
}
