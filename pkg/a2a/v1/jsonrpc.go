// Package v1 defines the wire types for the Flock agent-to-agent (A2A)
// protocol: the JSON-RPC 2.0 envelope, message and task shapes, agent
// cards, and the recognized structured-metadata variants carried in
// data parts.
package v1

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version carried in every envelope.
const Version = "2.0"

// JSON-RPC 2.0 error codes used by the A2A surface.
const (
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	// CodeUnknownAgent is returned when the target agent (or node) is not
	// registered on the receiving server.
	CodeUnknownAgent = -32001
	// CodeTransportError covers generic HTTP/transport failures surfaced
	// through the JSON-RPC envelope.
	CodeTransportError = -32000
)

// Reserved method names. Methods under the migration/ namespace are
// dispatched to the node-level migration handler, never to an agent.
const (
	MethodMessageSend   = "message/send"
	MethodMessageStream = "message/stream"

	MigrationMethodPrefix = "migration/"
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope. Exactly one of Result
// or Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      any             `json:"id,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds a JSON-RPC error with the given code and message.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewResponse builds a success response carrying the marshaled result.
func NewResponse(id any, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Response{JSONRPC: "2.0", Result: raw, ID: id}, nil
}

// NewErrorResponse builds an error response for the given request ID.
func NewErrorResponse(id any, rpcErr *Error) *Response {
	return &Response{JSONRPC: "2.0", Error: rpcErr, ID: id}
}

// Validate checks the envelope fields that every request must carry.
func (r *Request) Validate() *Error {
	if r.JSONRPC != "2.0" {
		return NewError(CodeInvalidRequest, "jsonrpc must be \"2.0\"")
	}
	if r.Method == "" {
		return NewError(CodeInvalidRequest, "method is required")
	}
	return nil
}

// IsMigrationMethod reports whether the method belongs to the reserved
// migration/ namespace.
func IsMigrationMethod(method string) bool {
	return len(method) > len(MigrationMethodPrefix) &&
		method[:len(MigrationMethodPrefix)] == MigrationMethodPrefix
}
