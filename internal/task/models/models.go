// Package models defines the task records tracked per agent
// request/response exchange.
package models

import (
	"time"

	a2av1 "github.com/flockmesh/flock/pkg/a2a/v1"
)

// Task is the lifecycle record of one agent-to-agent exchange. A task
// is created on receipt (submitted), moves through working, and rests
// in a terminal state. Terminal tasks are immutable.
type Task struct {
	ID              string          `json:"id"`
	ContextID       string          `json:"context_id"`
	FromAgentID     string          `json:"from_agent_id"`
	ToAgentID       string          `json:"to_agent_id"`
	State           a2av1.TaskState `json:"state"`
	MessageType     string          `json:"message_type,omitempty"`
	Summary         string          `json:"summary,omitempty"`
	Payload         map[string]any  `json:"payload,omitempty"`
	ResponseText    string          `json:"response_text,omitempty"`
	ResponsePayload map[string]any  `json:"response_payload,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// Terminal reports whether the task has reached a final state.
func (t *Task) Terminal() bool {
	return t.State.Terminal()
}

// Clone returns a deep-enough copy safe to hand to callers.
func (t *Task) Clone() *Task {
	clone := *t
	if t.Payload != nil {
		clone.Payload = make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			clone.Payload[k] = v
		}
	}
	if t.ResponsePayload != nil {
		clone.ResponsePayload = make(map[string]any, len(t.ResponsePayload))
		for k, v := range t.ResponsePayload {
			clone.ResponsePayload[k] = v
		}
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		clone.CompletedAt = &at
	}
	return &clone
}
