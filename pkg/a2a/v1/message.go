package v1

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TaskState is the lifecycle state of a task opened by an agent.
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateCanceled      TaskState = "canceled"
	TaskStateFailed        TaskState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateCanceled, TaskStateFailed:
		return true
	}
	return false
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Part kinds.
const (
	PartKindText = "text"
	PartKindData = "data"
)

// Part is one element of a message body, discriminated by Kind.
// Text parts carry plain text; data parts carry structured metadata.
type Part struct {
	Kind string         `json:"kind"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Kind: PartKindText, Text: text}
}

// DataPart builds a data part.
func DataPart(data map[string]any) Part {
	return Part{Kind: PartKindData, Data: data}
}

// Message is a single A2A message.
type Message struct {
	MessageID string `json:"messageId"`
	Role      Role   `json:"role"`
	Parts     []Part `json:"parts"`
}

// TextContent concatenates all text parts in order.
func (m *Message) TextContent() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Kind == PartKindText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// FirstDataPart returns the first data part, or nil when the message
// carries none.
func (m *Message) FirstDataPart() map[string]any {
	for _, p := range m.Parts {
		if p.Kind == PartKindData && p.Data != nil {
			return p.Data
		}
	}
	return nil
}

// MessageSendParams is the params shape of the message/send method.
type MessageSendParams struct {
	Message Message `json:"message"`
}

// TaskStatus carries the state of a task, optionally with an agent
// message describing it.
type TaskStatus struct {
	State   TaskState `json:"state"`
	Message *Message  `json:"message,omitempty"`
}

// Artifact is a named output attached to a task.
type Artifact struct {
	ArtifactID string `json:"artifactId"`
	Name       string `json:"name"`
	Parts      []Part `json:"parts"`
}

// Task is the task-shaped result of a message/send dispatch.
type Task struct {
	Kind      string     `json:"kind"` // always "task"
	ID        string     `json:"id"`
	ContextID string     `json:"contextId"`
	Status    TaskStatus `json:"status"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// SendResult is the result of message/send: either a Task or a direct
// reply Message. The two shapes are distinguished on the wire by the
// task's "kind":"task" marker.
type SendResult struct {
	Task    *Task
	Message *Message
}

// MarshalJSON emits the underlying shape directly.
func (r SendResult) MarshalJSON() ([]byte, error) {
	if r.Task != nil {
		return json.Marshal(r.Task)
	}
	if r.Message != nil {
		return json.Marshal(r.Message)
	}
	return nil, fmt.Errorf("send result has neither task nor message")
}

// UnmarshalJSON sniffs the "kind" discriminator to pick the shape.
func (r *SendResult) UnmarshalJSON(data []byte) error {
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Kind == "task" {
		var t Task
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		r.Task = &t
		return nil
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	r.Message = &m
	return nil
}
