package v1

// Recognized structured-metadata variants carried in data parts.
// Unknown keys and invalid values are dropped, never rejected: the
// data part is advisory and a malformed one degrades to plain text.

// FlockType classifies the intent of a message.
type FlockType string

const (
	FlockTypeSysadminRequest FlockType = "sysadmin-request"
	FlockTypeWorkerTask      FlockType = "worker-task"
	FlockTypeReview          FlockType = "review"
	FlockTypeSystemOp        FlockType = "system-op"
)

// Urgency levels for task metadata.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
)

// TaskMetadata is the narrow flock task metadata shape recognized in a
// data part.
type TaskMetadata struct {
	FlockType     FlockType `json:"flockType"`
	Urgency       Urgency   `json:"urgency"`
	Project       string    `json:"project,omitempty"`
	FromHome      string    `json:"fromHome,omitempty"`
	ExpectedLevel string    `json:"expectedLevel,omitempty"`
}

// ChatType distinguishes channel conversations from direct messages.
type ChatType string

const (
	ChatTypeChannel ChatType = "channel"
	ChatTypeDM      ChatType = "dm"
)

// SessionRouting selects the LLM session a message is folded into.
type SessionRouting struct {
	ChatType ChatType `json:"chatType"`
	PeerID   string   `json:"peerId"`
}

// ParseTaskMetadata extracts a validated TaskMetadata from a data part.
// Returns nil when no recognizable metadata is present.
func ParseTaskMetadata(data map[string]any) *TaskMetadata {
	if data == nil {
		return nil
	}
	ft, _ := data["flockType"].(string)
	switch FlockType(ft) {
	case FlockTypeSysadminRequest, FlockTypeWorkerTask, FlockTypeReview, FlockTypeSystemOp:
	default:
		return nil
	}
	md := &TaskMetadata{FlockType: FlockType(ft), Urgency: UrgencyNormal}
	if u, _ := data["urgency"].(string); u != "" {
		switch Urgency(u) {
		case UrgencyLow, UrgencyNormal, UrgencyHigh:
			md.Urgency = Urgency(u)
		}
	}
	if p, _ := data["project"].(string); p != "" {
		md.Project = p
	}
	if f, _ := data["fromHome"].(string); f != "" {
		md.FromHome = f
	}
	if l, _ := data["expectedLevel"].(string); l != "" {
		md.ExpectedLevel = l
	}
	return md
}

// ParseSessionRouting extracts a valid sessionRouting object from a
// data part. Returns nil when absent or malformed.
func ParseSessionRouting(data map[string]any) *SessionRouting {
	if data == nil {
		return nil
	}
	raw, ok := data["sessionRouting"].(map[string]any)
	if !ok {
		return nil
	}
	ct, _ := raw["chatType"].(string)
	peer, _ := raw["peerId"].(string)
	if peer == "" {
		return nil
	}
	switch ChatType(ct) {
	case ChatTypeChannel, ChatTypeDM:
		return &SessionRouting{ChatType: ChatType(ct), PeerID: peer}
	}
	return nil
}

// SessionKey renders the canonical session key grammar
// agent:{agentId}:flock:{chatType}:{peerId}. Empty routing yields an
// empty key, meaning the agent's default session.
func (sr *SessionRouting) SessionKey(agentID string) string {
	if sr == nil {
		return ""
	}
	return "agent:" + agentID + ":flock:" + string(sr.ChatType) + ":" + sr.PeerID
}
