package v1

// AgentRole is the functional role of an agent within the mesh.
type AgentRole string

const (
	RoleOrchestrator AgentRole = "orchestrator"
	RoleSysadmin     AgentRole = "sysadmin"
	RoleWorker       AgentRole = "worker"
	RoleSystem       AgentRole = "system"
)

// AgentSkill advertises one capability of an agent. Tags drive
// skill-based discovery.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// AgentCard is the public discovery record advertised at
// /.well-known/agent-card.json.
type AgentCard struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Version     string         `json:"version,omitempty"`
	URL         string         `json:"url"`
	Skills      []AgentSkill   `json:"skills,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// MetadataRoleKey is the flock-specific metadata key carrying the
// agent's role on its card.
const MetadataRoleKey = "flock:role"

// Role extracts the flock role from card metadata, defaulting to worker.
func (c *AgentCard) Role() AgentRole {
	if c.Metadata != nil {
		if v, ok := c.Metadata[MetadataRoleKey].(string); ok && v != "" {
			return AgentRole(v)
		}
	}
	return RoleWorker
}

// DirectoryEntry is one agent in the aggregate card listing.
type DirectoryEntry struct {
	ID string `json:"id"`
	AgentCard
}

// Directory is the aggregate agent-card listing served at
// /.well-known/agent-card.json.
type Directory struct {
	Agents []DirectoryEntry `json:"agents"`
}
