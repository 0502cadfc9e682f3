// Package events provides event types and utilities for the Flock event system.
package events

// Event types for tasks
const (
	TaskSubmitted = "task.submitted"
	TaskWorking   = "task.working"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
	TaskCanceled  = "task.canceled"
)

// Event types for migrations
const (
	MigrationPhaseChanged = "migration.phase_changed"
	MigrationCompleted    = "migration.completed"
	MigrationAborted      = "migration.aborted"
)

// Event types for channels
const (
	ChannelMessagePosted = "channel.message_posted"
	ChannelArchived      = "channel.archived"
)

// Event types for agents
const (
	AgentRegistered   = "agent.registered"
	AgentUnregistered = "agent.unregistered"
	AgentWakeup       = "agent.wakeup"
)

// Event types for nodes
const (
	NodeRegistered = "node.registered"
	NodeRemoved    = "node.removed"
)
