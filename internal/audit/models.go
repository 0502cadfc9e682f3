// Package audit provides the append-only audit log recording every
// significant agent and system action with a traffic-light level.
package audit

import "time"

// Level is the severity classification of an audit entry.
type Level string

const (
	LevelGreen  Level = "GREEN"
	LevelYellow Level = "YELLOW"
	LevelRed    Level = "RED"
)

// Valid reports whether the level is one of the known values.
func (l Level) Valid() bool {
	switch l {
	case LevelGreen, LevelYellow, LevelRed:
		return true
	}
	return false
}

// Entry is one append-only audit record.
type Entry struct {
	ID        string        `json:"id" db:"id"`
	Timestamp time.Time     `json:"timestamp" db:"timestamp"`
	HomeID    string        `json:"home_id" db:"home_id"`
	AgentID   string        `json:"agent_id" db:"agent_id"`
	Action    string        `json:"action" db:"action"`
	Level     Level         `json:"level" db:"level"`
	Detail    string        `json:"detail" db:"detail"`
	Result    string        `json:"result,omitempty" db:"result"`
	Duration  time.Duration `json:"duration,omitempty" db:"duration"`
}
