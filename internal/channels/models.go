// Package channels implements Flock channels: ordered per-channel
// message logs, external platform bridges, the archive protocol, and
// the inbound handler that posts platform messages into channels.
package channels

import (
	"strings"
	"time"
)

// HumanMemberPrefix marks channel members that are humans rather than
// agents.
const HumanMemberPrefix = "human:"

// Channel is a named conversation shared by agents and bridged humans.
type Channel struct {
	ChannelID           string     `json:"channelId" db:"channel_id"`
	Name                string     `json:"name" db:"name"`
	Topic               string     `json:"topic" db:"topic"`
	CreatedBy           string     `json:"createdBy" db:"created_by"`
	Members             []string   `json:"members" db:"-"`
	Archived            bool       `json:"archived" db:"archived"`
	ArchiveReadyMembers []string   `json:"archiveReadyMembers,omitempty" db:"-"`
	ArchivingStartedAt  *time.Time `json:"archivingStartedAt,omitempty" db:"archiving_started_at"`
	CreatedAt           time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt           time.Time  `json:"updatedAt" db:"updated_at"`
}

// IsHumanMember reports whether the member value names a bridged human.
func IsHumanMember(member string) bool {
	return strings.HasPrefix(member, HumanMemberPrefix)
}

// AgentMembers returns the channel's agent members only.
func (c *Channel) AgentMembers() []string {
	var out []string
	for _, m := range c.Members {
		if !IsHumanMember(m) {
			out = append(out, m)
		}
	}
	return out
}

// HasMember reports whether the member is in the channel.
func (c *Channel) HasMember(member string) bool {
	for _, m := range c.Members {
		if m == member {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (c *Channel) Clone() *Channel {
	cp := *c
	cp.Members = append([]string(nil), c.Members...)
	cp.ArchiveReadyMembers = append([]string(nil), c.ArchiveReadyMembers...)
	if c.ArchivingStartedAt != nil {
		at := *c.ArchivingStartedAt
		cp.ArchivingStartedAt = &at
	}
	return &cp
}

// Message is one entry in a channel's ordered log. Seq is the canonical
// ordering and visibility cursor: 1-based, monotonic, gap-free per
// channel.
type Message struct {
	ChannelID string    `json:"channelId" db:"channel_id"`
	Seq       int64     `json:"seq" db:"seq"`
	AgentID   string    `json:"agentId" db:"agent_id"`
	Content   string    `json:"content" db:"content"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// Bridge maps a Flock channel to one external platform conversation.
type Bridge struct {
	BridgeID          string    `json:"bridgeId" db:"bridge_id"`
	ChannelID         string    `json:"channelId" db:"channel_id"`
	Platform          string    `json:"platform" db:"platform"`
	ExternalChannelID string    `json:"externalChannelId" db:"external_channel_id"`
	WebhookURL        string    `json:"webhookUrl,omitempty" db:"webhook_url"`
	Active            bool      `json:"active" db:"active"`
	CreatedBy         string    `json:"createdBy" db:"created_by"`
	CreatedAt         time.Time `json:"createdAt" db:"created_at"`
}

// Clone returns a copy.
func (b *Bridge) Clone() *Bridge {
	cp := *b
	return &cp
}

// SupportedPlatforms are the external platforms the inbound handler
// accepts.
var SupportedPlatforms = map[string]bool{
	"discord": true,
	"slack":   true,
}

// NormalizeUsername maps a free-form external display name onto the
// member charset: lowercase [a-z0-9._-], separator runs collapsed,
// leading and trailing separators trimmed. Empty results become
// "unknown".
func NormalizeUsername(name string) string {
	var b strings.Builder
	lastSep := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSep = false
		case r == '.' || r == '_' || r == '-':
			if !lastSep && b.Len() > 0 {
				b.WriteRune(r)
			}
			lastSep = true
		default:
			// dropped; a following separator may still be written
		}
	}
	out := strings.TrimRight(b.String(), "._-")
	if out == "" {
		return "unknown"
	}
	return out
}
