// Package triage holds the short-lived side channel between a
// sysadmin's LLM session and the executor: the session records a triage
// decision through a tool call, the executor consumes it by request ID
// when rendering the response.
package triage

import (
	"fmt"
	"sync"
	"time"

	"github.com/flockmesh/flock/internal/audit"
)

// DefaultTTL is how long an unconsumed decision survives.
const DefaultTTL = 5 * time.Minute

// Decision is one structured triage verdict.
type Decision struct {
	Level       audit.Level `json:"level"`
	Action      string      `json:"action"`
	Reasoning   string      `json:"reasoning"`
	RiskFactors []string    `json:"riskFactors,omitempty"`
}

// RequiresHumanApproval reports whether the decision needs a human in
// the loop. RED always does.
func (d Decision) RequiresHumanApproval() bool {
	return d.Level == audit.LevelRed
}

type captureEntry struct {
	decision Decision
	timer    *time.Timer
}

// Capture is the process-local decision map with per-entry expiry.
type Capture struct {
	mu      sync.Mutex
	entries map[string]*captureEntry
	ttl     time.Duration
}

// NewCapture creates a capture with the given TTL (zero means the
// 5-minute default).
func NewCapture(ttl time.Duration) *Capture {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Capture{
		entries: make(map[string]*captureEntry),
		ttl:     ttl,
	}
}

// Put stores a decision under the request ID, replacing any previous
// one and resetting its expiry.
func (c *Capture) Put(requestID string, d Decision) error {
	if !d.Level.Valid() {
		return fmt.Errorf("invalid triage level: %s", d.Level)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.entries[requestID]; ok {
		prev.timer.Stop()
	}
	entry := &captureEntry{decision: d}
	entry.timer = time.AfterFunc(c.ttl, func() { c.expire(requestID) })
	c.entries[requestID] = entry
	return nil
}

// Take consumes and removes the decision for a request ID.
func (c *Capture) Take(requestID string) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[requestID]
	if !ok {
		return Decision{}, false
	}
	entry.timer.Stop()
	delete(c.entries, requestID)
	return entry.decision, true
}

func (c *Capture) expire(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, requestID)
}

// DecisionTool is the tool surface exposed to the sysadmin's session.
// It validates the level and records the decision.
type DecisionTool struct {
	capture *Capture
}

// NewDecisionTool creates a triage_decision tool over the capture.
func NewDecisionTool(capture *Capture) *DecisionTool {
	return &DecisionTool{capture: capture}
}

// Name returns the tool's registered name.
func (t *DecisionTool) Name() string {
	return "triage_decision"
}

// Record validates and stores a decision coming from a tool call.
func (t *DecisionTool) Record(requestID, level, action, reasoning string, riskFactors []string) error {
	if requestID == "" {
		return fmt.Errorf("requestId is required")
	}
	lvl := audit.Level(level)
	if !lvl.Valid() {
		return fmt.Errorf("level must be GREEN, YELLOW or RED, got %q", level)
	}
	return t.capture.Put(requestID, Decision{
		Level:       lvl,
		Action:      action,
		Reasoning:   reasoning,
		RiskFactors: riskFactors,
	})
}
