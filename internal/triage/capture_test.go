package triage

import (
	"testing"
	"time"

	"github.com/flockmesh/flock/internal/audit"
)

func TestCapture_PutAndTake(t *testing.T) {
	c := NewCapture(0)

	d := Decision{Level: audit.LevelGreen, Action: "approve", Reasoning: "routine request"}
	if err := c.Put("triage-1", d); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	got, ok := c.Take("triage-1")
	if !ok {
		t.Fatal("expected decision to be present")
	}
	if got.Action != "approve" {
		t.Errorf("unexpected decision: %+v", got)
	}

	// Take consumes
	if _, ok := c.Take("triage-1"); ok {
		t.Error("expected second take to miss")
	}
}

func TestCapture_RejectsInvalidLevel(t *testing.T) {
	c := NewCapture(0)
	if err := c.Put("triage-1", Decision{Level: audit.Level("BLUE")}); err == nil {
		t.Fatal("expected invalid level to be rejected")
	}
}

func TestCapture_Expiry(t *testing.T) {
	c := NewCapture(20 * time.Millisecond)
	_ = c.Put("triage-1", Decision{Level: audit.LevelYellow, Action: "review"})

	time.Sleep(60 * time.Millisecond)
	if _, ok := c.Take("triage-1"); ok {
		t.Error("expected decision to expire")
	}
}

func TestDecision_RequiresHumanApproval(t *testing.T) {
	if (Decision{Level: audit.LevelGreen}).RequiresHumanApproval() {
		t.Error("GREEN must not require approval")
	}
	if !(Decision{Level: audit.LevelRed}).RequiresHumanApproval() {
		t.Error("RED must require approval")
	}
}

func TestDecisionTool_Record(t *testing.T) {
	c := NewCapture(0)
	tool := NewDecisionTool(c)

	if tool.Name() != "triage_decision" {
		t.Errorf("unexpected tool name: %s", tool.Name())
	}
	if err := tool.Record("", "GREEN", "approve", "fine", nil); err == nil {
		t.Error("expected missing requestId to be rejected")
	}
	if err := tool.Record("triage-2", "PURPLE", "approve", "fine", nil); err == nil {
		t.Error("expected invalid level to be rejected")
	}
	if err := tool.Record("triage-2", "RED", "escalate", "destructive op", []string{"rm -rf"}); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	d, ok := c.Take("triage-2")
	if !ok || d.Level != audit.LevelRed || !d.RequiresHumanApproval() {
		t.Errorf("unexpected decision: %+v ok=%v", d, ok)
	}
}
