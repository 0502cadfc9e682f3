package node

import (
	"reflect"
	"testing"
)

func TestLoopTrackerTransitions(t *testing.T) {
	tr := NewLoopTracker()

	tr.Track("pm")
	if got := tr.State("pm"); got != LoopAwake {
		t.Errorf("tracked agent state = %s, want AWAKE", got)
	}
	if got := tr.State("ghost"); got != LoopSleep {
		t.Errorf("unknown agent state = %s, want SLEEP", got)
	}

	if !tr.Sleep("pm") {
		t.Error("Sleep failed for awake agent")
	}
	if tr.Sleep("pm") {
		t.Error("Sleep succeeded for sleeping agent")
	}
	if got := tr.State("pm"); got != LoopSleep {
		t.Errorf("state = %s after Sleep, want SLEEP", got)
	}

	if !tr.WakeIfAsleep("pm") {
		t.Error("WakeIfAsleep failed for sleeping agent")
	}
	if tr.WakeIfAsleep("pm") {
		t.Error("WakeIfAsleep succeeded for awake agent")
	}
	// agents not hosted here are never woken
	if tr.WakeIfAsleep("ghost") {
		t.Error("WakeIfAsleep succeeded for untracked agent")
	}
}

func TestLoopTrackerAwakeIsSorted(t *testing.T) {
	tr := NewLoopTracker()
	tr.Track("zed")
	tr.Track("amy")
	tr.Track("mid")
	tr.Sleep("mid")

	if got := tr.Awake(); !reflect.DeepEqual(got, []string{"amy", "zed"}) {
		t.Errorf("Awake() = %v, want [amy zed]", got)
	}

	tr.Forget("zed")
	if got := tr.Awake(); !reflect.DeepEqual(got, []string{"amy"}) {
		t.Errorf("Awake() = %v after Forget, want [amy]", got)
	}
}
