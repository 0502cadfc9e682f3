package websocket

import "testing"

func TestSubjectMatches(t *testing.T) {
	cases := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"task.completed", "task.completed", true},
		{"task.completed", "task.failed", false},
		{"task.*", "task.completed", true},
		{"task.*", "migration.completed", false},
		{"task.*", "task.a.b", false},
		{">", "anything.at.all", true},
		{"migration.>", "migration.phase_changed", true},
		{"migration.>", "task.completed", false},
		{"*.completed", "task.completed", true},
		{"*.completed", "task.failed", false},
	}
	for _, tc := range cases {
		if got := SubjectMatches(tc.pattern, tc.subject); got != tc.want {
			t.Errorf("SubjectMatches(%q, %q) = %v, want %v", tc.pattern, tc.subject, got, tc.want)
		}
	}
}

func TestClientWants(t *testing.T) {
	c := &Client{subscriptions: make(map[string]bool)}

	// no subscriptions means everything
	if !c.wants("task.completed") {
		t.Error("unsubscribed client should receive all subjects")
	}

	c.subscriptions["migration.>"] = true
	if c.wants("task.completed") {
		t.Error("subject outside subscriptions delivered")
	}
	if !c.wants("migration.aborted") {
		t.Error("subscribed subject not delivered")
	}
}
