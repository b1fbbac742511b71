package script

import (
	"testing"
	"time"
)

func TestSubstitute(t *testing.T) {
	t.Parallel()

	v := NewVars()
	v.SetServer("target", "rat")
	v.SetServer("hp", "42")
	v.SetServer("stats.str", "18")
	v.SetServer("key[0]", "gold")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"no dollars", "look", "look"},
		{"simple", "kill $target", "kill rat"},
		{"braced", "kill ${target}s", "kill rats"},
		{"adjacent text", "$hp/100", "42/100"},
		{"double dollar literal", "cost $$5", "cost $5"},
		{"unresolved left alone", "give $gold", "give $gold"},
		{"bracket literal key", "take $key[0]", "take gold"},
		{"bracket dotted fallback", "str is $stats[str]", "str is 18"},
		{"trailing dollar", "price in $", "price in $"},
		{"dollar before digit", "win $1000", "win $1000"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := v.Substitute(tt.input); got != tt.want {
				t.Errorf("Substitute(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestMergeSnapshotRespectsRecentServerWrites(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	v := NewVars()
	v.now = func() time.Time { return clock }

	// Old server write, outside the race window by merge time.
	v.SetServer("old", "server-old")
	// Fresh server write inside the window.
	clock = base.Add(10 * time.Second)
	v.SetServer("fresh", "server-fresh")
	// Fresh deletion inside the window.
	v.SetServer("gone", "x")
	v.DeleteServer("gone")

	clock = base.Add(11 * time.Second)
	v.MergeSnapshot(map[string]string{
		"old":   "browser-old",
		"fresh": "browser-stale",
		"gone":  "browser-resurrect",
		"new":   "browser-new",
	}, 2*time.Second)

	if got, _ := v.Get("old"); got != "browser-old" {
		t.Errorf("old = %q, want %q", got, "browser-old")
	}
	if got, _ := v.Get("fresh"); got != "server-fresh" {
		t.Errorf("fresh = %q, want %q", got, "server-fresh")
	}
	if _, ok := v.Get("gone"); ok {
		t.Error("gone resurrected by stale snapshot")
	}
	if got, _ := v.Get("new"); got != "browser-new" {
		t.Errorf("new = %q, want %q", got, "browser-new")
	}
}

func TestMergeSnapshotDeletesAbsentKeys(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	v := NewVars()
	v.now = func() time.Time { return clock }

	v.SetServer("stale", "x")
	clock = base.Add(time.Minute)
	v.SetServer("protected", "y")

	v.MergeSnapshot(map[string]string{}, 2*time.Second)

	if _, ok := v.Get("stale"); ok {
		t.Error("stale key survived a snapshot that omitted it")
	}
	if got, _ := v.Get("protected"); got != "y" {
		t.Errorf("protected = %q, want %q", got, "y")
	}
}
