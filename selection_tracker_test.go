// deepcorrect/selection_tracker_test.go
package deepcorrect

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestSelectionTracker(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := ActiveTask{ID: "t1", Selection: NewTextSelection("file:///a.txt", 0, 0, 2, 10), StartTime: base}
	t2 := ActiveTask{ID: "t2", Selection: NewTextSelection("file:///a.txt", 5, 0, 6, 0), StartTime: base.Add(time.Second)}
	t3 := ActiveTask{ID: "t3", Selection: NewTextSelection("file:///b.txt", 0, 0, 2, 10), StartTime: base.Add(2 * time.Second)}

	tr := NewSelectionTracker()
	tr.AddTask(t3)
	tr.AddTask(t1)
	tr.AddTask(t2)

	if got := tr.Count(); got != 3 {
		t.Fatalf("Count() got = %d, want 3", got)
	}
	if diff := cmp.Diff([]ActiveTask{t1, t2, t3}, tr.GetActiveTasks()); diff != "" {
		t.Errorf("GetActiveTasks() mismatch (-want +got):\n%s", diff)
	}

	t.Run("Snapshot is a copy", func(t *testing.T) {
		snap := tr.GetActiveTasks()
		snap[0].ID = "mutated"
		if _, ok := tr.Get("t1"); !ok {
			t.Errorf("Get(t1) after mutating snapshot got = false, want true")
		}
	})

	t.Run("Overlap query is document scoped", func(t *testing.T) {
		query := NewTextSelection("file:///a.txt", 1, 5, 3, 15)
		got := tr.GetOverlappingTasks(query)
		if diff := cmp.Diff([]ActiveTask{t1}, got); diff != "" {
			t.Errorf("GetOverlappingTasks() mismatch (-want +got):\n%s", diff)
		}
		if !tr.HasOverlappingTasks(query) {
			t.Errorf("HasOverlappingTasks() got = false, want true")
		}
		if tr.HasOverlappingTasks(NewTextSelection("file:///c.txt", 0, 0, 9, 9)) {
			t.Errorf("HasOverlappingTasks() for other document got = true, want false")
		}
	})

	t.Run("Remove", func(t *testing.T) {
		if !tr.RemoveTask("t2") {
			t.Errorf("RemoveTask(t2) got = false, want true")
		}
		if tr.RemoveTask("t2") {
			t.Errorf("RemoveTask(t2) second call got = true, want false")
		}
		if tr.RemoveTask("missing") {
			t.Errorf("RemoveTask(missing) got = true, want false")
		}
		if got := tr.Count(); got != 2 {
			t.Errorf("Count() after remove got = %d, want 2", got)
		}
	})

	t.Run("Clear", func(t *testing.T) {
		tr.Clear()
		if got := tr.GetActiveTasks(); len(got) != 0 {
			t.Errorf("GetActiveTasks() after Clear got = %v, want empty", got)
		}
	})
}
