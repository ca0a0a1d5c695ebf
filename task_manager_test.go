// deepcorrect/task_manager_test.go
package deepcorrect

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

// newTestTaskManager returns a manager with deterministic ids and a fixed clock.
func newTestTaskManager() *TaskManager {
	var n atomic.Int64
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return NewTaskManager(
		WithIDGenerator(func() string { return fmt.Sprintf("task-%d", n.Add(1)) }),
		WithClock(func() time.Time { return start.Add(time.Duration(n.Load()) * time.Millisecond) }),
	)
}

func TestTaskManager_OverlapRejected(t *testing.T) {
	tm := newTestTaskManager()
	s1 := NewTextSelection("file:///a.txt", 0, 0, 2, 10)
	s2 := NewTextSelection("file:///a.txt", 1, 5, 3, 15)

	if !tm.IsSelectionOverlapping(s1, s2) {
		t.Fatalf("IsSelectionOverlapping() got = false, want true")
	}

	id1, err := tm.StartTask(s1)
	if err != nil {
		t.Fatalf("StartTask(s1) unexpected error: %v", err)
	}

	_, err = tm.StartTask(s2)
	if !errors.Is(err, ErrOverlappingSelection) {
		t.Fatalf("StartTask(s2) error = %v, want ErrOverlappingSelection", err)
	}
	var overlapErr *OverlappingSelectionError
	if !errors.As(err, &overlapErr) {
		t.Fatalf("StartTask(s2) error type = %T, want *OverlappingSelectionError", err)
	}
	if len(overlapErr.Conflicts) != 1 || overlapErr.Conflicts[0].ID != id1 {
		t.Errorf("OverlappingSelectionError.Conflicts got = %v, want [%s]", overlapErr.Conflicts, id1)
	}

	conflicts := tm.GetConflictingTasks(s2)
	if len(conflicts) != 1 || conflicts[0].ID != id1 || conflicts[0].Selection != s1 {
		t.Errorf("GetConflictingTasks(s2) got = %v, want [task(%s)]", conflicts, id1)
	}
	if !tm.IsSelectionBlocked(s2) || tm.CanStartTask(s2) {
		t.Errorf("s2 should be blocked while s1 is active")
	}

	tm.CompleteTask(id1)
	if !tm.CanStartTask(s2) {
		t.Errorf("CanStartTask(s2) after CompleteTask got = false, want true")
	}
	if _, err := tm.StartTask(s2); err != nil {
		t.Errorf("StartTask(s2) after release unexpected error: %v", err)
	}
}

func TestTaskManager_DifferentDocumentsConcurrent(t *testing.T) {
	tm := newTestTaskManager()
	s1 := NewTextSelection("file:///a.txt", 0, 0, 1, 10)
	s2 := NewTextSelection("file:///b.txt", 0, 0, 1, 10)

	if tm.IsSelectionOverlapping(s1, s2) {
		t.Fatalf("IsSelectionOverlapping() across documents got = true, want false")
	}
	id1, err1 := tm.StartTask(s1)
	id2, err2 := tm.StartTask(s2)
	if err1 != nil || err2 != nil {
		t.Fatalf("StartTask() errors = %v, %v; want nil", err1, err2)
	}
	if id1 == id2 {
		t.Errorf("StartTask() returned duplicate id %q", id1)
	}

	got := tm.GetActiveTasks()
	want := []ActiveTask{{ID: id1, Selection: s1}, {ID: id2, Selection: s2}}
	if diff := cmp.Diff(want, got, cmp.FilterPath(func(p cmp.Path) bool {
		return p.Last().String() == ".StartTime"
	}, cmp.Ignore())); diff != "" {
		t.Errorf("GetActiveTasks() mismatch (-want +got):\n%s", diff)
	}
}

func TestTaskManager_AdjacentSelectionsConcurrent(t *testing.T) {
	tm := newTestTaskManager()
	left := NewTextSelection("file:///a.txt", 0, 0, 0, 5)
	right := NewTextSelection("file:///a.txt", 0, 5, 0, 9)
	if _, err := tm.StartTask(left); err != nil {
		t.Fatalf("StartTask(left) unexpected error: %v", err)
	}
	if _, err := tm.StartTask(right); err != nil {
		t.Errorf("StartTask(right) adjacent to active task error = %v, want nil", err)
	}
	if got := tm.ActiveCount(); got != 2 {
		t.Errorf("ActiveCount() got = %d, want 2", got)
	}
}

func TestTaskManager_SameInsertionPoint(t *testing.T) {
	tm := newTestTaskManager()
	point := NewTextSelection("file:///a.txt", 0, 3, 0, 3)
	for i := 0; i < 2; i++ {
		if _, err := tm.StartTask(point); err != nil {
			t.Fatalf("StartTask(point) #%d unexpected error: %v", i+1, err)
		}
	}
	if got := tm.ActiveCount(); got != 2 {
		t.Errorf("ActiveCount() got = %d, want 2", got)
	}
	// A span around the point is still blocked by both.
	if conflicts := tm.GetConflictingTasks(NewTextSelection("file:///a.txt", 0, 0, 0, 5)); len(conflicts) != 2 {
		t.Errorf("GetConflictingTasks() around the point got %d, want 2", len(conflicts))
	}
}

func TestTaskManager_ReleaseIsIdempotent(t *testing.T) {
	tm := newTestTaskManager()
	sel := NewTextSelection("file:///a.txt", 0, 0, 0, 4)
	id, err := tm.StartTask(sel)
	if err != nil {
		t.Fatalf("StartTask() unexpected error: %v", err)
	}

	tm.CancelTask(id)
	tm.CancelTask(id)
	tm.CompleteTask(id)
	tm.CompleteTask("never-started")

	if got := tm.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount() got = %d, want 0", got)
	}
	if !tm.CanStartTask(sel) {
		t.Errorf("CanStartTask() after cancel got = false, want true")
	}
}

func TestTaskManager_ClearAllTasks(t *testing.T) {
	tm := newTestTaskManager()
	id, _ := tm.StartTask(NewTextSelection("file:///a.txt", 0, 0, 3, 0))
	_, _ = tm.StartTask(NewTextSelection("file:///b.txt", 0, 0, 3, 0))

	tm.ClearAllTasks()
	if got := tm.ActiveCount(); got != 0 {
		t.Fatalf("ActiveCount() after ClearAllTasks got = %d, want 0", got)
	}
	// A late release for a task dropped by the reset is a no-op.
	tm.CompleteTask(id)
	if got := tm.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount() after late CompleteTask got = %d, want 0", got)
	}
}

func TestTaskManager_RejectsInvertedRange(t *testing.T) {
	tm := newTestTaskManager()
	_, err := tm.StartTask(NewTextSelection("file:///a.txt", 3, 0, 1, 0))
	if !errors.Is(err, ErrInvalidSelection) {
		t.Errorf("StartTask(inverted) error = %v, want ErrInvalidSelection", err)
	}
	if got := tm.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount() got = %d, want 0", got)
	}
}

func TestTaskManager_DuplicateIDRegenerated(t *testing.T) {
	ids := []string{"dup", "dup", "fresh"}
	var i int
	tm := NewTaskManager(WithIDGenerator(func() string {
		id := ids[i%len(ids)]
		i++
		return id
	}))
	first, err := tm.StartTask(NewTextSelection("file:///a.txt", 0, 0, 0, 1))
	if err != nil || first != "dup" {
		t.Fatalf("StartTask() got = %q, %v; want dup, nil", first, err)
	}
	second, err := tm.StartTask(NewTextSelection("file:///a.txt", 1, 0, 1, 1))
	if err != nil || second != "fresh" {
		t.Errorf("StartTask() got = %q, %v; want fresh, nil", second, err)
	}
}

// TestTaskManager_ConcurrentStart races many goroutines for the same range; exactly one
// must win, and disjoint ranges must all succeed.
func TestTaskManager_ConcurrentStart(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	tm := NewTaskManager()
	contested := NewTextSelection("file:///a.txt", 10, 0, 12, 0)

	const workers = 32
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tm.StartTask(contested); err == nil {
				wins.Add(1)
			} else if !errors.Is(err, ErrOverlappingSelection) {
				t.Errorf("StartTask() unexpected error: %v", err)
			}
		}()
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(line int) {
			defer wg.Done()
			id, err := tm.StartTask(NewTextSelection("file:///a.txt", 100+line, 0, 100+line, 5))
			if err != nil {
				t.Errorf("StartTask(disjoint line %d) unexpected error: %v", line, err)
				return
			}
			tm.CompleteTask(id)
		}(i)
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("contested StartTask winners got = %d, want 1", got)
	}
	active := tm.GetActiveTasks()
	if len(active) != 1 {
		t.Fatalf("GetActiveTasks() got %d tasks, want 1", len(active))
	}
	for i, a := range active {
		for _, b := range active[i+1:] {
			if tm.IsSelectionOverlapping(a.Selection, b.Selection) {
				t.Errorf("active tasks %s and %s overlap", a.ID, b.ID)
			}
		}
	}
}
