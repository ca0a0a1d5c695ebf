// deepcorrect/selection_tracker.go
// Leaf store of selections currently being rewritten.
package deepcorrect

import (
	"sort"
	"sync"
)

// SelectionTracker stores active tasks keyed by id and answers overlap queries.
// It never decides whether a task may start; TaskManager does.
type SelectionTracker struct {
	mu    sync.RWMutex
	tasks map[string]ActiveTask
}

// NewSelectionTracker creates an empty tracker.
func NewSelectionTracker() *SelectionTracker {
	return &SelectionTracker{tasks: make(map[string]ActiveTask)}
}

// AddTask inserts task. The caller guarantees id uniqueness.
func (t *SelectionTracker) AddTask(task ActiveTask) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks[task.ID] = task
}

// RemoveTask deletes the task with the given id and reports whether it was present.
func (t *SelectionTracker) RemoveTask(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tasks[id]; !ok {
		return false
	}
	delete(t.tasks, id)
	return true
}

// GetActiveTasks returns a copy of all active tasks ordered by start time, then id.
func (t *SelectionTracker) GetActiveTasks() []ActiveTask {
	t.mu.RLock()
	out := make([]ActiveTask, 0, len(t.tasks))
	for _, task := range t.tasks {
		out = append(out, task)
	}
	t.mu.RUnlock()
	sortTasks(out)
	return out
}

// GetOverlappingTasks returns every active task in the same document whose range overlaps sel.
func (t *SelectionTracker) GetOverlappingTasks(sel TextSelection) []ActiveTask {
	t.mu.RLock()
	var out []ActiveTask
	for _, task := range t.tasks {
		if SelectionsOverlap(task.Selection, sel) {
			out = append(out, task)
		}
	}
	t.mu.RUnlock()
	sortTasks(out)
	return out
}

// HasOverlappingTasks reports whether any active task overlaps sel.
func (t *SelectionTracker) HasOverlappingTasks(sel TextSelection) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, task := range t.tasks {
		if SelectionsOverlap(task.Selection, sel) {
			return true
		}
	}
	return false
}

// Get returns the task with the given id.
func (t *SelectionTracker) Get(id string) (ActiveTask, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	task, ok := t.tasks[id]
	return task, ok
}

// Count returns the number of active tasks.
func (t *SelectionTracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tasks)
}

// Clear removes all tasks.
func (t *SelectionTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks = make(map[string]ActiveTask)
}

func sortTasks(tasks []ActiveTask) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].StartTime.Equal(tasks[j].StartTime) {
			return tasks[i].StartTime.Before(tasks[j].StartTime)
		}
		return tasks[i].ID < tasks[j].ID
	})
}
