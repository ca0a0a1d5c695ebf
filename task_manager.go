// deepcorrect/task_manager.go
// Lifecycle control for in-flight corrections; the mutual-exclusion gate.
package deepcorrect

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskManager decides whether a correction may start on a selection and tracks it until
// it completes or is cancelled. Every successful StartTask must be matched by exactly one
// CompleteTask or CancelTask; a leaked task keeps its range blocked.
type TaskManager struct {
	mu      sync.Mutex // Serializes check-and-register against release.
	tracker *SelectionTracker
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// TaskManagerOption configures a TaskManager.
type TaskManagerOption func(*TaskManager)

// WithClock overrides the clock used for ActiveTask.StartTime.
func WithClock(now func() time.Time) TaskManagerOption {
	return func(tm *TaskManager) { tm.now = now }
}

// WithIDGenerator overrides the task id generator.
func WithIDGenerator(gen func() string) TaskManagerOption {
	return func(tm *TaskManager) { tm.newID = gen }
}

// WithTaskLogger sets the logger used for lifecycle debug events.
func WithTaskLogger(logger *slog.Logger) TaskManagerOption {
	return func(tm *TaskManager) {
		if logger != nil {
			tm.logger = logger.With("component", "TaskManager")
		}
	}
}

// NewTaskManager creates a manager around a fresh SelectionTracker.
func NewTaskManager(opts ...TaskManagerOption) *TaskManager {
	tm := &TaskManager{
		tracker: NewSelectionTracker(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(tm)
	}
	return tm
}

// CanStartTask reports whether no active task overlaps sel.
func (tm *TaskManager) CanStartTask(sel TextSelection) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return !tm.tracker.HasOverlappingTasks(sel)
}

// StartTask registers a new active task for sel and returns its id. It fails with
// *OverlappingSelectionError if any active task in the same document overlaps sel.
func (tm *TaskManager) StartTask(sel TextSelection) (string, error) {
	if !isOrdered(sel.Range) {
		return "", fmt.Errorf("%w: start %s is after end %s", ErrInvalidSelection, sel.Start, sel.End)
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	if conflicts := tm.tracker.GetOverlappingTasks(sel); len(conflicts) > 0 {
		tm.logger.Debug("Task rejected: overlapping selection", "uri", sel.DocumentURI, "range", sel.Range.String(), "conflicts", len(conflicts))
		return "", &OverlappingSelectionError{Selection: sel, Conflicts: conflicts}
	}

	id := tm.newID()
	for attempt := 0; attempt < 3; attempt++ {
		if _, taken := tm.tracker.Get(id); !taken {
			break
		}
		id = tm.newID()
	}
	if _, taken := tm.tracker.Get(id); taken {
		return "", fmt.Errorf("task id generator returned active id %q", id)
	}

	tm.tracker.AddTask(ActiveTask{ID: id, Selection: sel, StartTime: tm.now()})
	tm.logger.Debug("Task started", "task_id", id, "uri", sel.DocumentURI, "range", sel.Range.String())
	return id, nil
}

// CompleteTask releases a finished task. Unknown ids are ignored.
func (tm *TaskManager) CompleteTask(id string) {
	tm.release(id, "completed")
}

// CancelTask releases an abandoned task. Unknown ids are ignored. It does not abort any
// outstanding network request; the caller owns that.
func (tm *TaskManager) CancelTask(id string) {
	tm.release(id, "cancelled")
}

func (tm *TaskManager) release(id, outcome string) {
	tm.mu.Lock()
	removed := tm.tracker.RemoveTask(id)
	tm.mu.Unlock()
	if removed {
		tm.logger.Debug("Task released", "task_id", id, "outcome", outcome)
	}
}

// GetConflictingTasks returns the active tasks that overlap sel.
func (tm *TaskManager) GetConflictingTasks(sel TextSelection) []ActiveTask {
	return tm.tracker.GetOverlappingTasks(sel)
}

// IsSelectionOverlapping exposes the overlap predicate.
func (tm *TaskManager) IsSelectionOverlapping(a, b TextSelection) bool {
	return SelectionsOverlap(a, b)
}

// IsSelectionBlocked is !CanStartTask(sel).
func (tm *TaskManager) IsSelectionBlocked(sel TextSelection) bool {
	return !tm.CanStartTask(sel)
}

// GetActiveTasks returns a snapshot of all active tasks.
func (tm *TaskManager) GetActiveTasks() []ActiveTask {
	return tm.tracker.GetActiveTasks()
}

// ActiveCount returns the number of active tasks.
func (tm *TaskManager) ActiveCount() int {
	return tm.tracker.Count()
}

// ClearAllTasks drops every active task. Late CompleteTask/CancelTask calls for the
// dropped ids become no-ops.
func (tm *TaskManager) ClearAllTasks() {
	tm.mu.Lock()
	n := tm.tracker.Count()
	tm.tracker.Clear()
	tm.mu.Unlock()
	tm.logger.Debug("All tasks cleared", "dropped", n)
}
