package queue

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/events"
)

// Queue is the supervisor's task ledger: a priority-ordered pending
// list and a running set keyed by task id.
type Queue struct {
	mu      sync.Mutex
	pending []*Task
	running map[string]*Task

	path string // snapshot file
	emit events.Handler
	now  func() time.Time
}

// New builds a queue that snapshots pending tasks to path and emits
// lifecycle events through emit.
func New(path string, emit events.Handler) *Queue {
	if emit == nil {
		emit = func(events.Event) {}
	}
	return &Queue{
		running: make(map[string]*Task),
		path:    path,
		emit:    emit,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue adds a task unless its id is already pending or running.
// Pending is re-sorted and snapshotted. Reports whether the task was added.
func (q *Queue) Enqueue(t *Task) bool {
	q.mu.Lock()
	if q.findPendingLocked(t.ID) >= 0 {
		q.mu.Unlock()
		return false
	}
	if _, ok := q.running[t.ID]; ok {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, t)
	q.sortPendingLocked()
	q.mu.Unlock()

	slog.Info("task enqueued", "task_id", t.ID, "type", t.Type, "priority", t.Priority)
	if err := q.Snapshot(); err != nil {
		slog.Warn("queue snapshot failed", "error", err)
	}
	return true
}

// Cancel removes a pending task or flags a running one for interrupt.
// Reports whether the id was known.
func (q *Queue) Cancel(id, reason string) bool {
	q.mu.Lock()
	if i := q.findPendingLocked(id); i >= 0 {
		t := q.pending[i]
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		q.mu.Unlock()
		e := events.New(events.KindTaskCancelled)
		e.TaskID = t.ID
		e.Reason = reason
		q.emit(e)
		return true
	}
	if t, ok := q.running[id]; ok {
		t.InterruptRequested = true
		q.mu.Unlock()
		slog.Info("interrupt requested", "task_id", id, "reason", reason)
		return true
	}
	q.mu.Unlock()
	return false
}

// DropPendingByType removes all pending tasks of a type (used when
// evolution mode is switched off). Returns how many were dropped.
func (q *Queue) DropPendingByType(taskType, reason string) int {
	q.mu.Lock()
	var kept []*Task
	var dropped []*Task
	for _, t := range q.pending {
		if t.Type == taskType {
			dropped = append(dropped, t)
		} else {
			kept = append(kept, t)
		}
	}
	q.pending = kept
	q.mu.Unlock()

	for _, t := range dropped {
		e := events.New(events.KindTaskCancelled)
		e.TaskID = t.ID
		e.Reason = reason
		q.emit(e)
	}
	return len(dropped)
}

// PopPending removes and returns the highest-priority pending task, or
// nil when the queue is idle.
func (q *Queue) PopPending() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	t := q.pending[0]
	q.pending = q.pending[1:]
	return t
}

// MarkRunning records a task as assigned to a worker.
func (q *Queue) MarkRunning(t *Task, workerID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t.StartedAt = q.now()
	t.WorkerID = workerID
	q.running[t.ID] = t
}

// Finish evicts a task from the running set, returning it, or nil when
// the id is not running (terminal events are idempotent).
func (q *Queue) Finish(id string) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.running[id]
	if !ok {
		return nil
	}
	delete(q.running, id)
	return t
}

// Running returns the running task with the given id, or nil.
func (q *Queue) Running(id string) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running[id]
}

// RunningByWorker returns the task currently assigned to a worker, or nil.
func (q *Queue) RunningByWorker(workerID string) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.running {
		if t.WorkerID == workerID {
			return t
		}
	}
	return nil
}

// Counts returns (pending, running) sizes.
func (q *Queue) Counts() (int, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.running)
}

// PendingTasks returns a copy of the pending list in execution order.
func (q *Queue) PendingTasks() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, len(q.pending))
	copy(out, q.pending)
	return out
}

// RunningTasks returns the running set as a slice (unordered).
func (q *Queue) RunningTasks() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, 0, len(q.running))
	for _, t := range q.running {
		out = append(out, t)
	}
	return out
}

// RequeueRunning moves every running task back to pending with its
// runtime fields cleared, so work interrupted by a restart is picked
// up again. Returns how many tasks were moved.
func (q *Queue) RequeueRunning() int {
	q.mu.Lock()
	n := len(q.running)
	for id, t := range q.running {
		t.StartedAt = time.Time{}
		t.WorkerID = ""
		t.InterruptRequested = false
		t.softWarned = false
		q.pending = append(q.pending, t)
		delete(q.running, id)
	}
	q.sortPendingLocked()
	q.mu.Unlock()

	if n > 0 {
		slog.Info("requeued running tasks", "count", n)
	}
	return n
}

// ResetStaleAssignments clears runtime fields left on pending tasks by
// a snapshot taken while they were assigned (a previous process died
// mid-task). Returns how many tasks were cleaned.
func (q *Queue) ResetStaleAssignments() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.pending {
		if t.WorkerID == "" && t.StartedAt.IsZero() && !t.InterruptRequested {
			continue
		}
		t.StartedAt = time.Time{}
		t.WorkerID = ""
		t.InterruptRequested = false
		t.softWarned = false
		n++
	}
	return n
}

// EnforceTimeouts walks the running set. Soft timeout: one warning
// event plus an interrupt flag. Hard timeout: the worker is killed via
// the callback and the task fails.
func (q *Queue) EnforceTimeouts(kill func(workerID string)) {
	q.mu.Lock()
	var softWarn, hardFail []*Task
	now := q.now()
	for _, t := range q.running {
		if t.StartedAt.IsZero() {
			continue
		}
		elapsed := now.Sub(t.StartedAt)
		if t.HardTimeoutSec > 0 && elapsed >= time.Duration(t.HardTimeoutSec)*time.Second {
			hardFail = append(hardFail, t)
			continue
		}
		if t.SoftTimeoutSec > 0 && !t.softWarned && elapsed >= time.Duration(t.SoftTimeoutSec)*time.Second {
			t.softWarned = true
			t.InterruptRequested = true
			softWarn = append(softWarn, t)
		}
	}
	q.mu.Unlock()

	for _, t := range softWarn {
		e := events.New(events.KindProgress)
		e.TaskID = t.ID
		e.WorkerID = t.WorkerID
		e.Text = fmt.Sprintf("⚠️ Task %s exceeded its soft timeout (%ds); asked to wrap up.", t.ID[:8], t.SoftTimeoutSec)
		q.emit(e)
	}
	for _, t := range hardFail {
		slog.Warn("hard timeout", "task_id", t.ID, "worker_id", t.WorkerID)
		if kill != nil && t.WorkerID != "" {
			kill(t.WorkerID)
		}
		e := events.New(events.KindTaskFailed)
		e.TaskID = t.ID
		e.WorkerID = t.WorkerID
		e.Reason = "hard_timeout"
		q.emit(e)
	}
}

func (q *Queue) findPendingLocked(id string) int {
	for i, t := range q.pending {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// sortPendingLocked orders by priority desc, then created_at asc.
func (q *Queue) sortPendingLocked() {
	sort.SliceStable(q.pending, func(i, j int) bool {
		if q.pending[i].Priority != q.pending[j].Priority {
			return q.pending[i].Priority > q.pending[j].Priority
		}
		return q.pending[i].CreatedAt.Before(q.pending[j].CreatedAt)
	})
}
