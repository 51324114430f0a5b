package queue

import (
	"fmt"
	"log/slog"
)

const evolutionPrompt = `You are in evolution mode. Pick ONE concrete improvement to your own code:
a bug you noticed, a rough edge in a tool, a missing test, or a gap in your notes.
Implement it on the ouroboros branch in a small, reviewable diff, run whatever
checks exist, and commit with a clear message. Do not promote to stable yourself;
a review task will follow.`

// EnqueueEvolutionIfNeeded enqueues a single evolution task when
// evolution mode is on, spend since the last enqueue reached the
// threshold, and no evolution task is already pending or running.
// Reports whether a task was enqueued; the caller then advances the
// spend marker.
func (q *Queue) EnqueueEvolutionIfNeeded(enabled bool, spent, marker, threshold float64, softSec, hardSec int) bool {
	if !enabled || threshold <= 0 || spent-marker < threshold {
		return false
	}
	if q.hasType(TypeEvolution) {
		return false
	}
	t := NewTask(TypeEvolution, evolutionPrompt, 0, softSec, hardSec)
	if !q.Enqueue(t) {
		return false
	}
	slog.Info("evolution task enqueued", "task_id", t.ID, "spent", spent, "marker", marker)
	return true
}

// QueueReviewTask enqueues a code-review task. Deduplicated against
// pending and running review tasks unless force is set.
func (q *Queue) QueueReviewTask(reason string, force bool, softSec, hardSec int) bool {
	if !force && q.hasType(TypeReview) {
		return false
	}
	prompt := fmt.Sprintf(`Review the most recent changes on the ouroboros branch (reason: %s).
Check correctness, adherence to BIBLE.md, and code quality. Summarize your
findings. If the changes are sound, promote them to the stable branch; if
not, describe exactly what must change.`, reason)
	t := NewTask(TypeReview, prompt, 0, softSec, hardSec)
	return q.Enqueue(t)
}

// hasType reports whether any pending or running task has the type.
func (q *Queue) hasType(taskType string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.pending {
		if t.Type == taskType {
			return true
		}
	}
	for _, t := range q.running {
		if t.Type == taskType {
			return true
		}
	}
	return false
}
