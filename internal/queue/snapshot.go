package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/fslock"
)

// Snapshot writes the pending list (never running tasks) to the queue
// file with an atomic rename, so pending work survives a crash.
func (q *Queue) Snapshot() error {
	q.mu.Lock()
	data, err := json.MarshalIndent(q.pending, "", "  ")
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("queue: marshal snapshot: %w", err)
	}
	if err := fslock.WriteAtomic(q.path, data); err != nil {
		return fmt.Errorf("queue: write snapshot: %w", err)
	}
	return nil
}

// Restore replaces the pending list with the snapshot's contents,
// re-sorts, and reports how many tasks were restored. A missing file
// restores nothing.
func (q *Queue) Restore() (int, error) {
	data, err := os.ReadFile(q.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("queue: read snapshot: %w", err)
	}
	var tasks []*Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return 0, fmt.Errorf("queue: decode snapshot: %w", err)
	}
	q.mu.Lock()
	q.pending = tasks
	q.sortPendingLocked()
	n := len(q.pending)
	q.mu.Unlock()
	return n, nil
}
