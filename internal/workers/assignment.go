// Package workers runs tasks in separate OS processes. The supervisor
// side (Pool) writes assignments as JSON lines on each worker's stdin
// and reads events back from its stdout; the worker side (Runtime)
// is the other end of that pipe.
package workers

import "github.com/wationgarbarad-glitch/ouroboros-desktop/internal/queue"

// Assignment types on the stdin channel.
const (
	AssignTask      = "task"
	AssignInterrupt = "interrupt"
	AssignShutdown  = "shutdown"
)

// Assignment is one JSON line from the pool to a worker.
type Assignment struct {
	Type   string      `json:"type"`
	Task   *queue.Task `json:"task,omitempty"`
	TaskID string      `json:"task_id,omitempty"`
}
