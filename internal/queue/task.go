// Package queue holds the pending/running task sets, their durable
// snapshot, and timeout enforcement.
package queue

import (
	"time"

	"github.com/google/uuid"
)

// Task types.
const (
	TypeUserRequest   = "user_request"
	TypeReview        = "review"
	TypeEvolution     = "evolution"
	TypeConsciousness = "consciousness"
	TypeScheduled     = "scheduled"
)

// Default priorities per type; higher runs first.
const (
	PriorityUserRequest   = 100
	PriorityReview        = 50
	PriorityScheduled     = 30
	PriorityEvolution     = 20
	PriorityConsciousness = 1
)

// MaxDepth is the fork-bomb ceiling: child tasks deeper than this are
// rejected at assignment.
const MaxDepth = 3

// Task is the unit of work fed to the worker pool.
type Task struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	Prompt         string    `json:"prompt"`
	Priority       int       `json:"priority"`
	CreatedAt      time.Time `json:"created_at"`
	SoftTimeoutSec int       `json:"soft_timeout_sec"`
	HardTimeoutSec int       `json:"hard_timeout_sec"`
	ParentID       string    `json:"parent_id,omitempty"`
	Depth          int       `json:"depth"`
	ChatID         int64     `json:"chat_id,omitempty"`
	Result         string    `json:"result,omitempty"`

	// Runtime fields, set once the task is assigned.
	StartedAt          time.Time `json:"started_at,omitempty"`
	WorkerID           string    `json:"worker_id,omitempty"`
	InterruptRequested bool      `json:"interrupt_requested,omitempty"`

	softWarned bool
}

// DefaultPriority returns the priority used for a task type when the
// caller does not pick one.
func DefaultPriority(taskType string) int {
	switch taskType {
	case TypeUserRequest:
		return PriorityUserRequest
	case TypeReview:
		return PriorityReview
	case TypeScheduled:
		return PriorityScheduled
	case TypeEvolution:
		return PriorityEvolution
	case TypeConsciousness:
		return PriorityConsciousness
	default:
		return PriorityScheduled
	}
}

// NewTask builds a pending task with a fresh id, the type's default
// priority, and the given timeouts.
func NewTask(taskType, prompt string, chatID int64, softSec, hardSec int) *Task {
	return &Task{
		ID:             uuid.NewString(),
		Type:           taskType,
		Prompt:         prompt,
		Priority:       DefaultPriority(taskType),
		CreatedAt:      time.Now().UTC(),
		SoftTimeoutSec: softSec,
		HardTimeoutSec: hardSec,
		ChatID:         chatID,
	}
}

// Child builds a subtask one level deeper, inheriting chat and timeouts.
func (t *Task) Child(taskType, prompt string) *Task {
	c := NewTask(taskType, prompt, t.ChatID, t.SoftTimeoutSec, t.HardTimeoutSec)
	c.ParentID = t.ID
	c.Depth = t.Depth + 1
	return c
}
