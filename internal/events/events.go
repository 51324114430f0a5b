// Package events defines the records that flow from workers, the chat
// agent, and the consciousness driver to the supervisor tick, plus the
// single-consumer dispatcher that routes them.
package events

import (
	"encoding/json"
	"time"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/providers"
)

// Event kind constants.
const (
	KindLLMUsage       = "llm_usage"
	KindToolCall       = "tool_call"
	KindProgress       = "progress"
	KindChatOut        = "chat_out"
	KindTaskComplete   = "task_complete"
	KindTaskFailed     = "task_failed"
	KindTaskCancelled  = "task_cancelled"
	KindHeartbeat      = "heartbeat"
	KindRestartRequest = "restart_request"
	KindTaskRequest    = "task_request"
	KindLog            = "log"
)

// Event is one record on the supervisor's event channel. Workers emit
// them as JSON lines on stdout; in-process producers push them directly.
type Event struct {
	Kind     string `json:"kind"`
	TS       string `json:"ts"`
	TaskID   string `json:"task_id,omitempty"`
	WorkerID string `json:"worker_id,omitempty"`

	// llm_usage
	Model string           `json:"model,omitempty"`
	Usage *providers.Usage `json:"usage,omitempty"`

	// tool_call
	Tool    string         `json:"tool,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
	Verdict string         `json:"verdict,omitempty"` // safety gate outcome

	// progress, chat_out, log
	Text   string `json:"text,omitempty"`
	ChatID int64  `json:"chat_id,omitempty"`

	// task_failed, task_cancelled, restart_request
	Reason string `json:"reason,omitempty"`

	// task_complete
	Result string `json:"result,omitempty"`

	// task_request: a serialized task a worker asks the supervisor to
	// enqueue (schedule_task from inside a worker process).
	TaskJSON json.RawMessage `json:"task,omitempty"`
}

// New returns an Event of the given kind stamped with the current UTC time.
func New(kind string) Event {
	return Event{Kind: kind, TS: time.Now().UTC().Format(time.RFC3339)}
}

// Handler consumes one routed event.
type Handler func(Event)

// Dispatcher fans drained events out to per-kind handlers. Nil handlers
// are skipped. Task terminal kinds (complete/failed/cancelled) share
// OnTaskDone. Handlers run on the caller's goroutine and must not block.
type Dispatcher struct {
	OnLLMUsage       Handler
	OnToolCall       Handler
	OnProgress       Handler
	OnChatOut        Handler
	OnTaskDone       Handler
	OnHeartbeat      Handler
	OnRestartRequest Handler
	OnTaskRequest    Handler
	OnLog            Handler
}

// Dispatch routes a single event. Unknown kinds fall through to OnLog.
func (d *Dispatcher) Dispatch(e Event) {
	var h Handler
	switch e.Kind {
	case KindLLMUsage:
		h = d.OnLLMUsage
	case KindToolCall:
		h = d.OnToolCall
	case KindProgress:
		h = d.OnProgress
	case KindChatOut:
		h = d.OnChatOut
	case KindTaskComplete, KindTaskFailed, KindTaskCancelled:
		h = d.OnTaskDone
	case KindHeartbeat:
		h = d.OnHeartbeat
	case KindRestartRequest:
		h = d.OnRestartRequest
	case KindTaskRequest:
		h = d.OnTaskRequest
	default:
		h = d.OnLog
	}
	if h != nil {
		h(e)
	}
}
