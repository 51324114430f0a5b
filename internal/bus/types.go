// Package bus is the message bus between the supervisor and its UIs:
// bounded inbox/outbox/log queues, the Telegram-like update shape the
// supervisor loop consumes, and owner-facing send helpers that append
// budget lines and journal every message.
package bus

// Update is one inbound user message in the Telegram getUpdates shape.
// The local web UI is a single-user surface, so chat and user ids are
// always 1; a real Telegram channel feeds the same shape with real ids.
type Update struct {
	UpdateID int64          `json:"update_id"`
	Message  *UpdateMessage `json:"message,omitempty"`
}

// UpdateMessage carries the text of one update.
type UpdateMessage struct {
	Chat Chat   `json:"chat"`
	From User   `json:"from"`
	Text string `json:"text"`
}

// Chat identifies the conversation an update belongs to.
type Chat struct {
	ID int64 `json:"id"`
}

// User identifies the sender of an update.
type User struct {
	ID int64 `json:"id"`
}

// Outbox message types.
const (
	OutText   = "text"
	OutAction = "action"
	OutPhoto  = "photo"
)

// OutMessage is one outbox entry for the UI to render.
type OutMessage struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	Markdown bool   `json:"markdown,omitempty"`
	Photo    []byte `json:"photo,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// BroadcastFunc mirrors outbox and log traffic to live WebSocket
// clients. Frames are small JSON-ready maps; the gateway marshals them.
// Implementations must not block.
type BroadcastFunc func(frame map[string]any)
