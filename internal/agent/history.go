package agent

import (
	"sync"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/providers"
)

const defaultMaxUserTurns = 20

// History is the rolling transcript the resident chat agent carries
// between owner messages. Only plain user/assistant text lands here;
// tool traffic stays inside the run that produced it.
type History struct {
	mu           sync.Mutex
	msgs         []providers.Message
	maxUserTurns int
}

// NewHistory builds a transcript capped at maxUserTurns user messages.
func NewHistory(maxUserTurns int) *History {
	if maxUserTurns <= 0 {
		maxUserTurns = defaultMaxUserTurns
	}
	return &History{maxUserTurns: maxUserTurns}
}

// Append records one exchange entry.
func (h *History) Append(role, content string) {
	if content == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, providers.Message{Role: role, Content: content})
	h.trimLocked()
}

// Snapshot returns a copy safe to hand to a run.
func (h *History) Snapshot() []providers.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]providers.Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

// Len returns the number of stored messages.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

// Clear drops the transcript.
func (h *History) Clear() {
	h.mu.Lock()
	h.msgs = nil
	h.mu.Unlock()
}

// trimLocked drops the oldest turns once the user-turn cap is exceeded,
// cutting at a user message so the transcript never starts mid-exchange.
func (h *History) trimLocked() {
	users := 0
	for _, m := range h.msgs {
		if m.Role == "user" {
			users++
		}
	}
	for users > h.maxUserTurns {
		cut := 1
		for cut < len(h.msgs) && h.msgs[cut].Role != "user" {
			cut++
		}
		if h.msgs[0].Role == "user" {
			users--
		}
		h.msgs = h.msgs[cut:]
	}
}
