package bus

import (
	"sync"
	"time"
)

const (
	inboxCap  = 100
	outboxCap = 100
	logCap    = 1000

	// UIPollLogs drains at most this many entries per call.
	logPollBatch = 50
)

// Bridge connects the UI side (web gateway, chat client) to the
// supervisor loop with three bounded queues. Full queues drop the
// oldest entry so neither side ever blocks on the other.
type Bridge struct {
	inbox  chan string
	outbox chan OutMessage
	logs   chan map[string]any

	mu            sync.Mutex
	updateCounter int64
	broadcast     BroadcastFunc
}

// NewBridge builds an empty bridge.
func NewBridge() *Bridge {
	return &Bridge{
		inbox:  make(chan string, inboxCap),
		outbox: make(chan OutMessage, outboxCap),
		logs:   make(chan map[string]any, logCap),
	}
}

// SetBroadcast registers the live WebSocket fan-out. Pass nil to detach.
func (b *Bridge) SetBroadcast(fn BroadcastFunc) {
	b.mu.Lock()
	b.broadcast = fn
	b.mu.Unlock()
}

func (b *Bridge) broadcastFrame(frame map[string]any) {
	b.mu.Lock()
	fn := b.broadcast
	b.mu.Unlock()
	if fn != nil {
		fn(frame)
	}
}

// GetUpdates blocks up to timeout for one inbound message and returns
// it in the Telegram update shape, or an empty slice on timeout. The
// update counter never goes backwards: it resumes from the caller's
// offset after a restart.
func (b *Bridge) GetUpdates(offset int64, timeout time.Duration) []Update {
	var text string
	select {
	case text = <-b.inbox:
	case <-time.After(timeout):
		return nil
	}

	b.mu.Lock()
	b.updateCounter = max(offset, b.updateCounter+1)
	id := b.updateCounter
	b.mu.Unlock()

	return []Update{{
		UpdateID: id,
		Message: &UpdateMessage{
			Chat: Chat{ID: 1},
			From: User{ID: 1},
			Text: text,
		},
	}}
}

// SendMessage puts one text message in the outbox. Markdown is
// stripped unless the caller opted in. Mirrored to the broadcast
// callback as a chat frame.
func (b *Bridge) SendMessage(chatID int64, text string, markdown bool) {
	clean := text
	if !markdown {
		clean = StripMarkdown(text)
	}
	putLatest(b.outbox, OutMessage{Type: OutText, Content: clean, Markdown: markdown})
	b.broadcastFrame(map[string]any{"type": "chat", "role": "assistant", "content": clean})
}

// SendAction puts a typing-style indicator in the outbox.
func (b *Bridge) SendAction(chatID int64, action string) {
	putLatest(b.outbox, OutMessage{Type: OutAction, Content: action})
}

// SendPhoto puts an image in the outbox.
func (b *Bridge) SendPhoto(chatID int64, photo []byte, caption string) {
	putLatest(b.outbox, OutMessage{Type: OutPhoto, Photo: photo, Caption: caption})
}

// PushLog queues one journal record for UI streaming and mirrors it to
// the broadcast callback. Called from the state store's append sink.
func (b *Bridge) PushLog(record map[string]any) {
	putLatest(b.logs, record)
	b.broadcastFrame(map[string]any{"type": "log", "data": record})
}

// UISend feeds one user message into the inbox (the UI-side API).
func (b *Bridge) UISend(text string) {
	putLatest(b.inbox, text)
}

// UIReceive waits up to timeout for the next outbox message.
func (b *Bridge) UIReceive(timeout time.Duration) (OutMessage, bool) {
	select {
	case m := <-b.outbox:
		return m, true
	case <-time.After(timeout):
		return OutMessage{}, false
	}
}

// UIPollLogs drains up to one batch of pending log records.
func (b *Bridge) UIPollLogs() []map[string]any {
	var out []map[string]any
	for len(out) < logPollBatch {
		select {
		case rec := <-b.logs:
			out = append(out, rec)
		default:
			return out
		}
	}
	return out
}

// putLatest enqueues without blocking, evicting the oldest entry when
// the queue is full.
func putLatest[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
