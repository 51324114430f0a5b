package events

import "sync"

// Inbox is the multi-producer event channel: worker stdout pumps, the
// chat agent, the queue, and the consciousness driver all Put; the
// supervisor tick Drains. Put never blocks and nothing is dropped; the
// tick cadence bounds growth.
type Inbox struct {
	mu   sync.Mutex
	evts []Event
}

// NewInbox returns an empty inbox.
func NewInbox() *Inbox { return &Inbox{} }

// Put appends one event. Safe from any goroutine; usable as a Handler.
func (in *Inbox) Put(e Event) {
	in.mu.Lock()
	in.evts = append(in.evts, e)
	in.mu.Unlock()
}

// Drain removes and returns everything accumulated, in arrival order.
// Returns nil when the inbox is empty.
func (in *Inbox) Drain() []Event {
	in.mu.Lock()
	out := in.evts
	in.evts = nil
	in.mu.Unlock()
	return out
}

// Len reports how many events are waiting.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.evts)
}
