package supervisor

import (
	"context"
	"log/slog"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/agent"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/queue"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/tools"
)

// ChatAgent is the resident conversation: one agent loop that runs
// owner messages in-process, with a rolling transcript that pool tasks
// never see. Replies travel as chat_out events through the inbox, so
// delivery stays on the supervisor tick.
type ChatAgent struct {
	loop     *agent.Loop
	history  *agent.History
	taskCtx  func(*queue.Task) *tools.TaskContext
	timeouts func() (soft, hard int)
}

// NewChatAgent wires the resident chat over an agent loop. taskCtx
// builds the per-task tool context the same way the worker runtime
// does; timeouts reads the live settings.
func NewChatAgent(loop *agent.Loop, history *agent.History, taskCtx func(*queue.Task) *tools.TaskContext, timeouts func() (int, int)) *ChatAgent {
	return &ChatAgent{loop: loop, history: history, taskCtx: taskCtx, timeouts: timeouts}
}

// Busy reports whether a turn is in flight.
func (c *ChatAgent) Busy() bool { return c.loop.Busy() }

// Inject adds text to the running turn's next iteration.
func (c *ChatAgent) Inject(text string) { c.loop.Inject(text) }

// Interrupt asks the running turn to stop at the next boundary.
func (c *ChatAgent) Interrupt() { c.loop.Interrupt() }

// History exposes the transcript for session persistence.
func (c *ChatAgent) History() *agent.History { return c.history }

// Run executes one owner turn. The user line always enters the
// transcript; the assistant line only when the model said something
// visible, so a silence marker does not pollute later turns.
func (c *ChatAgent) Run(ctx context.Context, chatID int64, text string) {
	soft, hard := c.timeouts()
	t := queue.NewTask(queue.TypeUserRequest, text, chatID, soft, hard)
	tc := c.taskCtx(t)
	tc.DirectChat = true

	res, err := c.loop.Run(ctx, t, tc, c.history.Snapshot())
	c.history.Append("user", text)
	if err != nil {
		slog.Warn("chat turn failed", "task_id", t.ID, "error", err)
		return
	}
	if res.Content != "" && !agent.IsSilent(res.Content) {
		c.history.Append("assistant", res.Content)
	}
}
