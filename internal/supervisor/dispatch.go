package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/bus"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/config"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/events"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/queue"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/repo"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/state"
)

// newDispatcher binds the per-kind handlers. Heartbeats are left
// unhandled: the pool's stdout pump already refreshed the worker's
// liveness stamp before the event reached the inbox. restart_request
// never reaches the dispatcher; the tick intercepts it.
func (s *Supervisor) newDispatcher() *events.Dispatcher {
	return &events.Dispatcher{
		OnLLMUsage:    s.onLLMUsage,
		OnToolCall:    s.onToolCall,
		OnProgress:    s.onProgress,
		OnChatOut:     s.onChatOut,
		OnTaskDone:    s.onTaskDone,
		OnTaskRequest: s.onTaskRequest,
		OnLog:         s.onLog,
	}
}

func (s *Supervisor) onLLMUsage(e events.Event) {
	if e.Usage == nil {
		return
	}
	spent, crossed, err := s.store.UpdateBudget(e.Model, *e.Usage, s.settings().TotalBudget)
	if err != nil {
		slog.Warn("budget update failed", "error", err)
		return
	}
	if crossed {
		s.sender.Send(s.deliveryChat(e),
			fmt.Sprintf("💸 Budget limit crossed: $%.2f of $%.2f spent. New LLM turns will be refused.",
				spent, s.settings().TotalBudget))
	}
}

func (s *Supervisor) onToolCall(e events.Event) {
	rec := map[string]any{"task_id": e.TaskID, "tool": e.Tool, "verdict": e.Verdict}
	if len(e.Args) > 0 {
		rec["args"] = e.Args
	}
	if e.Result != "" {
		rec["result"] = e.Result
	}
	if err := s.store.AppendJSONL(state.JournalTools, rec); err != nil {
		slog.Warn("tool journal append failed", "error", err)
	}
}

// onProgress forwards interim worker output to the owner under a rate
// limit. Over-limit or pre-owner lines still land in progress.jsonl,
// so nothing is lost, only unsent.
func (s *Supervisor) onProgress(e events.Event) {
	if s.ownerChat() == 0 || !s.progress.Allow() {
		if err := s.store.AppendJSONL(state.JournalProgress, map[string]any{
			"chat_id": s.deliveryChat(e), "task_id": e.TaskID, "text": e.Text,
		}); err != nil {
			slog.Warn("progress journal append failed", "error", err)
		}
		return
	}
	s.sender.SendWith(s.deliveryChat(e), clipRunes(e.Text, progressClip),
		bus.SendOpts{Progress: true, LogText: e.Text})
}

// onChatOut relays agent replies verbatim; the sender owns suppression
// of silence markers and message splitting.
func (s *Supervisor) onChatOut(e events.Event) {
	s.sender.Send(s.deliveryChat(e), e.Text)
}

// onTaskDone settles a terminal task event: release the queue slot and
// the worker, journal the outcome, then apply the per-type follow-ups.
// A nil lookup means the task was already settled; terminal events are
// idempotent.
func (s *Supervisor) onTaskDone(e events.Event) {
	t := s.queue.Finish(e.TaskID)
	s.pool.TaskDone(e.TaskID)

	rec := map[string]any{"kind": e.Kind, "task_id": e.TaskID}
	if e.Reason != "" {
		rec["reason"] = e.Reason
	}
	if t != nil {
		rec["type"] = t.Type
	}
	if err := s.store.AppendJSONL(state.JournalEvents, rec); err != nil {
		slog.Warn("event journal append failed", "error", err)
	}
	if t == nil {
		return
	}

	switch {
	case e.Kind == events.KindTaskComplete && t.Type == queue.TypeEvolution:
		s.refreshHead(s.runCtx)
		set := s.settings()
		s.queue.QueueReviewTask(fmt.Sprintf("evolution task %s finished", shortID(t.ID)),
			false, set.SoftTimeoutSec, set.HardTimeoutSec)
	case e.Kind == events.KindTaskComplete && t.Type == queue.TypeReview:
		s.refreshHead(s.runCtx)
	case e.Kind == events.KindTaskFailed && t.Type != queue.TypeConsciousness:
		s.sender.Send(s.deliveryChat(e),
			fmt.Sprintf("⚠️ Task %s (%s) failed: %s", shortID(t.ID), t.Type, e.Reason))
	}
}

// onTaskRequest enqueues a task a worker asked for (schedule_task tool).
// The worker already stamped id, depth, and parent linkage.
func (s *Supervisor) onTaskRequest(e events.Event) {
	if len(e.TaskJSON) == 0 {
		return
	}
	var t queue.Task
	if err := json.Unmarshal(e.TaskJSON, &t); err != nil {
		slog.Warn("task request decode failed", "error", err)
		return
	}
	if t.ID == "" || t.Prompt == "" {
		slog.Warn("task request missing id or prompt", "task_id", t.ID)
		return
	}
	s.queue.Enqueue(&t)
}

func (s *Supervisor) onLog(e events.Event) {
	if e.Text == "" {
		return
	}
	s.sender.Send(s.deliveryChat(e), e.Text)
}

// agentRestart services a restart_request event inline on the tick: a
// dirty tree refuses the restart, otherwise the process exits with the
// respawn code after the protocol tail runs.
func (s *Supervisor) agentRestart(ctx context.Context, e events.Event) {
	reason := e.Reason
	if reason == "" {
		reason = "unspecified"
	}
	chat := s.deliveryChat(e)
	s.sender.Send(chat, "♻️ Restart requested by agent: "+reason)
	ok, msg := s.repo.SafeRestart(ctx, "agent_restart_request", repo.PolicyRescueAndReset)
	if !ok {
		s.sender.Send(chat, "⚠️ Restart skipped: "+msg)
		return
	}
	s.finishRestart(false)
	s.requestExit(config.RestartExitCode)
}
