package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/events"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/providers"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/queue"
)

// ControlTools returns the entries that steer the host rather than the
// working tree: owner messaging, model switching, restarts, child
// tasks, and stable promotion.
func ControlTools() []*Entry {
	return []*Entry{
		{
			Name:        "send_owner_message",
			Description: "Send a message to your owner immediately, without waiting for the task to finish.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{
						"type":        "string",
						"description": "Message text",
					},
				},
				"required": []string{"text"},
			},
			Handler: sendOwnerMessage,
		},
		{
			Name: "switch_model",
			Description: "Switch the model and/or reasoning effort for the rest of this task. " +
				"Use a roster alias (main, code, light, fallback) or a full model id.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"model": map[string]any{
						"type":        "string",
						"description": "Roster alias or full model id; empty keeps the current model",
					},
					"effort": map[string]any{
						"type":        "string",
						"enum":        []string{"none", "minimal", "low", "medium", "high", "xhigh"},
						"description": "Reasoning effort; empty keeps the current effort",
					},
				},
			},
			Handler: switchModel,
		},
		{
			Name: "request_restart",
			Description: "Ask the supervisor to restart the host onto the current code. " +
				"Unsynced work is rescued to a timestamped ref first.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{
						"type":        "string",
						"description": "Why the restart is needed",
					},
				},
				"required": []string{"reason"},
			},
			Handler: requestRestart,
		},
		{
			Name: "schedule_task",
			Description: "Enqueue a follow-up task to run in the background. " +
				"Child tasks run at scheduled priority and inherit your chat.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prompt": map[string]any{
						"type":        "string",
						"description": "Instruction for the child task",
					},
					"priority": map[string]any{
						"type":        "integer",
						"description": "Optional priority override (higher runs first)",
					},
				},
				"required": []string{"prompt"},
			},
			Handler: scheduleTask,
		},
		{
			Name: "promote_to_stable",
			Description: "Fast-forward the stable branch to the current dev head. " +
				"Only do this after a review has passed.",
			Schema:  map[string]any{"type": "object", "properties": map[string]any{}},
			Handler: promoteToStable,
		},
	}
}

func sendOwnerMessage(ctx context.Context, tc *TaskContext, args map[string]any) *Result {
	text := strings.TrimSpace(stringArg(args, "text"))
	if text == "" {
		return ErrorResult("⚠️ TOOL_ARG_ERROR (send_owner_message): text is required")
	}
	e := events.New(events.KindChatOut)
	e.TaskID = tc.TaskID
	e.ChatID = tc.ChatID
	e.Text = text
	tc.Emit(e)
	return SilentResult("Message sent to owner.")
}

func switchModel(ctx context.Context, tc *TaskContext, args map[string]any) *Result {
	model := strings.TrimSpace(stringArg(args, "model"))
	effort := strings.TrimSpace(stringArg(args, "effort"))
	if model == "" && effort == "" {
		return ErrorResult("⚠️ TOOL_ARG_ERROR (switch_model): provide model and/or effort")
	}
	var changed []string
	if model != "" {
		tc.ModelOverride = model
		changed = append(changed, "model → "+model)
	}
	if effort != "" {
		normalized := providers.NormalizeEffort(effort)
		tc.EffortOverride = normalized
		changed = append(changed, "effort → "+normalized)
	}
	return SilentResult("Switched for the rest of this task: " + strings.Join(changed, ", "))
}

func requestRestart(ctx context.Context, tc *TaskContext, args map[string]any) *Result {
	reason := strings.TrimSpace(stringArg(args, "reason"))
	if reason == "" {
		return ErrorResult("⚠️ TOOL_ARG_ERROR (request_restart): reason is required")
	}
	e := events.New(events.KindRestartRequest)
	e.TaskID = tc.TaskID
	e.Reason = reason
	tc.Emit(e)
	return SilentResult("Restart requested. The supervisor decides; keep your remaining output short.")
}

func scheduleTask(ctx context.Context, tc *TaskContext, args map[string]any) *Result {
	prompt := strings.TrimSpace(stringArg(args, "prompt"))
	if prompt == "" {
		return ErrorResult("⚠️ TOOL_ARG_ERROR (schedule_task): prompt is required")
	}
	if tc.Depth+1 > queue.MaxDepth {
		return ErrorResult(fmt.Sprintf("⚠️ TOOL_ERROR (schedule_task): depth limit reached (%d); finish this task instead of forking further", queue.MaxDepth))
	}

	parent := &queue.Task{
		ID:             tc.TaskID,
		ChatID:         tc.ChatID,
		Depth:          tc.Depth,
		SoftTimeoutSec: tc.SoftTimeoutSec,
		HardTimeoutSec: tc.HardTimeoutSec,
	}
	child := parent.Child(queue.TypeScheduled, prompt)
	if p := intArg(args, "priority", 0); p > 0 {
		child.Priority = p
	}

	if tc.EnqueueTask != nil {
		if !tc.EnqueueTask(child) {
			return ErrorResult("⚠️ TOOL_ERROR (schedule_task): duplicate task id refused")
		}
	} else {
		raw, err := json.Marshal(child)
		if err != nil {
			return ErrorResult(fmt.Sprintf("⚠️ TOOL_ERROR (schedule_task): %v", err))
		}
		e := events.New(events.KindTaskRequest)
		e.TaskID = tc.TaskID
		e.TaskJSON = raw
		tc.Emit(e)
	}
	return SilentResult(fmt.Sprintf("Scheduled task %s (depth %d).", child.ID, child.Depth))
}

func promoteToStable(ctx context.Context, tc *TaskContext, args map[string]any) *Result {
	if tc.Repo == nil {
		return ErrorResult("⚠️ TOOL_ERROR (promote_to_stable): repository unavailable")
	}
	msg, err := tc.Repo.PromoteToStable(ctx)
	if err != nil {
		return ErrorResult(fmt.Sprintf("⚠️ TOOL_ERROR (promote_to_stable): %v", err))
	}
	return UserResult("🧬 Promoted: " + msg)
}
