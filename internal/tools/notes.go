package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/fslock"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/knowledge"
)

// NoteTools returns the memory entries: the scratchpad (short-term,
// lives in the repo) and the knowledge store (long-term, SQLite).
func NoteTools() []*Entry {
	return []*Entry{
		{
			Name: "update_scratchpad",
			Description: "Replace SCRATCHPAD.md with new content. Use it for your current " +
				"train of thought; it is loaded into every system prompt.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"content": map[string]any{
						"type":        "string",
						"description": "Full new scratchpad content",
					},
				},
				"required": []string{"content"},
			},
			Handler: updateScratchpad,
		},
		{
			Name: "knowledge_write",
			Description: "Store a durable note under a topic. Overwrites any existing note " +
				"for that topic. Use short kebab-case topics.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"topic": map[string]any{
						"type":        "string",
						"description": "Topic key, e.g. deploy-checklist",
					},
					"body": map[string]any{
						"type":        "string",
						"description": "Note content",
					},
				},
				"required": []string{"topic", "body"},
			},
			Handler: knowledgeWrite,
		},
		{
			Name: "knowledge_read",
			Description: "Read notes. With a topic, returns that note; with a query, " +
				"searches topics and bodies; with neither, lists all topics.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"topic": map[string]any{
						"type":        "string",
						"description": "Exact topic to read",
					},
					"query": map[string]any{
						"type":        "string",
						"description": "Substring to search for",
					},
				},
			},
			Handler: knowledgeRead,
		},
	}
}

func updateScratchpad(ctx context.Context, tc *TaskContext, args map[string]any) *Result {
	content, ok := args["content"].(string)
	if !ok {
		return ErrorResult("⚠️ TOOL_ARG_ERROR (update_scratchpad): content is required")
	}
	if tc.Scratchpad == "" {
		return ErrorResult("⚠️ TOOL_ERROR (update_scratchpad): scratchpad path not configured")
	}
	if err := fslock.WriteAtomic(tc.Scratchpad, []byte(content)); err != nil {
		return ErrorResult(fmt.Sprintf("⚠️ TOOL_ERROR (update_scratchpad): %v", err))
	}
	return SilentResult(fmt.Sprintf("Scratchpad updated (%d bytes).", len(content)))
}

func knowledgeWrite(ctx context.Context, tc *TaskContext, args map[string]any) *Result {
	if tc.Knowledge == nil {
		return ErrorResult("⚠️ TOOL_ERROR (knowledge_write): knowledge store unavailable")
	}
	topic := strings.TrimSpace(stringArg(args, "topic"))
	body := stringArg(args, "body")
	if topic == "" || body == "" {
		return ErrorResult("⚠️ TOOL_ARG_ERROR (knowledge_write): topic and body are required")
	}
	if err := tc.Knowledge.Put(ctx, topic, body); err != nil {
		return ErrorResult(fmt.Sprintf("⚠️ TOOL_ERROR (knowledge_write): %v", err))
	}
	return SilentResult(fmt.Sprintf("Stored note %q.", topic))
}

func knowledgeRead(ctx context.Context, tc *TaskContext, args map[string]any) *Result {
	if tc.Knowledge == nil {
		return ErrorResult("⚠️ TOOL_ERROR (knowledge_read): knowledge store unavailable")
	}
	topic := strings.TrimSpace(stringArg(args, "topic"))
	query := strings.TrimSpace(stringArg(args, "query"))

	switch {
	case topic != "":
		note, err := tc.Knowledge.Get(ctx, topic)
		if errors.Is(err, knowledge.ErrNotFound) {
			return SilentResult(fmt.Sprintf("No note under %q.", topic))
		}
		if err != nil {
			return ErrorResult(fmt.Sprintf("⚠️ TOOL_ERROR (knowledge_read): %v", err))
		}
		return SilentResult(fmt.Sprintf("# %s (updated %s)\n\n%s", note.Topic, note.UpdatedAt, note.Body))

	case query != "":
		hits, err := tc.Knowledge.Search(ctx, query, 10)
		if err != nil {
			return ErrorResult(fmt.Sprintf("⚠️ TOOL_ERROR (knowledge_read): %v", err))
		}
		if len(hits) == 0 {
			return SilentResult(fmt.Sprintf("No notes match %q.", query))
		}
		var b strings.Builder
		for _, n := range hits {
			fmt.Fprintf(&b, "# %s (updated %s)\n%s\n\n", n.Topic, n.UpdatedAt, n.Body)
		}
		return SilentResult(strings.TrimSpace(b.String()))

	default:
		topics, err := tc.Knowledge.List(ctx)
		if err != nil {
			return ErrorResult(fmt.Sprintf("⚠️ TOOL_ERROR (knowledge_read): %v", err))
		}
		if len(topics) == 0 {
			return SilentResult("Knowledge store is empty.")
		}
		return SilentResult("Topics: " + strings.Join(topics, ", "))
	}
}
