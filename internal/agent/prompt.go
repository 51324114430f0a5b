package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/tools"
)

// scratchpadLimit caps how much of the scratchpad goes into the system
// prompt; the newest notes sit at the end, so the tail is kept.
const scratchpadLimit = 6000

const missingIdentity = "You are Ouroboros, a self-evolving agent. " +
	"Your identity file BIBLE.md is missing; proceed carefully and restore it."

// BuildSystemPrompt assembles the system prompt for one run: the
// identity file, operational context, the scratchpad tail, and the
// knowledge topic index.
func BuildSystemPrompt(tc *tools.TaskContext) string {
	var b strings.Builder

	bible := readFileOr(filepath.Join(tc.RepoDir, "BIBLE.md"), missingIdentity)
	b.WriteString(strings.TrimSpace(bible))

	b.WriteString("\n\n## Operational context\n")
	fmt.Fprintf(&b, "- Repository: %s\n", tc.RepoDir)
	if tc.TaskType != "" {
		fmt.Fprintf(&b, "- Task type: %s\n", tc.TaskType)
	}
	if tc.Depth > 0 {
		fmt.Fprintf(&b, "- Task depth: %d\n", tc.Depth)
	}
	fmt.Fprintf(&b, "- Time (UTC): %s\n", time.Now().UTC().Format(time.RFC3339))

	if tc.Scratchpad != "" {
		if body := strings.TrimSpace(readFileOr(tc.Scratchpad, "")); body != "" {
			b.WriteString("\n## Scratchpad\n")
			b.WriteString(tailClip(body, scratchpadLimit))
			b.WriteString("\n")
		}
	}

	if tc.Knowledge != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		topics, err := tc.Knowledge.List(ctx)
		cancel()
		if err == nil && len(topics) > 0 {
			b.WriteString("\n## Knowledge topics\n")
			b.WriteString(strings.Join(topics, ", "))
			b.WriteString("\nUse knowledge_read to load any of them.\n")
		}
	}

	return b.String()
}

func readFileOr(path, fallback string) string {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return fallback
	}
	return string(data)
}

// tailClip keeps the last max bytes of s, marking the cut.
func tailClip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return "…(older notes trimmed)\n" + s[len(s)-max:]
}
