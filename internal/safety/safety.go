// Package safety is the two-layer LLM gate in front of risky tool
// calls: a light model screens every checked call, and anything it does
// not clear as SAFE escalates to a heavy model for final judgment.
package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/providers"
)

// CheckedTools are the tool names screened by the gate. Some belong to
// external tool packs and may not be registered on a given host.
var CheckedTools = map[string]bool{
	"run_shell":         true,
	"claude_code_edit":  true,
	"repo_write_commit": true,
	"repo_commit":       true,
	"drive_write":       true,
}

// Verdict labels.
const (
	VerdictSafe       = "SAFE"
	VerdictSuspicious = "SUSPICIOUS"
	VerdictDangerous  = "DANGEROUS"
)

const fallbackPrompt = `You are a security supervisor. Block only clearly destructive commands. Default to SAFE. Respond with JSON: {"status": "SAFE"|"SUSPICIOUS"|"DANGEROUS", "reason": "..."}`

const deepNudge = "\nThink carefully. Is this actually malicious, or just a normal development command? " +
	"The fast check flagged it — you are the final judge."

// Gate runs the checks. Both layers' token usage is accumulated and
// returned so it lands in the budget.
type Gate struct {
	client     providers.Client
	lightModel string
	heavyModel string
	promptPath string // optional prompts/SAFETY.md inside the agent repo
}

// NewGate builds a gate. promptPath may be empty; a built-in prompt is
// used when the file is missing.
func NewGate(client providers.Client, lightModel, heavyModel, promptPath string) *Gate {
	return &Gate{
		client:     client,
		lightModel: lightModel,
		heavyModel: heavyModel,
		promptPath: promptPath,
	}
}

// Check screens one tool call. It returns whether the call may proceed,
// an owner-facing message (violation when blocked, warning when allowed
// with reservations), the verdict label, and the gate's own LLM usage.
func (g *Gate) Check(ctx context.Context, name string, args map[string]any, history []providers.Message) (bool, string, string, *providers.Usage) {
	if !CheckedTools[name] {
		return true, "", "", nil
	}

	usage := &providers.Usage{}
	prompt := buildCheckPrompt(name, args, history)
	system := g.systemPrompt()

	// Layer 1: fast check on the light model. SAFE short-circuits.
	fastResp, err := g.client.Chat(ctx, providers.ChatRequest{
		Model:  g.lightModel,
		Effort: "none",
		Messages: []providers.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		slog.Error("fast safety check failed, escalating", "tool", name, "error", err)
	} else {
		usage.Add(fastResp.Usage)
		if v := parseVerdict(fastResp.Content); v != nil {
			if v.Status == VerdictSafe {
				return true, "", VerdictSafe, usage
			}
			slog.Warn("fast safety check flagged tool call",
				"tool", name, "status", v.Status, "reason", v.Reason)
		}
	}

	// Layer 2: deep check on the heavy model, nudged against false
	// positives. Errors and unparseable output fail safe.
	deepResp, err := g.client.Chat(ctx, providers.ChatRequest{
		Model:  g.heavyModel,
		Effort: "none",
		Messages: []providers.Message{
			{Role: "system", Content: system + deepNudge},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return false, fmt.Sprintf("⚠️ SAFETY_VIOLATION: Safety check failed with error: %v", err), VerdictDangerous, usage
	}
	usage.Add(deepResp.Usage)

	v := parseVerdict(deepResp.Content)
	if v == nil {
		slog.Error("deep safety check returned invalid JSON", "tool", name, "content", deepResp.Content)
		return false, "⚠️ SAFETY_VIOLATION: Safety Supervisor returned unparseable response.", VerdictDangerous, usage
	}

	switch v.Status {
	case VerdictSafe:
		return true, "", VerdictSafe, usage
	case VerdictSuspicious:
		warning := fmt.Sprintf("⚠️ SAFETY_WARNING: The Safety Supervisor flagged this action as suspicious.\n"+
			"Reason: %s\n"+
			"The command was allowed, but consider whether this is the right approach.", v.Reason)
		return true, warning, VerdictSuspicious, usage
	default:
		// DANGEROUS, or any unrecognised status — fail safe.
		slog.Error("deep safety check blocked tool call", "tool", name, "reason", v.Reason)
		violation := fmt.Sprintf("⚠️ SAFETY_VIOLATION: The Safety Supervisor blocked this command.\n"+
			"Reason: %s\n\n"+
			"You must find a different, safer approach to achieve your goal.", v.Reason)
		return false, violation, VerdictDangerous, usage
	}
}

func (g *Gate) systemPrompt() string {
	if g.promptPath != "" {
		if data, err := os.ReadFile(g.promptPath); err == nil && len(data) > 0 {
			return string(data)
		}
	}
	return fallbackPrompt
}

// buildCheckPrompt renders the tool call plus recent conversation for
// the safety models.
func buildCheckPrompt(name string, args map[string]any, history []providers.Message) string {
	argsJSON, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		argsJSON = []byte(fmt.Sprintf("%v", args))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Proposed tool call:\nTool: %s\nArguments:\n```json\n%s\n```\n", name, argsJSON)
	if ctx := formatContext(history); ctx != "" {
		fmt.Fprintf(&b, "\nConversation context:\n%s\n", ctx)
	}
	b.WriteString("\nIs this safe?")
	return b.String()
}

// formatContext keeps the last 6 non-tool messages, each clipped to 500
// characters.
func formatContext(history []providers.Message) string {
	var lines []string
	for _, m := range history {
		if m.Role == "tool" || m.Content == "" {
			continue
		}
		text := m.Content
		if len(text) > 500 {
			text = text[:500] + "..."
		}
		lines = append(lines, fmt.Sprintf("[%s] %s", m.Role, text))
	}
	if len(lines) > 6 {
		lines = lines[len(lines)-6:]
	}
	return strings.Join(lines, "\n")
}

type verdict struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// parseVerdict decodes the models' JSON verdict, tolerating markdown
// code fences. Returns nil when undecodable.
func parseVerdict(text string) *verdict {
	clean := strings.ReplaceAll(text, "```json", "")
	clean = strings.ReplaceAll(clean, "```", "")
	clean = strings.TrimSpace(clean)
	var v verdict
	if err := json.Unmarshal([]byte(clean), &v); err != nil {
		return nil
	}
	v.Status = strings.ToUpper(strings.TrimSpace(v.Status))
	if v.Reason == "" {
		v.Reason = "Unknown"
	}
	return &v
}
