// Package tools is the single source of truth for what a task can do:
// the registry of callable tools, their schemas, and the execution path
// every call goes through (hardcoded sandbox check, safety gate,
// timeout, panic containment).
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/events"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/knowledge"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/providers"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/queue"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/repo"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/safety"
)

const defaultTimeoutSec = 120

// Handler executes one tool call. args come straight from the model.
type Handler func(ctx context.Context, tc *TaskContext, args map[string]any) *Result

// Entry describes one callable tool.
type Entry struct {
	Name        string
	Description string
	Schema      map[string]any // JSON-Schema parameters object
	Handler     Handler
	TimeoutSec  int // 0 means defaultTimeoutSec
	IsCodeTool  bool
}

// TaskContext is the per-task environment handlers run in. The agent
// loop refreshes Messages before every call so the safety gate sees the
// live conversation.
type TaskContext struct {
	RepoDir    string
	DataDir    string
	TaskID     string
	TaskType   string
	ChatID     int64
	Depth      int
	DirectChat bool

	// Timeouts inherited by child tasks created via schedule_task.
	SoftTimeoutSec int
	HardTimeoutSec int

	Messages []providers.Message

	// Set by switch_model; the agent loop reads these each turn and
	// clears them when the task ends.
	ModelOverride  string
	EffortOverride string

	// Caps the agent loop for this task when positive. Background
	// reflection runs with a small cap.
	MaxIterations int

	Emit        events.Handler          // event sink; never nil inside a loop
	EnqueueTask func(*queue.Task) bool  // direct enqueue (supervisor process); nil in workers
	Repo        *repo.Manager           // the agent's own tree
	Knowledge   *knowledge.Store        // may be nil when the DB failed to open
	Scratchpad  string                  // SCRATCHPAD.md path
}

// SafetyGate screens risky tool calls before execution.
type SafetyGate interface {
	// Check returns whether the call may proceed, an owner-facing
	// message (violation text when blocked, warning when allowed with
	// reservations, empty otherwise), the verdict label, and any LLM
	// usage the gate itself incurred.
	Check(ctx context.Context, name string, args map[string]any, history []providers.Message) (allowed bool, message, verdict string, usage *providers.Usage)
}

// Registry holds the tools available to a task.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	gate    SafetyGate
}

// NewRegistry builds an empty registry. gate may be nil (tests, or a
// host that runs without the safety models).
func NewRegistry(gate SafetyGate) *Registry {
	return &Registry{entries: make(map[string]*Entry), gate: gate}
}

// Register adds or replaces a tool.
func (r *Registry) Register(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.Name] = e
}

// RegisterAll adds a batch of tools.
func (r *Registry) RegisterAll(entries []*Entry) {
	for _, e := range entries {
		r.Register(e)
	}
}

// Unregister removes a tool. Removing an unknown name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the entry for a name, or nil.
func (r *Registry) Get(name string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// Timeout returns the execution timeout for a tool.
func (r *Registry) Timeout(name string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[name]; ok && e.TimeoutSec > 0 {
		return time.Duration(e.TimeoutSec) * time.Second
	}
	return defaultTimeoutSec * time.Second
}

// Definitions renders the registry as provider tool definitions.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		e := r.entries[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        e.Name,
				Description: e.Description,
				Parameters:  e.Schema,
			},
		})
	}
	r.mu.RUnlock()
	return defs
}

// Execute runs one tool call end to end: unknown-name refusal,
// hardcoded sandbox check, safety gate, per-tool timeout, panic
// containment. The result's Verdict field records the gate outcome.
func (r *Registry) Execute(ctx context.Context, tc *TaskContext, name string, args map[string]any) *Result {
	entry := r.Get(name)
	if entry == nil {
		return ErrorResult(fmt.Sprintf("⚠️ Unknown tool: %s. Available: %s",
			name, strings.Join(r.Names(), ", ")))
	}

	var warning string
	res := &Result{}
	if safety.CheckedTools[name] {
		if msg := staticViolation(args); msg != "" {
			out := ErrorResult(msg)
			out.Verdict = "DANGEROUS"
			return out
		}
		if r.gate != nil {
			allowed, message, verdict, usage := r.gate.Check(ctx, name, args, tc.Messages)
			res.Verdict = verdict
			if usage != nil {
				res.Usage = usage
			}
			if !allowed {
				res.ForLLM = message
				res.IsError = true
				return res
			}
			warning = message
		}
	}

	timeout := time.Duration(entry.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeoutSec * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := r.invoke(callCtx, entry, tc, args)
	if out == nil {
		out = ErrorResult(fmt.Sprintf("⚠️ TOOL_ERROR (%s): handler returned nothing", name))
	}
	out.Verdict = res.Verdict
	if res.Usage != nil {
		if out.Usage == nil {
			out.Usage = res.Usage
		} else {
			out.Usage.Add(*res.Usage)
		}
	}
	if warning != "" {
		out.ForLLM = warning + "\n\n---\n" + out.ForLLM
	}
	return out
}

// invoke runs the handler with panic containment.
func (r *Registry) invoke(ctx context.Context, entry *Entry, tc *TaskContext, args map[string]any) (out *Result) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool handler panicked", "tool", entry.Name, "panic", rec)
			out = ErrorResult(fmt.Sprintf("⚠️ TOOL_ERROR (%s): %v", entry.Name, rec))
		}
	}()
	return entry.Handler(ctx, tc, args)
}

// staticViolation is the hardcoded sandbox: no LLM, non-negotiable.
// Argument text that names the identity file or the safety layer
// together with a delete verb is blocked outright.
func staticViolation(args map[string]any) string {
	blob := strings.ToLower(fmt.Sprintf("%v", args))
	if strings.Contains(blob, "bible.md") || strings.Contains(blob, "safety.") {
		if strings.Contains(blob, "rm ") || strings.Contains(blob, "delete") || strings.Contains(blob, "trash") {
			return "⚠️ CRITICAL SAFETY_VIOLATION: Hardcoded sandbox prevents deletion or modification of BIBLE.md and the safety layer."
		}
	}
	return ""
}

// stringArg extracts a string argument, tolerating missing keys.
func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// intArg extracts an integer argument; JSON numbers arrive as float64.
func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}
