// Package agent runs one task against the LLM: think → act → observe
// until the model stops calling tools or the iteration cap is hit. The
// same loop serves pool workers and the resident chat agent.
package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/events"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/providers"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/queue"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/tools"
)

var tracer = otel.Tracer("ouroboros/agent")

const defaultMaxIterations = 40

const wrapUpNotice = "⚠️ You were interrupted (timeout or shutdown). Wrap up now: " +
	"briefly state what you completed and what remains, then stop."

const interruptedToolNote = "⚠️ Interrupted before execution. Wrap up now."

// BudgetFunc reports whether the task may keep spending. A non-nil
// error refuses the next LLM call; its text is surfaced to the owner.
type BudgetFunc func() error

// Config wires a Loop.
type Config struct {
	Client        providers.Client
	Registry      *tools.Registry
	Model         string
	Effort        string
	MaxIterations int // 0 means the default cap
	Budget        BudgetFunc
}

// Loop executes tasks. One Loop handles one task at a time; the resident
// chat agent keeps a single Loop alive across owner messages.
type Loop struct {
	client        providers.Client
	registry      *tools.Registry
	model         string
	effort        string
	maxIterations int
	budget        BudgetFunc

	busy        atomic.Bool
	interrupted atomic.Bool

	mu       sync.Mutex
	injected []string
}

// New builds a Loop.
func New(cfg Config) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	return &Loop{
		client:        cfg.Client,
		registry:      cfg.Registry,
		model:         cfg.Model,
		effort:        cfg.Effort,
		maxIterations: cfg.MaxIterations,
		budget:        cfg.Budget,
	}
}

// Busy reports whether a run is in flight.
func (l *Loop) Busy() bool { return l.busy.Load() }

// Inject queues text to be fed into the live conversation as a user
// message at the next turn boundary.
func (l *Loop) Inject(text string) {
	l.mu.Lock()
	l.injected = append(l.injected, text)
	l.mu.Unlock()
}

// Interrupt asks the run to wrap up. It is honored between LLM turns
// and between tool calls; in-flight calls are never aborted.
func (l *Loop) Interrupt() { l.interrupted.Store(true) }

func (l *Loop) drainInjected() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.injected) == 0 {
		return nil
	}
	out := l.injected
	l.injected = nil
	return out
}

// RunResult is the outcome of one completed task run.
type RunResult struct {
	Content    string
	Iterations int
	Usage      providers.Usage
}

// Run executes the task to completion. history carries the resident chat
// transcript and is nil for pool tasks. Terminal events (task_complete,
// task_failed, chat_out) are emitted through tc.Emit; the returned error
// mirrors the failure for callers that want it.
func (l *Loop) Run(ctx context.Context, task *queue.Task, tc *tools.TaskContext, history []providers.Message) (*RunResult, error) {
	l.busy.Store(true)
	defer l.busy.Store(false)
	l.interrupted.Store(false)

	ctx, span := tracer.Start(ctx, "agent.task",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.type", task.Type),
			attribute.Int("task.depth", task.Depth),
		))
	defer span.End()

	messages := make([]providers.Message, 0, len(history)+2)
	messages = append(messages, providers.Message{Role: "system", Content: BuildSystemPrompt(tc)})
	messages = append(messages, history...)
	messages = append(messages, providers.Message{Role: "user", Content: task.Prompt})

	maxIter := l.maxIterations
	if tc.MaxIterations > 0 && tc.MaxIterations < maxIter {
		maxIter = tc.MaxIterations
	}

	var total providers.Usage
	iterations := 0
	final := ""
	sawFinal := false
	wrappingUp := false

	for iterations < maxIter {
		iterations++

		for _, text := range l.drainInjected() {
			messages = append(messages, providers.Message{Role: "user", Content: text})
		}
		if l.interrupted.Load() && !wrappingUp {
			messages = append(messages, providers.Message{Role: "user", Content: wrapUpNotice})
			wrappingUp = true
		}
		if err := l.checkBudget(); err != nil {
			l.emitFailed(tc, task, "budget")
			span.SetStatus(codes.Error, "budget exhausted")
			return nil, fmt.Errorf("agent: budget refused: %w", err)
		}

		model, effort := l.effectiveModel(tc)
		req := providers.ChatRequest{Model: model, Effort: effort, Messages: messages}
		if !wrappingUp {
			req.Tools = l.registry.Definitions()
		}

		resp, err := l.chatTurn(ctx, iterations, req)
		if err != nil {
			l.emitFailed(tc, task, "llm_error")
			span.RecordError(err)
			span.SetStatus(codes.Error, "llm call failed")
			return nil, fmt.Errorf("agent: llm call failed (iteration %d): %w", iterations, err)
		}
		total.Add(resp.Usage)
		l.emitUsage(tc, task, model, resp.Usage)

		if len(resp.ToolCalls) == 0 {
			final = resp.Content
			sawFinal = true
			break
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		if strings.TrimSpace(resp.Content) != "" {
			l.emitProgress(tc, task, resp.Content)
		}

		for _, call := range resp.ToolCalls {
			if l.interrupted.Load() && !wrappingUp {
				// Remaining calls in this batch get a refusal so every
				// tool_call id still has a result message.
				messages = append(messages, providers.Message{
					Role: "tool", Content: interruptedToolNote, ToolCallID: call.ID,
				})
				continue
			}
			tc.Messages = messages
			res := l.execTool(ctx, tc, task, call)
			messages = append(messages, providers.Message{
				Role: "tool", Content: res.ForLLM, ToolCallID: call.ID,
			})
			if res.Usage != nil {
				total.Add(*res.Usage)
			}
		}
	}

	final = SanitizeFinal(final)
	if !sawFinal && final == "" {
		final = "⚠️ Reached the iteration limit without a final answer."
	}

	if final != "" && !IsSilent(final) {
		out := events.New(events.KindChatOut)
		out.TaskID = task.ID
		out.ChatID = task.ChatID
		out.Text = final
		tc.Emit(out)
	}

	done := events.New(events.KindTaskComplete)
	done.TaskID = task.ID
	done.ChatID = task.ChatID
	done.Result = final
	tc.Emit(done)

	span.SetAttributes(attribute.Int("agent.iterations", iterations))
	return &RunResult{Content: final, Iterations: iterations, Usage: total}, nil
}

// chatTurn wraps one provider call in a span.
func (l *Loop) chatTurn(ctx context.Context, iteration int, req providers.ChatRequest) (*providers.ChatResponse, error) {
	ctx, span := tracer.Start(ctx, "agent.llm",
		trace.WithAttributes(
			attribute.String("llm.model", req.Model),
			attribute.Int("llm.iteration", iteration),
		))
	defer span.End()
	resp, err := l.client.Chat(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("llm.completion_tokens", resp.Usage.CompletionTokens),
		attribute.Int("llm.tool_calls", len(resp.ToolCalls)),
	)
	return resp, nil
}

// execTool runs one tool call and emits its records.
func (l *Loop) execTool(ctx context.Context, tc *tools.TaskContext, task *queue.Task, call providers.ToolCall) *tools.Result {
	ctx, span := tracer.Start(ctx, "agent.tool",
		trace.WithAttributes(attribute.String("tool.name", call.Name)))
	defer span.End()

	res := l.registry.Execute(ctx, tc, call.Name, call.Arguments)

	ev := events.New(events.KindToolCall)
	ev.TaskID = task.ID
	ev.Tool = call.Name
	ev.Args = call.Arguments
	ev.Verdict = res.Verdict
	ev.Result = truncate(res.ForLLM, 500)
	tc.Emit(ev)

	if res.Usage != nil {
		uev := events.New(events.KindLLMUsage)
		uev.TaskID = task.ID
		uev.Model = "tool:" + call.Name
		uev.Usage = res.Usage
		tc.Emit(uev)
	}
	if res.ForUser != "" && !res.Silent {
		cev := events.New(events.KindChatOut)
		cev.TaskID = task.ID
		cev.ChatID = task.ChatID
		cev.Text = res.ForUser
		tc.Emit(cev)
	}

	span.SetAttributes(
		attribute.Bool("tool.error", res.IsError),
		attribute.String("tool.verdict", res.Verdict),
	)
	if res.IsError {
		span.SetStatus(codes.Error, truncate(res.ForLLM, 200))
	}
	return res
}

func (l *Loop) checkBudget() error {
	if l.budget == nil {
		return nil
	}
	return l.budget()
}

// effectiveModel applies switch_model overrides for the current task.
func (l *Loop) effectiveModel(tc *tools.TaskContext) (string, string) {
	model, effort := l.model, l.effort
	if tc.ModelOverride != "" {
		model = tc.ModelOverride
	}
	if tc.EffortOverride != "" {
		effort = tc.EffortOverride
	}
	return model, effort
}

func (l *Loop) emitUsage(tc *tools.TaskContext, task *queue.Task, model string, usage providers.Usage) {
	ev := events.New(events.KindLLMUsage)
	ev.TaskID = task.ID
	ev.Model = model
	ev.Usage = &usage
	tc.Emit(ev)
}

func (l *Loop) emitProgress(tc *tools.TaskContext, task *queue.Task, text string) {
	ev := events.New(events.KindProgress)
	ev.TaskID = task.ID
	ev.ChatID = task.ChatID
	ev.Text = text
	tc.Emit(ev)
}

func (l *Loop) emitFailed(tc *tools.TaskContext, task *queue.Task, reason string) {
	ev := events.New(events.KindTaskFailed)
	ev.TaskID = task.ID
	ev.ChatID = task.ChatID
	ev.Reason = reason
	tc.Emit(ev)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
