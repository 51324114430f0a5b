// Package providers holds the LLM client: wire types, the OpenRouter-style
// chat-completions implementation, and transient-error retry.
package providers

import "context"

// Client is the capability the agent loop and safety gate consume.
type Client interface {
	// Chat performs one completion call. Implementations retry transient
	// failures internally; a returned error is terminal for this turn.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Name() string
}

// Message is one conversation entry in provider wire order.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition advertises one callable tool to the model.
type ToolDefinition struct {
	Type     string             `json:"type"`
	Function ToolFunctionSchema `json:"function"`
}

// ToolFunctionSchema is the JSON-schema body of a tool definition.
type ToolFunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatRequest is a single completion call.
type ChatRequest struct {
	Model      string
	Messages   []Message
	Tools      []ToolDefinition
	MaxTokens  int
	Effort     string // reasoning effort: none|minimal|low|medium|high|xhigh
	ToolChoice string // "" means auto when tools are present
}

// ChatResponse is the parsed completion.
type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// Usage is the token/cost accounting for one call. Cost is the provider's
// reported USD figure when available; zero means "price from the table".
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CachedTokens     int     `json:"cached_tokens"`
	Cost             float64 `json:"cost"`
}

// Add folds another usage record into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.CachedTokens += other.CachedTokens
	u.Cost += other.Cost
}

// Reasoning effort tiers in ascending order.
var effortRank = map[string]int{
	"none":    0,
	"minimal": 1,
	"low":     2,
	"medium":  3,
	"high":    4,
	"xhigh":   5,
}

// NormalizeEffort maps arbitrary input to a known tier, defaulting to medium.
func NormalizeEffort(effort string) string {
	if _, ok := effortRank[effort]; ok {
		return effort
	}
	return "medium"
}

// EffortRank orders tiers for comparison; unknown tiers rank as medium.
func EffortRank(effort string) int {
	if r, ok := effortRank[effort]; ok {
		return r
	}
	return effortRank["medium"]
}
