package tools

import "github.com/wationgarbarad-glitch/ouroboros-desktop/internal/providers"

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"for_llm"`            // content fed back to the model
	ForUser string `json:"for_user,omitempty"` // content forwarded to the owner
	Silent  bool   `json:"silent"`             // suppress owner notification
	IsError bool   `json:"is_error"`           // marks a failed invocation
	Err     error  `json:"-"`                  // internal error (not serialized)

	// Usage holds token usage from tools that make their own LLM calls
	// (the safety gate). The agent loop folds it into the budget.
	Usage *providers.Usage `json:"-"`

	// Verdict is the safety gate outcome for checked tools
	// (SAFE/SUSPICIOUS/DANGEROUS), recorded on tool_call events.
	Verdict string `json:"-"`
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func SilentResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM, Silent: true}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func UserResult(content string) *Result {
	return &Result{ForLLM: content, ForUser: content}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}

func (r *Result) WithUsage(u *providers.Usage) *Result {
	r.Usage = u
	return r
}
