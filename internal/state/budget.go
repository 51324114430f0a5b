package state

import "github.com/wationgarbarad-glitch/ouroboros-desktop/internal/providers"

// ModelPricing holds USD rates per one million tokens. Cached prompt tokens
// bill at the cached rate and are subtracted from prompt tokens first.
type ModelPricing struct {
	InputPerMillion  float64
	CachedPerMillion float64
	OutputPerMillion float64
}

// defaultPricing covers the model families the roster defaults to. Unknown
// models fall back to the "" row.
var defaultPricing = map[string]ModelPricing{
	"anthropic/claude-sonnet-4.6":    {InputPerMillion: 3.00, CachedPerMillion: 0.30, OutputPerMillion: 15.00},
	"anthropic/claude-opus-4.1":      {InputPerMillion: 15.00, CachedPerMillion: 1.50, OutputPerMillion: 75.00},
	"anthropic/claude-haiku-4.5":     {InputPerMillion: 1.00, CachedPerMillion: 0.10, OutputPerMillion: 5.00},
	"google/gemini-3-flash-preview":  {InputPerMillion: 0.30, CachedPerMillion: 0.03, OutputPerMillion: 2.50},
	"google/gemini-2.5-pro":          {InputPerMillion: 1.25, CachedPerMillion: 0.125, OutputPerMillion: 10.00},
	"openai/gpt-5.2":                 {InputPerMillion: 1.25, CachedPerMillion: 0.125, OutputPerMillion: 10.00},
	"openai/gpt-5-mini":              {InputPerMillion: 0.25, CachedPerMillion: 0.025, OutputPerMillion: 2.00},
	"deepseek/deepseek-chat-v3-0324": {InputPerMillion: 0.27, CachedPerMillion: 0.07, OutputPerMillion: 1.10},
	"": {InputPerMillion: 1.00, CachedPerMillion: 0.10, OutputPerMillion: 4.00},
}

// Pricer computes per-call USD cost, preferring the cost the provider
// reported and falling back to the table.
type Pricer struct {
	table map[string]ModelPricing
}

// NewPricer merges overrides on top of the default table.
func NewPricer(overrides map[string]ModelPricing) *Pricer {
	table := make(map[string]ModelPricing, len(defaultPricing)+len(overrides))
	for k, v := range defaultPricing {
		table[k] = v
	}
	for k, v := range overrides {
		table[k] = v
	}
	return &Pricer{table: table}
}

// Cost returns the USD cost of one usage record.
func (p *Pricer) Cost(model string, u providers.Usage) float64 {
	if u.Cost > 0 {
		return u.Cost
	}
	pricing, ok := p.table[model]
	if !ok {
		pricing = p.table[""]
	}
	prompt := u.PromptTokens - u.CachedTokens
	if prompt < 0 {
		prompt = 0
	}
	cost := float64(prompt) * pricing.InputPerMillion / 1e6
	cost += float64(u.CachedTokens) * pricing.CachedPerMillion / 1e6
	cost += float64(u.CompletionTokens) * pricing.OutputPerMillion / 1e6
	return cost
}
