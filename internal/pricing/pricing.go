// Package pricing provides the per-model token price table used to compute
// raw USD cost for provider calls that do not report cost themselves.
//
// Prices are per 1M tokens and must be kept in sync with each provider's
// published pricing. Lookup matches the longest known model-name substring
// and falls back to a default tier when nothing matches.
package pricing

import "strings"

// ModelPricing defines per-1M token pricing for a model.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// Table maps model-name substrings to pricing tiers.
type Table struct {
	models      map[string]ModelPricing
	defaultTier ModelPricing
}

// Default returns the built-in price table.
func Default() *Table {
	return &Table{
		models: map[string]ModelPricing{
			"claude-opus":     {InputPer1M: 15.00, OutputPer1M: 75.00},
			"claude-sonnet":   {InputPer1M: 3.00, OutputPer1M: 15.00},
			"claude-haiku":    {InputPer1M: 0.25, OutputPer1M: 1.25},
			"gpt-5":           {InputPer1M: 5.00, OutputPer1M: 15.00},
			"gpt-4o":          {InputPer1M: 2.50, OutputPer1M: 10.00},
			"gpt-4o-mini":     {InputPer1M: 0.15, OutputPer1M: 0.60},
			"gemini-2.5-pro":  {InputPer1M: 1.25, OutputPer1M: 10.00},
			"gemini-2.5-flash": {InputPer1M: 0.30, OutputPer1M: 2.50},
			"gemini-flash":    {InputPer1M: 0.30, OutputPer1M: 2.50},
			"llama":           {InputPer1M: 0.0, OutputPer1M: 0.0},
			"qwen":            {InputPer1M: 0.0, OutputPer1M: 0.0},
		},
		defaultTier: ModelPricing{InputPer1M: 3.00, OutputPer1M: 15.00},
	}
}

// Lookup returns the pricing tier for a model name. The longest map key that
// is a substring of the model name wins; unknown models get the default tier.
func (t *Table) Lookup(model string) ModelPricing {
	model = strings.ToLower(model)
	best := ""
	for key := range t.models {
		if strings.Contains(model, key) && len(key) > len(best) {
			best = key
		}
	}
	if best == "" {
		return t.defaultTier
	}
	return t.models[best]
}

// Cost computes the raw USD cost for a call against a model.
func (t *Table) Cost(model string, inputTokens, outputTokens int) float64 {
	p := t.Lookup(model)
	return float64(inputTokens)/1_000_000*p.InputPer1M +
		float64(outputTokens)/1_000_000*p.OutputPer1M
}
