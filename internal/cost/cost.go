// Package cost computes USD cost for LLM token usage given per-model
// pricing expressed in dollars per million tokens.
package cost

// Pricing holds a model's token rates in USD per million tokens.
type Pricing struct {
	Input  float64 `json:"input" yaml:"input"`
	Cached float64 `json:"cached" yaml:"cached"`
	Output float64 `json:"output" yaml:"output"`
}

// Usage is one model attempt's token consumption.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	CachedTokens int64 `json:"cached_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

const tokensPerPriceUnit = 1_000_000

// Calc returns the cost of one usage entry under the given pricing.
func Calc(u Usage, p Pricing) float64 {
	return (float64(u.InputTokens)*p.Input +
		float64(u.CachedTokens)*p.Cached +
		float64(u.OutputTokens)*p.Output) / tokensPerPriceUnit
}

// Total sums the cost of a usage trail. Entries for models without
// pricing contribute zero.
func Total(entries []Usage, pricing []Pricing) float64 {
	total := 0.0
	for i, u := range entries {
		if i < len(pricing) {
			total += Calc(u, pricing[i])
		}
	}
	return total
}
