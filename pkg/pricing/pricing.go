// Package pricing maps LLM providers and models to per-token prices and
// computes the dollar cost of a call from its token usage.
//
// Prices are expressed in USD per 1,000,000 tokens. A table is a two-level
// mapping provider -> model -> Price. The model key "*" acts as a wildcard
// for any model of that provider. An unknown provider/model pair resolves to
// a zero price rather than an error: unpriced calls cost nothing, they are
// not rejected.
package pricing

// Wildcard is the model key that matches any model under a provider.
const Wildcard = "*"

// TokensPerUnit is the token denomination prices are quoted in.
const TokensPerUnit = 1_000_000

// Price holds the cost of one million input and output tokens, in USD.
type Price struct {
	Input  float64 `json:"input" yaml:"input"`
	Output float64 `json:"output" yaml:"output"`
}

// IsZero reports whether both sides of the price are zero.
func (p Price) IsZero() bool {
	return p.Input == 0 && p.Output == 0
}

// Table maps provider -> model -> Price.
type Table map[string]map[string]Price

// Lookup resolves a provider/model pair within this table only. The model is
// tried exactly first, then the provider's wildcard entry.
func (t Table) Lookup(provider, model string) (Price, bool) {
	models, ok := t[provider]
	if !ok {
		return Price{}, false
	}
	if p, ok := models[model]; ok {
		return p, true
	}
	if p, ok := models[Wildcard]; ok {
		return p, true
	}
	return Price{}, false
}

// Resolve finds the price for a provider/model pair. The custom table, when
// non-nil, is consulted before the built-in one; within each table an exact
// model match beats the provider wildcard. The returned bool is false when
// neither table knows the pair, in which case the price is zero.
func Resolve(custom Table, provider, model string) (Price, bool) {
	if custom != nil {
		if p, ok := custom.Lookup(provider, model); ok {
			return p, true
		}
	}
	return Default().Lookup(provider, model)
}

// TokenCost converts token usage into USD under the given price.
func TokenCost(p Price, inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/TokensPerUnit*p.Input +
		float64(outputTokens)/TokensPerUnit*p.Output
}

// MaxOutputTokens computes how many output tokens a budget can still pay
// for after the input side has been charged. It returns zero when the
// remaining budget cannot cover the input cost, and -1 when the output
// price is zero (a free model has no token ceiling).
func MaxOutputTokens(p Price, inputTokens int64, remainingBudget float64) int64 {
	if p.Output == 0 {
		return -1
	}
	inputCost := float64(inputTokens) / TokensPerUnit * p.Input
	headroom := remainingBudget - inputCost
	if headroom <= 0 {
		return 0
	}
	return int64(headroom / p.Output * TokensPerUnit)
}
