package client

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/kashaf12/mandate/pkg/contracts"
	"github.com/kashaf12/mandate/pkg/executor"
	"github.com/kashaf12/mandate/pkg/pricing"
)

// TokenUsage is the token consumption an LLM provider reported for a call.
type TokenUsage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// UsageReporter lets a typed provider response report its own token usage.
type UsageReporter interface {
	Usage() TokenUsage
}

// LLMResult wraps a provider response with the usage the client extracted
// and the cost it priced from it. When usage is unknown the admission
// estimate stands.
type LLMResult struct {
	// Raw is the provider response exactly as fn returned it.
	Raw any
	// Usage is the extracted token usage; meaningful only when UsageKnown.
	Usage TokenUsage

	usageKnown bool
	cost       float64
}

// Cost returns the priced cost of the call, or zero when usage was unknown.
func (r *LLMResult) Cost() float64 { return r.cost }

// UsageKnown reports whether token usage could be extracted from the
// response.
func (r *LLMResult) UsageKnown() bool { return r.usageKnown }

// ActualCost implements contracts.CostReporter: the priced usage supersedes
// the admission estimate during charging.
func (r *LLMResult) ActualCost() (float64, bool) {
	return r.cost, r.usageKnown
}

// ExtractUsage pulls token usage out of a provider response. It understands
// a typed TokenUsage, any UsageReporter, and decoded-JSON maps in the two
// wire shapes providers use: prompt_tokens/completion_tokens and
// input_tokens/output_tokens, flat or nested under "usage".
func ExtractUsage(result any) (TokenUsage, bool) {
	switch r := result.(type) {
	case TokenUsage:
		return r, true
	case *TokenUsage:
		if r != nil {
			return *r, true
		}
	case UsageReporter:
		return r.Usage(), true
	case map[string]any:
		if nested, ok := r["usage"].(map[string]any); ok {
			if u, ok := usageFromMap(nested); ok {
				return u, true
			}
		}
		return usageFromMap(r)
	}
	return TokenUsage{}, false
}

func usageFromMap(m map[string]any) (TokenUsage, bool) {
	if in, ok := tokenCount(m["prompt_tokens"]); ok {
		out, _ := tokenCount(m["completion_tokens"])
		return TokenUsage{InputTokens: in, OutputTokens: out}, true
	}
	if in, ok := tokenCount(m["input_tokens"]); ok {
		out, _ := tokenCount(m["output_tokens"])
		return TokenUsage{InputTokens: in, OutputTokens: out}, true
	}
	return TokenUsage{}, false
}

func tokenCount(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

// ExecuteLLM runs an LLM call through the lifecycle and prices its real
// token usage. The returned LLMResult implements contracts.CostReporter, so
// the priced cost, not the estimate, is what gets charged when usage is
// known.
func (c *Client) ExecuteLLM(ctx context.Context, action *contracts.Action, fn executor.ExecFunc) (*LLMResult, error) {
	if action == nil {
		return nil, errors.New("client: action is required")
	}
	if action.Kind != contracts.ActionLLMCall {
		return nil, fmt.Errorf("client: ExecuteLLM requires a %s action, got %s", contracts.ActionLLMCall, action.Kind)
	}
	if err := c.ownAction(action); err != nil {
		return nil, err
	}

	wrapped := func(ctx context.Context, act *contracts.Action) (any, error) {
		raw, err := fn(ctx, act)
		if err != nil {
			return nil, err
		}
		res := &LLMResult{Raw: raw}
		if usage, ok := ExtractUsage(raw); ok {
			res.Usage = usage
			res.usageKnown = true
			res.cost = pricing.TokenCost(c.resolvePrice(act.Provider, act.Model),
				usage.InputTokens, usage.OutputTokens)
		}
		return res, nil
	}

	out, err := c.exec.Execute(ctx, action, c.mandate, wrapped)
	if err != nil {
		return nil, err
	}
	res, ok := out.(*LLMResult)
	if !ok {
		res = &LLMResult{Raw: out}
	}
	return res, nil
}

// Message is one turn of an LLM conversation, used for input estimation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BudgetedFunc performs the LLM call with the output ceiling the budget
// allows. Implementations pass maxOutputTokens to their provider API.
type BudgetedFunc func(ctx context.Context, maxOutputTokens int64) (any, error)

// EstimateTokens approximates the token count of the messages at four
// characters per token, rounding up.
func EstimateTokens(messages []Message) int64 {
	var chars int64
	for _, m := range messages {
		chars += int64(len(m.Content))
	}
	return (chars + 3) / 4
}

// ExecuteLLMWithBudget sizes an LLM call to the remaining budget: it
// estimates input tokens from the messages, computes the output ceiling the
// budget can still pay for at this model's price, builds the action with
// that estimate, and invokes fn with the ceiling. Zero-priced models are
// not budget-bound and get the configured free-model cap instead; an
// exhausted budget yields a zero ceiling and admission rejects any action
// whose input side alone no longer fits.
func (c *Client) ExecuteLLMWithBudget(ctx context.Context, provider, model string, messages []Message, fn BudgetedFunc, opts ...contracts.ActionOption) (*LLMResult, error) {
	inputTokens := EstimateTokens(messages)
	price := c.resolvePrice(provider, model)

	remaining, err := c.GetRemainingBudget(ctx)
	if err != nil {
		return nil, err
	}

	var maxOut int64
	if math.IsInf(remaining, 1) {
		maxOut = c.freeModelMaxTokens
	} else {
		maxOut = pricing.MaxOutputTokens(price, inputTokens, remaining)
		if maxOut < 0 {
			maxOut = c.freeModelMaxTokens
		}
	}

	est := pricing.TokenCost(price, inputTokens, maxOut)
	actionOpts := append([]contracts.ActionOption{
		contracts.WithTokenEstimates(inputTokens, maxOut),
	}, opts...)
	action := contracts.NewLLMAction(c.mandate.AgentID, provider, model, est, actionOpts...)

	return c.ExecuteLLM(ctx, action, func(ctx context.Context, _ *contracts.Action) (any, error) {
		return fn(ctx, maxOut)
	})
}

// resolvePrice looks a pair up through the override chain: the mandate's
// custom table, then the config-loaded table, then the built-in defaults.
func (c *Client) resolvePrice(provider, model string) pricing.Price {
	if c.mandate.CustomPricing != nil {
		if p, ok := c.mandate.CustomPricing.Lookup(provider, model); ok {
			return p
		}
	}
	if c.prices != nil {
		if p, ok := c.prices.Lookup(provider, model); ok {
			return p
		}
	}
	p, _ := pricing.Default().Lookup(provider, model)
	return p
}
