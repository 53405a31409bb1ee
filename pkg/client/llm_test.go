package client_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kashaf12/mandate/pkg/audit"
	"github.com/kashaf12/mandate/pkg/client"
	"github.com/kashaf12/mandate/pkg/contracts"
	"github.com/kashaf12/mandate/pkg/pricing"
)

type usageResult struct {
	text string
	u    client.TokenUsage
}

func (r usageResult) Usage() client.TokenUsage { return r.u }

func TestExtractUsage(t *testing.T) {
	want := client.TokenUsage{InputTokens: 10, OutputTokens: 20}

	u, ok := client.ExtractUsage(want)
	require.True(t, ok)
	assert.Equal(t, want, u)

	u, ok = client.ExtractUsage(&want)
	require.True(t, ok)
	assert.Equal(t, want, u)

	_, ok = client.ExtractUsage((*client.TokenUsage)(nil))
	assert.False(t, ok)

	u, ok = client.ExtractUsage(usageResult{text: "hi", u: want})
	require.True(t, ok)
	assert.Equal(t, want, u)

	// OpenAI wire shape, decoded from JSON so numbers are float64.
	u, ok = client.ExtractUsage(map[string]any{
		"prompt_tokens":     float64(10),
		"completion_tokens": float64(20),
	})
	require.True(t, ok)
	assert.Equal(t, want, u)

	// Anthropic wire shape, nested under "usage".
	u, ok = client.ExtractUsage(map[string]any{
		"content": "hello",
		"usage": map[string]any{
			"input_tokens":  10,
			"output_tokens": 20,
		},
	})
	require.True(t, ok)
	assert.Equal(t, want, u)

	_, ok = client.ExtractUsage(map[string]any{"content": "no usage here"})
	assert.False(t, ok)

	_, ok = client.ExtractUsage("plain text response")
	assert.False(t, ok)
}

func TestExecuteLLM_ChargesPricedUsage(t *testing.T) {
	ctx := context.Background()
	sink := audit.NewMemorySink()
	c, err := client.New(baseMandate(), client.WithAuditSink(sink))
	require.NoError(t, err)

	// gpt-4o: $2.50/M input, $10/M output. 100k in + 50k out = $0.75.
	action := contracts.NewLLMAction("agent-1", "openai", "gpt-4o", 0.9, contracts.WithTimestamp(t0))
	raw := map[string]any{
		"choices": []any{"..."},
		"usage": map[string]any{
			"prompt_tokens":     float64(100_000),
			"completion_tokens": float64(50_000),
		},
	}

	res, err := c.ExecuteLLM(ctx, action, echoFn(raw))
	require.NoError(t, err)
	require.True(t, res.UsageKnown())
	assert.Equal(t, client.TokenUsage{InputTokens: 100_000, OutputTokens: 50_000}, res.Usage)
	assert.InDelta(t, 0.75, res.Cost(), 1e-9)
	assert.Equal(t, raw, res.Raw)

	// The priced cost supersedes the 0.9 estimate on commit.
	cost, err := c.GetCost(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, cost, 1e-9)

	require.Equal(t, 1, sink.Len())
	entry := sink.Entries()[0]
	assert.Equal(t, contracts.EffectAllow, entry.Decision)
	assert.Equal(t, 0.9, entry.EstimatedCost)
	require.NotNil(t, entry.ActualCost)
	assert.InDelta(t, 0.75, *entry.ActualCost, 1e-9)
	assert.InDelta(t, 0.75, entry.ChargedCost, 1e-9)
}

func TestExecuteLLM_UnknownUsageKeepsEstimate(t *testing.T) {
	ctx := context.Background()
	c, err := client.New(baseMandate(), client.WithNoAudit())
	require.NoError(t, err)

	action := contracts.NewLLMAction("agent-1", "openai", "gpt-4o", 0.25, contracts.WithTimestamp(t0))
	res, err := c.ExecuteLLM(ctx, action, echoFn("an opaque string response"))
	require.NoError(t, err)

	assert.False(t, res.UsageKnown())
	assert.Zero(t, res.Cost())
	assert.Equal(t, "an opaque string response", res.Raw)

	cost, err := c.GetCost(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.25, cost, "the admission estimate stands when usage is unknown")
}

func TestExecuteLLM_Guards(t *testing.T) {
	ctx := context.Background()
	c, err := client.New(baseMandate(), client.WithNoAudit())
	require.NoError(t, err)

	_, err = c.ExecuteLLM(ctx, nil, echoFn("ok"))
	require.Error(t, err)

	tool := contracts.NewToolAction("agent-1", "web.search", nil, 0.1, contracts.WithTimestamp(t0))
	_, err = c.ExecuteLLM(ctx, tool, echoFn("ok"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm_call")

	stranger := contracts.NewLLMAction("agent-2", "openai", "gpt-4o", 0.1, contracts.WithTimestamp(t0))
	_, err = c.ExecuteLLM(ctx, stranger, echoFn("ok"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bound to")
}

func TestExecuteLLM_CustomPricingOverride(t *testing.T) {
	ctx := context.Background()
	m := baseMandate()
	m.CustomPricing = pricing.Table{
		"openai": {"gpt-4o": {Input: 1.00, Output: 2.00}},
	}
	c, err := client.New(m, client.WithNoAudit())
	require.NoError(t, err)

	action := contracts.NewLLMAction("agent-1", "openai", "gpt-4o", 0.1, contracts.WithTimestamp(t0))
	res, err := c.ExecuteLLM(ctx, action,
		echoFn(client.TokenUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000}))
	require.NoError(t, err)

	// $1 + $2 under the mandate's table, not $12.50 under the built-in one.
	assert.InDelta(t, 3.00, res.Cost(), 1e-9)
}

func TestEstimateTokens(t *testing.T) {
	assert.Zero(t, client.EstimateTokens(nil))
	assert.Equal(t, int64(1), client.EstimateTokens([]client.Message{{Role: "user", Content: "a"}}))
	assert.Equal(t, int64(1), client.EstimateTokens([]client.Message{{Role: "user", Content: "abcd"}}))
	assert.Equal(t, int64(2), client.EstimateTokens([]client.Message{{Role: "user", Content: "abcde"}}))

	// Characters pool across messages before rounding up.
	assert.Equal(t, int64(1), client.EstimateTokens([]client.Message{
		{Role: "system", Content: "ab"},
		{Role: "user", Content: "cd"},
	}))
}

func TestExecuteLLMWithBudget_SizesCeilingToBudget(t *testing.T) {
	ctx := context.Background()
	m := baseMandate()
	m.MaxCostTotal = 1.0
	c, err := client.New(m, client.WithNoAudit())
	require.NoError(t, err)

	// No input tokens, $1 budget, $10/M output: the whole budget buys 100k
	// output tokens.
	var gotMax int64 = -99
	res, err := c.ExecuteLLMWithBudget(ctx, "openai", "gpt-4o", nil,
		func(_ context.Context, maxOut int64) (any, error) {
			gotMax = maxOut
			return map[string]any{"usage": map[string]any{
				"prompt_tokens":     0,
				"completion_tokens": 1000,
			}}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), gotMax)

	// Only the real usage is charged, not the sized estimate.
	require.True(t, res.UsageKnown())
	assert.InDelta(t, 0.01, res.Cost(), 1e-9)

	cost, err := c.GetCost(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.01, cost, 1e-9)

	remaining, err := c.GetRemainingBudget(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.99, remaining, 1e-9)
}

func TestExecuteLLMWithBudget_FreeModelGetsConfiguredCap(t *testing.T) {
	ctx := context.Background()
	m := baseMandate()
	m.MaxCostTotal = 1.0
	c, err := client.New(m, client.WithNoAudit(), client.WithFreeModelMaxTokens(1234))
	require.NoError(t, err)

	var gotMax int64
	res, err := c.ExecuteLLMWithBudget(ctx, "ollama", "llama3",
		[]client.Message{{Role: "user", Content: "hi"}},
		func(_ context.Context, maxOut int64) (any, error) {
			gotMax = maxOut
			return client.TokenUsage{InputTokens: 1, OutputTokens: 50}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, int64(1234), gotMax)

	require.True(t, res.UsageKnown())
	assert.Zero(t, res.Cost())

	cost, err := c.GetCost(ctx)
	require.NoError(t, err)
	assert.Zero(t, cost)
}

func TestExecuteLLMWithBudget_UnlimitedBudgetUsesCap(t *testing.T) {
	ctx := context.Background()
	c, err := client.New(baseMandate(), client.WithNoAudit())
	require.NoError(t, err)

	var gotMax int64
	_, err = c.ExecuteLLMWithBudget(ctx, "openai", "gpt-4o", nil,
		func(_ context.Context, maxOut int64) (any, error) {
			gotMax = maxOut
			return "unsized response", nil
		})
	require.NoError(t, err)

	// Without a budget there is nothing to size against; even a priced
	// model falls back to the free-model cap.
	assert.Equal(t, client.DefaultFreeModelMaxTokens, gotMax)

	// Usage unknown, so the sized estimate was charged: 4096 output
	// tokens at $10/M.
	cost, err := c.GetCost(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.04096, cost, 1e-9)
}
