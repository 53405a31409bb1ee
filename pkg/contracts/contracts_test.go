package contracts_test

import (
	"encoding/json"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kashaf12/mandate/pkg/contracts"
)

func TestGenerateActionID_DeterministicWithIdempotencyKey(t *testing.T) {
	a := contracts.GenerateActionID(contracts.ActionToolCall, "refund-order-42")
	b := contracts.GenerateActionID(contracts.ActionToolCall, "refund-order-42")
	assert.Equal(t, a, b)

	// Different kinds hash to different ids even with the same key.
	c := contracts.GenerateActionID(contracts.ActionLLMCall, "refund-order-42")
	assert.NotEqual(t, a, c)

	assert.True(t, strings.HasPrefix(a, "tool_"))
	assert.True(t, strings.HasPrefix(c, "llm_"))
}

func TestGenerateActionID_RandomWithoutKey(t *testing.T) {
	shape := regexp.MustCompile(`^tool_[0-9a-f]{16}$`)

	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		id := contracts.GenerateActionID(contracts.ActionToolCall, "")
		assert.Regexp(t, shape, id)
		assert.False(t, seen[id], "random ids must not repeat")
		seen[id] = true
	}
}

func TestNewToolAction(t *testing.T) {
	a := contracts.NewToolAction("agent-1", "read_file", map[string]any{"path": "/tmp/x"}, 0.25,
		contracts.WithIdempotencyKey("read-x"),
		contracts.WithTraceID("trace-9"),
	)

	assert.Equal(t, contracts.ActionToolCall, a.Kind)
	assert.Equal(t, contracts.CostExecution, a.CostType)
	assert.Equal(t, "agent-1", a.AgentID)
	assert.Equal(t, "read_file", a.Tool)
	assert.Equal(t, 0.25, a.EstimatedCost)
	assert.Equal(t, "trace-9", a.TraceID)
	assert.False(t, a.Timestamp.IsZero())

	// Same intent, same id.
	b := contracts.NewToolAction("agent-1", "read_file", nil, 0.25,
		contracts.WithIdempotencyKey("read-x"))
	assert.Equal(t, a.ID, b.ID)
}

func TestNewLLMAction(t *testing.T) {
	a := contracts.NewLLMAction("agent-1", "openai", "gpt-4o", 0.01,
		contracts.WithTokenEstimates(1200, 400))

	assert.Equal(t, contracts.ActionLLMCall, a.Kind)
	assert.Equal(t, contracts.CostCognition, a.CostType)
	assert.Equal(t, "openai", a.Provider)
	assert.Equal(t, "gpt-4o", a.Model)
	assert.Equal(t, int64(1200), a.InputTokens)
	assert.Equal(t, int64(400), a.OutputTokens)
	assert.True(t, strings.HasPrefix(a.ID, "llm_"))
}

func TestMandate_ExpiredAt(t *testing.T) {
	now := time.Now()

	m := &contracts.Mandate{MandateID: "m1", AgentID: "a1"}
	assert.False(t, m.ExpiredAt(now.Add(24*365*time.Hour)), "no expiry means never expired")

	exp := now.Add(time.Hour)
	m.ExpiresAt = &exp
	assert.False(t, m.ExpiredAt(now))
	assert.False(t, m.ExpiredAt(exp), "boundary instant is still valid")
	assert.True(t, m.ExpiredAt(exp.Add(time.Millisecond)))
}

func TestMandate_ChargingPolicyResolution(t *testing.T) {
	attempt := &contracts.ChargingPolicy{Kind: contracts.ChargeAttemptBased}
	tiered := &contracts.ChargingPolicy{
		Kind:  contracts.ChargeTiered,
		Tiers: &contracts.TieredCosts{AttemptCost: 0.1, SuccessCost: 0.4},
	}

	m := &contracts.Mandate{
		DefaultChargingPolicy: attempt,
		ToolPolicies: map[string]*contracts.ToolPolicy{
			"send_email": {ChargingPolicy: tiered},
		},
	}

	assert.Equal(t, contracts.ChargeTiered, m.ChargingPolicyFor("send_email").Kind)
	assert.Equal(t, contracts.ChargeAttemptBased, m.ChargingPolicyFor("read_file").Kind)

	// No default anywhere falls back to success-based.
	bare := &contracts.Mandate{}
	assert.Equal(t, contracts.ChargeSuccessBased, bare.ChargingPolicyFor("anything").Kind)
}

func TestToolPolicy_Timeouts(t *testing.T) {
	var p *contracts.ToolPolicy
	assert.Equal(t, contracts.DefaultVerificationTimeout, p.VerificationTimeout())
	assert.Zero(t, p.ExecutionLease())

	p = &contracts.ToolPolicy{ExecutionLeaseMs: 2000, VerificationTimeoutMs: 150}
	assert.Equal(t, 2*time.Second, p.ExecutionLease())
	assert.Equal(t, 150*time.Millisecond, p.VerificationTimeout())
}

func TestAgentState_HasSeenAndClone(t *testing.T) {
	s := contracts.NewAgentState("a1", "m1")
	s.SeenActionIDs["tool_abc"] = struct{}{}
	s.SeenIdempotencyKeys["key-1"] = struct{}{}
	s.ToolCallCounts["read_file"] = &contracts.ToolWindow{Count: 3, WindowStart: time.Now()}

	assert.True(t, s.HasSeen("tool_abc", ""))
	assert.True(t, s.HasSeen("tool_other", "key-1"))
	assert.False(t, s.HasSeen("tool_other", ""))
	assert.False(t, s.HasSeen("tool_other", "key-2"))

	clone := s.Clone()
	clone.SeenActionIDs["tool_new"] = struct{}{}
	clone.ToolCallCounts["read_file"].Count = 99

	assert.False(t, s.HasSeen("tool_new", ""))
	assert.Equal(t, int64(3), s.ToolCallCounts["read_file"].Count)
}

func TestOutcome_CostPrefersActual(t *testing.T) {
	actual := 0.42
	o := contracts.Outcome{EstimatedCost: 1.0, ActualCost: &actual}
	assert.Equal(t, 0.42, o.Cost())

	o.ActualCost = nil
	assert.Equal(t, 1.0, o.Cost())
}

func TestDecision_Constructors(t *testing.T) {
	d := contracts.Allow("within budget")
	assert.True(t, d.Allowed())
	assert.Equal(t, contracts.EffectAllow, d.Effect)

	d = contracts.Block(contracts.BlockAgentKilled, "killed by operator")
	assert.False(t, d.Allowed())
	assert.True(t, d.Hard)
	assert.Zero(t, d.RetryAfterMs)

	d = contracts.BlockRetryable(contracts.BlockRateLimitExceeded, "window full", 60_000)
	assert.False(t, d.Allowed())
	assert.False(t, d.Hard)
	assert.Equal(t, int64(60_000), d.RetryAfterMs)
}

func TestAuditEntry_JSONShape(t *testing.T) {
	actual := 0.2
	e := contracts.AuditEntry{
		EntryID:        "e-1",
		Timestamp:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		AgentID:        "a1",
		MandateID:      "m1",
		ActionID:       "tool_deadbeef",
		ActionKind:     contracts.ActionToolCall,
		Tool:           "read_file",
		Decision:       contracts.EffectBlock,
		Code:           contracts.BlockCostLimitExceeded,
		Reason:         "estimated cost 5 exceeds ceiling 2",
		EstimatedCost:  5,
		ActualCost:     &actual,
		CumulativeCost: 1.5,
	}

	data, err := json.Marshal(e)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "BLOCK", m["decision"])
	assert.Equal(t, "COST_LIMIT_EXCEEDED", m["code"])
	assert.Equal(t, "tool_call", m["actionKind"])
	assert.NotContains(t, m, "provider", "empty optional fields stay omitted")
}
