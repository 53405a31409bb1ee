package state_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kashaf12/mandate/pkg/contracts"
	"github.com/kashaf12/mandate/pkg/state"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func toolAction(tool string, cost float64, opts ...contracts.ActionOption) *contracts.Action {
	opts = append([]contracts.ActionOption{contracts.WithTimestamp(t0)}, opts...)
	return contracts.NewToolAction("agent-1", tool, map[string]any{"q": "weather"}, cost, opts...)
}

func llmAction(cost float64, opts ...contracts.ActionOption) *contracts.Action {
	opts = append([]contracts.ActionOption{contracts.WithTimestamp(t0)}, opts...)
	return contracts.NewLLMAction("agent-1", "openai", "gpt-4o", cost, opts...)
}

func baseMandate() *contracts.Mandate {
	return &contracts.Mandate{
		MandateID: "m-1",
		AgentID:   "agent-1",
		IssuedAt:  t0.Add(-time.Hour),
	}
}

func TestMemoryManager_GetUnknownPairIsZeroed(t *testing.T) {
	m := state.NewMemoryManager()
	st, err := m.Get(context.Background(), "agent-1", "m-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", st.AgentID)
	assert.Equal(t, "m-1", st.MandateID)
	assert.Zero(t, st.CumulativeCost)
	assert.Zero(t, st.CallCount)
	assert.False(t, st.Killed)
	assert.NotNil(t, st.SeenActionIDs)
}

func TestMemoryManager_GetReturnsSnapshot(t *testing.T) {
	m := state.NewMemoryManager()
	ctx := context.Background()
	require.NoError(t, m.CommitSuccess(ctx, toolAction("web.search", 0.5), 0.5, baseMandate()))

	st, err := m.Get(ctx, "agent-1", "m-1")
	require.NoError(t, err)
	st.CumulativeCost = 999
	st.SeenActionIDs["forged"] = struct{}{}

	again, err := m.Get(ctx, "agent-1", "m-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, again.CumulativeCost, 1e-9)
	assert.NotContains(t, again.SeenActionIDs, "forged")
}

func TestMemoryManager_CommitSplitsCostBuckets(t *testing.T) {
	m := state.NewMemoryManager()
	ctx := context.Background()
	md := baseMandate()

	require.NoError(t, m.CommitSuccess(ctx, toolAction("web.search", 0.5), 0.5, md))
	require.NoError(t, m.CommitSuccess(ctx, llmAction(0.25), 0.25, md))

	st, err := m.Get(ctx, "agent-1", "m-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, st.ExecutionCost, 1e-9)
	assert.InDelta(t, 0.25, st.CognitionCost, 1e-9)
	assert.InDelta(t, st.CognitionCost+st.ExecutionCost, st.CumulativeCost, 1e-9)
	assert.EqualValues(t, 2, st.CallCount)
}

func TestMemoryManager_CommitRecordsReplayIdentifiers(t *testing.T) {
	m := state.NewMemoryManager()
	ctx := context.Background()
	a := toolAction("web.search", 0.1, contracts.WithIdempotencyKey("intent-42"))

	require.NoError(t, m.CommitSuccess(ctx, a, 0.1, baseMandate()))

	st, err := m.Get(ctx, "agent-1", "m-1")
	require.NoError(t, err)
	assert.True(t, st.HasSeen(a.ID, ""))
	assert.True(t, st.HasSeen("other", "intent-42"))
	assert.False(t, st.HasSeen("other", "intent-43"))
}

func TestMemoryManager_AgentWindowResets(t *testing.T) {
	m := state.NewMemoryManager()
	ctx := context.Background()
	md := baseMandate()
	md.RateLimit = &contracts.RateLimit{MaxCalls: 10, WindowMs: 60_000}

	require.NoError(t, m.CommitSuccess(ctx, toolAction("a", 0), 0, md))
	require.NoError(t, m.CommitSuccess(ctx, toolAction("b", 0, contracts.WithTimestamp(t0.Add(10*time.Second))), 0, md))

	st, _ := m.Get(ctx, "agent-1", "m-1")
	assert.EqualValues(t, 2, st.CallCount)
	assert.Equal(t, t0, st.WindowStart, "window stays pinned to its first call")

	// One full window later the count restarts.
	late := toolAction("c", 0, contracts.WithTimestamp(t0.Add(61*time.Second)))
	require.NoError(t, m.CommitSuccess(ctx, late, 0, md))
	st, _ = m.Get(ctx, "agent-1", "m-1")
	assert.EqualValues(t, 1, st.CallCount)
	assert.Equal(t, t0.Add(61*time.Second), st.WindowStart)
}

func TestMemoryManager_CallCountWithoutRateLimit(t *testing.T) {
	m := state.NewMemoryManager()
	ctx := context.Background()
	md := baseMandate()

	for i := 0; i < 3; i++ {
		require.NoError(t, m.CommitSuccess(ctx, toolAction("a", 0, contracts.WithTimestamp(t0.Add(time.Duration(i)*time.Hour))), 0, md))
	}
	st, _ := m.Get(ctx, "agent-1", "m-1")
	assert.EqualValues(t, 3, st.CallCount, "no window configured, the count never resets")
}

func TestMemoryManager_ToolWindowsTrackedOnlyWhenLimited(t *testing.T) {
	m := state.NewMemoryManager()
	ctx := context.Background()
	md := baseMandate()
	md.ToolPolicies = map[string]*contracts.ToolPolicy{
		"web.search": {RateLimit: &contracts.RateLimit{MaxCalls: 5, WindowMs: 60_000}},
	}

	require.NoError(t, m.CommitSuccess(ctx, toolAction("web.search", 0.1), 0.1, md))
	require.NoError(t, m.CommitSuccess(ctx, toolAction("files.read", 0.1), 0.1, md))

	st, _ := m.Get(ctx, "agent-1", "m-1")
	w := st.ToolWindowFor("web.search")
	require.NotNil(t, w)
	assert.EqualValues(t, 1, w.Count)
	assert.Equal(t, t0, w.WindowStart)
	assert.Nil(t, st.ToolWindowFor("files.read"), "unlimited tools carry no window")
}

func TestMemoryManager_LeasesSetClearAndPrune(t *testing.T) {
	m := state.NewMemoryManager()
	ctx := context.Background()

	require.NoError(t, m.SetLease(ctx, "agent-1", "m-1", "act_live", time.Now().Add(time.Minute)))
	require.NoError(t, m.SetLease(ctx, "agent-1", "m-1", "act_stale", time.Now().Add(-time.Second)))

	st, err := m.Get(ctx, "agent-1", "m-1")
	require.NoError(t, err)
	assert.Contains(t, st.ExecutionLeases, "act_live")
	assert.NotContains(t, st.ExecutionLeases, "act_stale", "expired leases are pruned on read")

	require.NoError(t, m.ClearLease(ctx, "agent-1", "m-1", "act_live"))
	st, _ = m.Get(ctx, "agent-1", "m-1")
	assert.Empty(t, st.ExecutionLeases)
}

func TestMemoryManager_KillAndResurrect(t *testing.T) {
	m := state.NewMemoryManager()
	ctx := context.Background()

	killed, err := m.IsKilled(ctx, "agent-1", "m-1")
	require.NoError(t, err)
	assert.False(t, killed)

	require.NoError(t, m.Kill(ctx, "agent-1", "m-1", "runaway loop"))
	killed, err = m.IsKilled(ctx, "agent-1", "m-1")
	require.NoError(t, err)
	assert.True(t, killed)

	st, _ := m.Get(ctx, "agent-1", "m-1")
	assert.True(t, st.Killed)
	assert.Equal(t, "runaway loop", st.KilledReason)
	require.NotNil(t, st.KilledAt)

	require.NoError(t, m.Resurrect(ctx, "agent-1", "m-1"))
	killed, _ = m.IsKilled(ctx, "agent-1", "m-1")
	assert.False(t, killed)
	st, _ = m.Get(ctx, "agent-1", "m-1")
	assert.Nil(t, st.KilledAt)
	assert.Empty(t, st.KilledReason)
}

func TestMemoryManager_KillNotifiesSubscribers(t *testing.T) {
	m := state.NewMemoryManager()
	ctx := context.Background()

	var got []state.KillEvent
	off, err := m.OnKill("agent-1", func(ev state.KillEvent) { got = append(got, ev) })
	require.NoError(t, err)

	var wildcard int
	_, err = m.OnKill("", func(state.KillEvent) { wildcard++ })
	require.NoError(t, err)

	require.NoError(t, m.Kill(ctx, "agent-1", "m-1", "stop"))
	require.Len(t, got, 1, "in-process delivery is synchronous")
	assert.Equal(t, "agent-1", got[0].AgentID)
	assert.Equal(t, "m-1", got[0].MandateID)
	assert.Equal(t, "stop", got[0].Reason)
	assert.Equal(t, 1, wildcard)

	require.NoError(t, m.Kill(ctx, "agent-2", "m-9", "stop"))
	assert.Len(t, got, 1, "handler is scoped to its agent")
	assert.Equal(t, 2, wildcard)

	off()
	require.NoError(t, m.Kill(ctx, "agent-1", "m-1", "again"))
	assert.Len(t, got, 1, "unsubscribed handlers stay quiet")
}

func TestMemoryManager_PanickingHandlerDoesNotStopOthers(t *testing.T) {
	m := state.NewMemoryManager()

	_, err := m.OnKill("agent-1", func(state.KillEvent) { panic("bad subscriber") })
	require.NoError(t, err)
	var called bool
	_, err = m.OnKill("agent-1", func(state.KillEvent) { called = true })
	require.NoError(t, err)

	require.NoError(t, m.Kill(context.Background(), "agent-1", "m-1", "stop"))
	assert.True(t, called)
}

func TestMemoryManager_RemoveDropsAllMandates(t *testing.T) {
	m := state.NewMemoryManager()
	ctx := context.Background()
	md1 := baseMandate()
	md2 := baseMandate()
	md2.MandateID = "m-2"

	require.NoError(t, m.CommitSuccess(ctx, toolAction("a", 1), 1, md1))
	require.NoError(t, m.CommitSuccess(ctx, toolAction("b", 2), 2, md2))
	other := contracts.NewToolAction("agent-2", "a", nil, 3, contracts.WithTimestamp(t0))
	otherMd := baseMandate()
	otherMd.AgentID = "agent-2"
	require.NoError(t, m.CommitSuccess(ctx, other, 3, otherMd))

	require.NoError(t, m.Remove(ctx, "agent-1"))

	st, _ := m.Get(ctx, "agent-1", "m-1")
	assert.Zero(t, st.CumulativeCost)
	st, _ = m.Get(ctx, "agent-1", "m-2")
	assert.Zero(t, st.CumulativeCost)
	st, _ = m.Get(ctx, "agent-2", "m-1")
	assert.InDelta(t, 3, st.CumulativeCost, 1e-9)
}

func TestMemoryManager_Clear(t *testing.T) {
	m := state.NewMemoryManager()
	ctx := context.Background()
	require.NoError(t, m.CommitSuccess(ctx, toolAction("a", 1), 1, baseMandate()))

	m.Clear()

	st, _ := m.Get(ctx, "agent-1", "m-1")
	assert.Zero(t, st.CumulativeCost)
}
