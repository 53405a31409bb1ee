// Package policy implements the admission check: a pure function from
// (action, mandate, state) to an ALLOW or BLOCK decision.
//
// Checks run in a strict total order. Replay protection beats the kill
// flag, the kill flag beats expiry, expiry beats tool permissions, argument
// validation beats every cost ceiling, and per-tool limits beat mandate-wide
// limits. The order is load-bearing: when several conditions hold at once,
// callers and audit trails see the earliest one, so reordering checks
// changes observable behavior. Tests pin the order.
//
// The engine never mutates the state it reads. Committing an admitted
// action is the state manager's job.
package policy

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kashaf12/mandate/pkg/contracts"
	"github.com/kashaf12/mandate/pkg/pattern"
	"github.com/kashaf12/mandate/pkg/validate"
)

// Engine evaluates actions against mandates. It is stateless and safe for
// concurrent use.
type Engine struct {
	log *slog.Logger
}

// NewEngine returns an Engine. A nil logger falls back to slog.Default.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{log: logger.With("component", "policy.Engine")}
}

// Evaluate runs the admission checks in order and returns the first block,
// or an ALLOW carrying remaining budget and calls where the mandate defines
// the ceilings. The action's own timestamp is the clock: expiry and rate
// windows are measured against it, never against wall time, so evaluation
// is deterministic.
func (e *Engine) Evaluate(action *contracts.Action, m *contracts.Mandate, state *contracts.AgentState) contracts.Decision {
	d := e.evaluate(action, m, state)
	if !d.Allowed() {
		e.log.Debug("action blocked",
			"agentId", action.AgentID,
			"actionId", action.ID,
			"code", string(d.Code),
			"reason", d.Reason,
		)
	}
	return d
}

// Preflight runs only the checks that need no accounting state: mandate
// expiry, tool permission lists, argument validation, and the per-tool cost
// ceiling. The distributed backend evaluates every stateful check (replay,
// kill, budgets, rate windows) inside its atomic script but cannot run Go
// schema or predicate code server-side, so the executor computes this
// verdict first and passes it in; the script applies it in the position the
// full check ordering assigns it, keeping precedence identical on both
// admission paths.
func (e *Engine) Preflight(action *contracts.Action, m *contracts.Mandate) contracts.Decision {
	if m.ExpiredAt(action.Timestamp) {
		return expiredBlock(m)
	}
	d := contracts.Allow("preflight checks passed")
	if action.Kind == contracts.ActionToolCall {
		td, args := e.evaluateToolStatic(action, m)
		if !td.Allowed() {
			return td
		}
		d.TransformedArgs = args
	}
	return d
}

func (e *Engine) evaluate(action *contracts.Action, m *contracts.Mandate, state *contracts.AgentState) contracts.Decision {
	now := action.Timestamp

	// 1. Replay protection.
	if state.HasSeen(action.ID, action.IdempotencyKey) {
		return contracts.Block(contracts.BlockDuplicateAction,
			fmt.Sprintf("action %s was already committed", action.ID))
	}

	// 2. Kill switch.
	if state.Killed {
		reason := state.KilledReason
		if reason == "" {
			reason = "agent is killed"
		}
		return contracts.Block(contracts.BlockAgentKilled, reason)
	}

	// 3. Temporal bounds.
	if m.ExpiredAt(now) {
		return expiredBlock(m)
	}

	// 4-7. Stateless tool checks, then 8, the per-tool rate window.
	var transformed map[string]any
	if action.Kind == contracts.ActionToolCall {
		d, args := e.evaluateToolStatic(action, m)
		if !d.Allowed() {
			return d
		}
		transformed = args

		if tp := m.ToolPolicyFor(action.Tool); tp != nil && tp.RateLimit != nil && tp.RateLimit.Enabled() {
			var count int64
			var start time.Time
			if w := state.ToolWindowFor(action.Tool); w != nil {
				count, start = w.Count, w.WindowStart
			}
			if retryAfter, blocked := windowFull(now, start, count, *tp.RateLimit); blocked {
				return contracts.BlockRetryable(contracts.BlockRateLimitExceeded,
					fmt.Sprintf("rate limit of %d calls per %dms reached for tool %q",
						tp.RateLimit.MaxCalls, tp.RateLimit.WindowMs, action.Tool),
					retryAfter)
			}
		}
	}

	// 9. Per-call ceiling.
	if m.MaxCostPerCall > 0 && action.EstimatedCost > m.MaxCostPerCall {
		return contracts.Block(contracts.BlockCostLimitExceeded,
			fmt.Sprintf("estimated cost %g exceeds per-call limit %g", action.EstimatedCost, m.MaxCostPerCall))
	}

	// 10. Total budget.
	if m.MaxCostTotal > 0 && state.CumulativeCost+action.EstimatedCost > m.MaxCostTotal {
		return contracts.Block(contracts.BlockCostLimitExceeded,
			fmt.Sprintf("cumulative cost %g plus estimated %g exceeds total budget %g",
				state.CumulativeCost, action.EstimatedCost, m.MaxCostTotal))
	}

	// 11. Agent-level rate window.
	if m.RateLimit != nil && m.RateLimit.Enabled() {
		if retryAfter, blocked := windowFull(now, state.WindowStart, state.CallCount, *m.RateLimit); blocked {
			return contracts.BlockRetryable(contracts.BlockRateLimitExceeded,
				fmt.Sprintf("agent rate limit of %d calls per %dms reached", m.RateLimit.MaxCalls, m.RateLimit.WindowMs),
				retryAfter)
		}
	}

	d := contracts.Allow("all checks passed")
	d.TransformedArgs = transformed

	if m.MaxCostTotal > 0 {
		remaining := m.MaxCostTotal - (state.CumulativeCost + action.EstimatedCost)
		d.RemainingCost = &remaining
	}
	if m.RateLimit != nil && m.RateLimit.Enabled() {
		remaining := m.RateLimit.MaxCalls - state.CallCount
		if remaining < 0 {
			remaining = 0
		}
		d.RemainingCalls = &remaining
	}

	return d
}

// evaluateToolStatic runs checks 4 through 7, which apply to tool calls
// only and consult nothing but the action and the mandate. On pass it also
// returns any argument transformation the predicate produced.
func (e *Engine) evaluateToolStatic(action *contracts.Action, m *contracts.Mandate) (contracts.Decision, map[string]any) {
	// 4. Permission lists. Deny wins, then the allow list fails closed.
	if pattern.MatchAny(action.Tool, m.DeniedTools) {
		return contracts.Block(contracts.BlockToolDenied,
			fmt.Sprintf("tool %q matches the deny list", action.Tool)), nil
	}
	if !pattern.IsToolAllowed(action.Tool, m.AllowedTools, m.DeniedTools) {
		return contracts.Block(contracts.BlockToolNotAllowed,
			fmt.Sprintf("tool %q is not in the allow list", action.Tool)), nil
	}

	tp := m.ToolPolicyFor(action.Tool)
	if tp == nil {
		return contracts.Allow(""), nil
	}

	// 5. Structural schema.
	if tp.Schema != nil {
		if err := tp.Schema.Validate(action.Args); err != nil {
			return contracts.Block(contracts.BlockArgumentValidation, err.Error()), nil
		}
	}

	// 6. Predicate rules.
	var transformed map[string]any
	if tp.Predicate != nil {
		r := tp.Predicate(validate.Input{Tool: action.Tool, Args: action.Args, AgentID: action.AgentID})
		if !r.Allowed {
			reason := r.Reason
			if reason == "" {
				reason = fmt.Sprintf("arguments for tool %q rejected by predicate", action.Tool)
			}
			return contracts.Block(contracts.BlockArgumentValidation, reason), nil
		}
		transformed = r.TransformedArgs
	}

	// 7. Per-tool call ceiling.
	if tp.MaxCostPerCall > 0 && action.EstimatedCost > tp.MaxCostPerCall {
		return contracts.Block(contracts.BlockCostLimitExceeded,
			fmt.Sprintf("estimated cost %g exceeds per-call limit %g for tool %q",
				action.EstimatedCost, tp.MaxCostPerCall, action.Tool)), nil
	}

	return contracts.Allow(""), transformed
}

func expiredBlock(m *contracts.Mandate) contracts.Decision {
	return contracts.Block(contracts.BlockMandateExpired,
		fmt.Sprintf("mandate expired at %s", m.ExpiresAt.Format(time.RFC3339)))
}

// windowFull reports whether a fixed rate window is active and at capacity
// at the given instant, and how long until it reopens. An expired window
// never blocks: the next commit resets it.
func windowFull(now, windowStart time.Time, count int64, limit contracts.RateLimit) (retryAfterMs int64, blocked bool) {
	windowEnd := windowStart.Add(limit.Window())
	if !now.Before(windowEnd) {
		return 0, false
	}
	if count < limit.MaxCalls {
		return 0, false
	}
	return windowEnd.Sub(now).Milliseconds(), true
}
