package contracts

// Effect is the verdict of an admission check.
type Effect string

const (
	EffectAllow Effect = "ALLOW"
	EffectBlock Effect = "BLOCK"
	// EffectDefer is reserved for async approval workflows. No current
	// component emits it; consumers must treat it as an internal error.
	EffectDefer Effect = "DEFER"
)

// BlockCode classifies why an action was blocked.
type BlockCode string

const (
	BlockToolNotAllowed      BlockCode = "TOOL_NOT_ALLOWED"
	BlockToolDenied          BlockCode = "TOOL_DENIED"
	BlockCostLimitExceeded   BlockCode = "COST_LIMIT_EXCEEDED"
	BlockRateLimitExceeded   BlockCode = "RATE_LIMIT_EXCEEDED"
	BlockMandateExpired      BlockCode = "MANDATE_EXPIRED"
	BlockAgentKilled         BlockCode = "AGENT_KILLED"
	BlockDuplicateAction     BlockCode = "DUPLICATE_ACTION"
	BlockArgumentValidation  BlockCode = "ARGUMENT_VALIDATION_FAILED"
	BlockVerificationFailed  BlockCode = "VERIFICATION_FAILED"
	BlockExecutionTimeout    BlockCode = "EXECUTION_TIMEOUT"
	BlockVerificationTimeout BlockCode = "VERIFICATION_TIMEOUT"
)

// Decision is the outcome of evaluating one action against a mandate and
// the agent's accounting state.
//
// Hard distinguishes terminal blocks from retryable ones: a hard block will
// never succeed on retry (duplicate, killed, expired, denied tool), while a
// soft block (rate limit) carries RetryAfterMs telling the caller when the
// window reopens.
type Decision struct {
	Effect Effect    `json:"effect"`
	Reason string    `json:"reason"`
	Code   BlockCode `json:"code,omitempty"`
	Hard   bool      `json:"hard,omitempty"`

	// RetryAfterMs is set on soft blocks only.
	RetryAfterMs int64 `json:"retryAfterMs,omitempty"`

	// RemainingCost and RemainingCalls are set on ALLOW when the mandate
	// defines the corresponding ceiling.
	RemainingCost  *float64 `json:"remainingCost,omitempty"`
	RemainingCalls *int64   `json:"remainingCalls,omitempty"`

	// TransformedArgs carries sanitized arguments produced by a validation
	// predicate. Execution uses them in place of the original args. Never
	// serialized; arguments do not belong in audit records.
	TransformedArgs map[string]any `json:"-"`
}

// Allowed reports whether the decision admits the action.
func (d Decision) Allowed() bool {
	return d.Effect == EffectAllow
}

// Allow builds an ALLOW decision.
func Allow(reason string) Decision {
	return Decision{Effect: EffectAllow, Reason: reason}
}

// Block builds a hard BLOCK decision.
func Block(code BlockCode, reason string) Decision {
	return Decision{Effect: EffectBlock, Code: code, Reason: reason, Hard: true}
}

// BlockRetryable builds a soft BLOCK decision that may succeed after
// retryAfterMs.
func BlockRetryable(code BlockCode, reason string, retryAfterMs int64) Decision {
	return Decision{Effect: EffectBlock, Code: code, Reason: reason, Hard: false, RetryAfterMs: retryAfterMs}
}
