package contracts

import (
	"context"
	"time"

	"github.com/kashaf12/mandate/pkg/pricing"
	"github.com/kashaf12/mandate/pkg/validate"
)

// RateLimit caps call volume inside a fixed window. A zero MaxCalls means
// the limit is not configured.
type RateLimit struct {
	MaxCalls int64 `json:"maxCalls"`
	WindowMs int64 `json:"windowMs"`
}

// Window returns the window length as a duration.
func (r RateLimit) Window() time.Duration {
	return time.Duration(r.WindowMs) * time.Millisecond
}

// Enabled reports whether the limit is configured.
func (r RateLimit) Enabled() bool {
	return r.MaxCalls > 0 && r.WindowMs > 0
}

// Verifier checks an execution result after the fact. It receives the
// action that produced the result and the mandate in force. The executor
// bounds the call with a deadline; a verifier should honor ctx but the
// kernel does not rely on it doing so. A non-nil error fails verification.
type Verifier func(ctx context.Context, action *Action, result any, m *Mandate) error

// ToolPolicy refines the mandate for a single tool.
type ToolPolicy struct {
	// MaxCostPerCall caps the estimated cost of one call to this tool.
	// Zero or negative means no per-tool ceiling.
	MaxCostPerCall float64 `json:"maxCostPerCall,omitempty"`

	// RateLimit caps calls to this tool within a window.
	RateLimit *RateLimit `json:"rateLimit,omitempty"`

	// ChargingPolicy overrides the mandate default for this tool.
	ChargingPolicy *ChargingPolicy `json:"chargingPolicy,omitempty"`

	// Schema structurally validates call arguments.
	Schema *validate.SchemaValidator `json:"-"`

	// Predicate applies rule-based argument checks after the schema.
	Predicate validate.Predicate `json:"-"`

	// Verifier checks the result before cost is committed.
	Verifier Verifier `json:"-"`

	// ExecutionLeaseMs bounds how long a single call may hold authority.
	// Zero disables the lease.
	ExecutionLeaseMs int64 `json:"executionLeaseMs,omitempty"`

	// VerificationTimeoutMs bounds the verifier. Zero selects the default.
	VerificationTimeoutMs int64 `json:"verificationTimeoutMs,omitempty"`
}

// DefaultVerificationTimeout bounds verifiers that do not declare their own
// timeout.
const DefaultVerificationTimeout = 50 * time.Millisecond

// VerificationTimeout returns the verifier deadline for this policy.
func (p *ToolPolicy) VerificationTimeout() time.Duration {
	if p != nil && p.VerificationTimeoutMs > 0 {
		return time.Duration(p.VerificationTimeoutMs) * time.Millisecond
	}
	return DefaultVerificationTimeout
}

// ExecutionLease returns the lease duration, or zero when disabled.
func (p *ToolPolicy) ExecutionLease() time.Duration {
	if p == nil || p.ExecutionLeaseMs <= 0 {
		return 0
	}
	return time.Duration(p.ExecutionLeaseMs) * time.Millisecond
}

// Mandate is the authority envelope one agent operates under. It is
// immutable once issued; the issuer owns it and the kernel only reads it.
// Zero-valued ceilings mean "not limited" so a sparse mandate stays
// permissive on the axes it does not mention, except for tool permissions,
// which fail closed via the allow/deny lists.
type Mandate struct {
	MandateID string `json:"mandateId"`
	AgentID   string `json:"agentId"`

	// Principal names the human or system the agent acts for.
	Principal string `json:"principal,omitempty"`

	IssuedAt  time.Time  `json:"issuedAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`

	// MaxCostPerCall caps the estimated cost of any single action.
	MaxCostPerCall float64 `json:"maxCostPerCall,omitempty"`
	// MaxCostTotal caps cumulative committed cost across the mandate.
	MaxCostTotal float64 `json:"maxCostTotal,omitempty"`

	// RateLimit caps the agent's overall call volume.
	RateLimit *RateLimit `json:"rateLimit,omitempty"`

	// AllowedTools and DeniedTools are glob patterns. Deny wins over allow;
	// an empty allow list permits everything not denied.
	AllowedTools []string `json:"allowedTools,omitempty"`
	DeniedTools  []string `json:"deniedTools,omitempty"`

	// ToolPolicies refine limits per tool name (exact match, not glob).
	ToolPolicies map[string]*ToolPolicy `json:"toolPolicies,omitempty"`

	// DefaultChargingPolicy applies when a tool policy does not override
	// it. The zero value charges on success.
	DefaultChargingPolicy *ChargingPolicy `json:"defaultChargingPolicy,omitempty"`

	// CustomPricing overrides the built-in LLM price table.
	CustomPricing pricing.Table `json:"customPricing,omitempty"`
}

// ToolPolicyFor returns the policy for a tool, or nil when none is set.
func (m *Mandate) ToolPolicyFor(tool string) *ToolPolicy {
	if m == nil || m.ToolPolicies == nil {
		return nil
	}
	return m.ToolPolicies[tool]
}

// ChargingPolicyFor resolves the charging policy for a tool: the tool
// override first, then the mandate default, then charge-on-success.
func (m *Mandate) ChargingPolicyFor(tool string) ChargingPolicy {
	if p := m.ToolPolicyFor(tool); p != nil && p.ChargingPolicy != nil {
		return *p.ChargingPolicy
	}
	if m != nil && m.DefaultChargingPolicy != nil {
		return *m.DefaultChargingPolicy
	}
	return ChargingPolicy{Kind: ChargeSuccessBased}
}

// ExpiredAt reports whether the mandate is expired at the given instant.
// A mandate without ExpiresAt never expires.
func (m *Mandate) ExpiredAt(t time.Time) bool {
	return m.ExpiresAt != nil && t.After(*m.ExpiresAt)
}
