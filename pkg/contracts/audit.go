package contracts

import "time"

// Verification outcomes recorded on audit entries.
const (
	VerificationPassed  = "passed"
	VerificationFailed  = "failed"
	VerificationTimeout = "timeout"
)

// AuditEntry records one terminal evaluation of an action: an admission
// block, an execution failure, a verification failure, or a successful
// commit. Entries are best-effort; losing one never affects enforcement.
type AuditEntry struct {
	EntryID   string    `json:"entryId"`
	Timestamp time.Time `json:"timestamp"`

	AgentID   string `json:"agentId"`
	MandateID string `json:"mandateId"`

	ActionID       string     `json:"actionId"`
	ActionKind     ActionKind `json:"actionKind"`
	IdempotencyKey string     `json:"idempotencyKey,omitempty"`
	TraceID        string     `json:"traceId,omitempty"`
	ParentActionID string     `json:"parentActionId,omitempty"`

	Tool     string `json:"tool,omitempty"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	Decision Effect    `json:"decision"`
	Reason   string    `json:"reason,omitempty"`
	Code     BlockCode `json:"code,omitempty"`

	EstimatedCost  float64  `json:"estimatedCost"`
	ActualCost     *float64 `json:"actualCost,omitempty"`
	ChargedCost    float64  `json:"chargedCost"`
	CumulativeCost float64  `json:"cumulativeCost"`

	DurationMs   int64  `json:"durationMs,omitempty"`
	Verification string `json:"verification,omitempty"`

	// DecisionDigest is a SHA-256 over the canonicalized identity of the
	// decision (who, what, verdict, amounts). Two systems that observed the
	// same terminal evaluation produce the same digest.
	DecisionDigest string `json:"decisionDigest,omitempty"`
}
