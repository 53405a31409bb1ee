package contracts

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ActionKind discriminates the two action variants.
type ActionKind string

const (
	// ActionToolCall is an effectful call to an external tool.
	ActionToolCall ActionKind = "tool_call"
	// ActionLLMCall is a cognitive call to an LLM provider.
	ActionLLMCall ActionKind = "llm_call"
)

// CostType buckets committed cost into cognition or execution spend.
type CostType string

const (
	CostCognition CostType = "COGNITION"
	CostExecution CostType = "EXECUTION"
)

// Action is one proposed operation. Tool calls populate Tool and Args; LLM
// calls populate Provider, Model and the token estimates. The ID is unique
// per logical intent: retries of the same intent reuse the IdempotencyKey,
// which derives the same ID, which replay protection then catches.
type Action struct {
	ID        string     `json:"id"`
	Kind      ActionKind `json:"kind"`
	AgentID   string     `json:"agentId"`
	Timestamp time.Time  `json:"timestamp"`

	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	TraceID        string `json:"traceId,omitempty"`
	ParentActionID string `json:"parentActionId,omitempty"`

	EstimatedCost float64  `json:"estimatedCost"`
	CostType      CostType `json:"costType"`

	// Tool call fields.
	Tool string         `json:"tool,omitempty"`
	Args map[string]any `json:"args,omitempty"`

	// LLM call fields.
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	InputTokens  int64  `json:"inputTokens,omitempty"`
	OutputTokens int64  `json:"outputTokens,omitempty"`
}

// idPrefix maps an action kind to the short prefix used in generated ids.
func idPrefix(kind ActionKind) string {
	if kind == ActionLLMCall {
		return "llm"
	}
	return "tool"
}

// GenerateActionID produces the id for an action. With an idempotency key
// the id is deterministic: the first 16 hex characters of
// SHA-256("<prefix>:<key>"), so the same logical intent always maps to the
// same id across processes and retries. Without a key the id is random with
// the same shape.
func GenerateActionID(kind ActionKind, idempotencyKey string) string {
	prefix := idPrefix(kind)
	if idempotencyKey != "" {
		sum := sha256.Sum256([]byte(prefix + ":" + idempotencyKey))
		return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(sum[:])[:16])
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("contracts: generate action id: %v", err))
	}
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(buf[:]))
}

// ActionOption customizes a factory-built action.
type ActionOption func(*Action)

// WithIdempotencyKey marks the action as a retryable intent. The action id
// becomes deterministic in the key.
func WithIdempotencyKey(key string) ActionOption {
	return func(a *Action) { a.IdempotencyKey = key }
}

// WithTraceID attaches a correlation id.
func WithTraceID(id string) ActionOption {
	return func(a *Action) { a.TraceID = id }
}

// WithParentActionID links this action to the action that spawned it.
func WithParentActionID(id string) ActionOption {
	return func(a *Action) { a.ParentActionID = id }
}

// WithTimestamp overrides the action timestamp. Admission compares this
// timestamp against mandate expiry and rate windows.
func WithTimestamp(t time.Time) ActionOption {
	return func(a *Action) { a.Timestamp = t }
}

// WithTokenEstimates sets the token counts an LLM action expects to spend.
func WithTokenEstimates(input, output int64) ActionOption {
	return func(a *Action) {
		a.InputTokens = input
		a.OutputTokens = output
	}
}

// NewToolAction builds a tool call. The id derives from the idempotency key
// when one is supplied via options.
func NewToolAction(agentID, tool string, args map[string]any, estimatedCost float64, opts ...ActionOption) *Action {
	a := &Action{
		Kind:          ActionToolCall,
		AgentID:       agentID,
		Timestamp:     time.Now(),
		EstimatedCost: estimatedCost,
		CostType:      CostExecution,
		Tool:          tool,
		Args:          args,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.ID == "" {
		a.ID = GenerateActionID(ActionToolCall, a.IdempotencyKey)
	}
	return a
}

// NewLLMAction builds a cognitive call.
func NewLLMAction(agentID, provider, model string, estimatedCost float64, opts ...ActionOption) *Action {
	a := &Action{
		Kind:          ActionLLMCall,
		AgentID:       agentID,
		Timestamp:     time.Now(),
		EstimatedCost: estimatedCost,
		CostType:      CostCognition,
		Provider:      provider,
		Model:         model,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.ID == "" {
		a.ID = GenerateActionID(ActionLLMCall, a.IdempotencyKey)
	}
	return a
}
