package contracts

import "time"

// ToolWindow is the per-tool rate window inside AgentState.
type ToolWindow struct {
	Count       int64     `json:"count"`
	WindowStart time.Time `json:"windowStart"`
}

// AgentState is the mutable accounting record for one (agent, mandate)
// pair. It is created lazily with zeroed counters on first access and is
// mutated only by the state manager. The policy engine reads it; the
// executor never touches it directly.
type AgentState struct {
	AgentID   string `json:"agentId"`
	MandateID string `json:"mandateId"`

	// CumulativeCost is always CognitionCost + ExecutionCost.
	CumulativeCost float64 `json:"cumulativeCost"`
	CognitionCost  float64 `json:"cognitionCost"`
	ExecutionCost  float64 `json:"executionCost"`

	CallCount   int64     `json:"callCount"`
	WindowStart time.Time `json:"windowStart"`

	ToolCallCounts map[string]*ToolWindow `json:"toolCallCounts,omitempty"`

	SeenActionIDs       map[string]struct{} `json:"-"`
	SeenIdempotencyKeys map[string]struct{} `json:"-"`

	// ExecutionLeases maps actionId to lease expiry. Entries past their
	// deadline are dropped on read.
	ExecutionLeases map[string]time.Time `json:"executionLeases,omitempty"`

	Killed       bool       `json:"killed"`
	KilledAt     *time.Time `json:"killedAt,omitempty"`
	KilledReason string     `json:"killedReason,omitempty"`
}

// NewAgentState returns a zeroed state record for the pair.
func NewAgentState(agentID, mandateID string) *AgentState {
	return &AgentState{
		AgentID:             agentID,
		MandateID:           mandateID,
		ToolCallCounts:      make(map[string]*ToolWindow),
		SeenActionIDs:       make(map[string]struct{}),
		SeenIdempotencyKeys: make(map[string]struct{}),
		ExecutionLeases:     make(map[string]time.Time),
	}
}

// HasSeen reports whether the action id or idempotency key was already
// committed for this pair.
func (s *AgentState) HasSeen(actionID, idempotencyKey string) bool {
	if _, ok := s.SeenActionIDs[actionID]; ok {
		return true
	}
	if idempotencyKey == "" {
		return false
	}
	_, ok := s.SeenIdempotencyKeys[idempotencyKey]
	return ok
}

// ToolWindowFor returns the rate window for a tool, or nil when the tool
// has never been called.
func (s *AgentState) ToolWindowFor(tool string) *ToolWindow {
	if s.ToolCallCounts == nil {
		return nil
	}
	return s.ToolCallCounts[tool]
}

// Clone deep-copies the state so callers can inspect it without racing the
// manager's own mutations.
func (s *AgentState) Clone() *AgentState {
	if s == nil {
		return nil
	}
	out := *s
	out.ToolCallCounts = make(map[string]*ToolWindow, len(s.ToolCallCounts))
	for k, v := range s.ToolCallCounts {
		w := *v
		out.ToolCallCounts[k] = &w
	}
	out.SeenActionIDs = make(map[string]struct{}, len(s.SeenActionIDs))
	for k := range s.SeenActionIDs {
		out.SeenActionIDs[k] = struct{}{}
	}
	out.SeenIdempotencyKeys = make(map[string]struct{}, len(s.SeenIdempotencyKeys))
	for k := range s.SeenIdempotencyKeys {
		out.SeenIdempotencyKeys[k] = struct{}{}
	}
	out.ExecutionLeases = make(map[string]time.Time, len(s.ExecutionLeases))
	for k, v := range s.ExecutionLeases {
		out.ExecutionLeases[k] = v
	}
	if s.KilledAt != nil {
		t := *s.KilledAt
		out.KilledAt = &t
	}
	return &out
}
