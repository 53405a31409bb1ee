package state

import (
	"context"
	"sync"
	"time"

	"github.com/kashaf12/mandate/pkg/contracts"
)

type pairKey struct {
	agentID   string
	mandateID string
}

// MemoryManager keeps all state in process memory behind one mutex. It is
// the default backend: zero setup, strictly consistent within the process,
// and kill events reach subscribers synchronously. State vanishes on
// restart and is invisible to other processes.
type MemoryManager struct {
	mu     sync.RWMutex
	states map[pairKey]*contracts.AgentState
	kills  killRegistry
}

var (
	_ Manager      = (*MemoryManager)(nil)
	_ KillNotifier = (*MemoryManager)(nil)
)

// NewMemoryManager returns an empty in-process manager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{states: make(map[pairKey]*contracts.AgentState)}
}

// ensure returns the live record for the pair, creating it when absent.
// Callers hold the write lock.
func (m *MemoryManager) ensure(agentID, mandateID string) *contracts.AgentState {
	key := pairKey{agentID, mandateID}
	st := m.states[key]
	if st == nil {
		st = contracts.NewAgentState(agentID, mandateID)
		m.states[key] = st
	}
	return st
}

// Get returns a snapshot of the pair's state. Expired execution leases are
// pruned from the live record before the copy is taken.
func (m *MemoryManager) Get(_ context.Context, agentID, mandateID string) (*contracts.AgentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.ensure(agentID, mandateID)
	pruneLeases(st, time.Now())
	return st.Clone(), nil
}

// CommitSuccess records an admitted action against the live state.
func (m *MemoryManager) CommitSuccess(_ context.Context, action *contracts.Action, chargedCost float64, mandate *contracts.Mandate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.ensure(action.AgentID, mandate.MandateID)
	applyCommit(st, action, chargedCost, mandate.RateLimit, toolLimitFor(action, mandate))
	return nil
}

// Kill flags the pair and delivers the event to subscribers before
// returning, so in-process propagation is immediate.
func (m *MemoryManager) Kill(_ context.Context, agentID, mandateID, reason string) error {
	now := time.Now().UTC()
	m.mu.Lock()
	st := m.ensure(agentID, mandateID)
	st.Killed = true
	st.KilledAt = &now
	st.KilledReason = reason
	m.mu.Unlock()

	m.kills.dispatch(KillEvent{AgentID: agentID, MandateID: mandateID, Reason: reason, Timestamp: now})
	return nil
}

// Resurrect clears the kill flag for the pair.
func (m *MemoryManager) Resurrect(_ context.Context, agentID, mandateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.ensure(agentID, mandateID)
	st.Killed = false
	st.KilledAt = nil
	st.KilledReason = ""
	return nil
}

// IsKilled reports the pair's kill flag.
func (m *MemoryManager) IsKilled(_ context.Context, agentID, mandateID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.states[pairKey{agentID, mandateID}]
	return st != nil && st.Killed, nil
}

// Remove drops every mandate's state for the agent.
func (m *MemoryManager) Remove(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.states {
		if key.agentID == agentID {
			delete(m.states, key)
		}
	}
	return nil
}

// SetLease records an execution lease for the action.
func (m *MemoryManager) SetLease(_ context.Context, agentID, mandateID, actionID string, expiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.ensure(agentID, mandateID)
	st.ExecutionLeases[actionID] = expiry
	return nil
}

// ClearLease removes the action's execution lease.
func (m *MemoryManager) ClearLease(_ context.Context, agentID, mandateID, actionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.states[pairKey{agentID, mandateID}]; st != nil {
		delete(st.ExecutionLeases, actionID)
	}
	return nil
}

// OnKill subscribes to kill events for the agent. The empty agent ID
// subscribes to every kill.
func (m *MemoryManager) OnKill(agentID string, h KillHandler) (func(), error) {
	id := m.kills.add(agentID, h)
	return func() { m.kills.remove(agentID, id) }, nil
}

// Clear wipes all state. Intended for tests.
func (m *MemoryManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = make(map[pairKey]*contracts.AgentState)
}

// Close is a no-op for the in-process manager.
func (m *MemoryManager) Close() error { return nil }
