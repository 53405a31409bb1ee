// Package state manages per-(agent, mandate) accounting: cumulative spend,
// call counts, rate windows, replay sets, execution leases, and the kill
// flag. Two implementations share one contract: MemoryManager guards a
// single process with a mutex, RedisManager shares state across processes
// and performs admission atomically in a server-side script.
//
// The policy engine reads this state and never writes it; managers commit
// admitted actions and never decide. Commit arithmetic is identical across
// backends so that a process can be pointed at either one without behavior
// changes.
package state

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kashaf12/mandate/pkg/contracts"
)

var (
	// ErrNoKillNotifications is returned by OnKill when the manager has no
	// propagation channel to watch.
	ErrNoKillNotifications = errors.New("state: manager does not support kill notifications")
)

// Manager is the accounting backend for one or more agents. All methods are
// safe for concurrent use.
//
// Get returns a snapshot: mutating the returned state never affects the
// stored one. State is created lazily, so Get on an unknown pair returns a
// zeroed state rather than an error.
type Manager interface {
	// Get returns a snapshot of the state for the pair, pruning any
	// execution leases that have expired.
	Get(ctx context.Context, agentID, mandateID string) (*contracts.AgentState, error)

	// CommitSuccess records an admitted action: it adds chargedCost to the
	// cumulative and per-type totals, marks the action ID and idempotency
	// key as seen, and advances the agent and tool rate windows defined by
	// the mandate.
	CommitSuccess(ctx context.Context, action *contracts.Action, chargedCost float64, m *contracts.Mandate) error

	// Kill sets the kill flag for the pair and propagates it to every
	// process watching the same backend. Killing an unknown pair still
	// records the flag, so admission fails closed when state arrives later.
	Kill(ctx context.Context, agentID, mandateID, reason string) error

	// Resurrect clears the kill flag.
	Resurrect(ctx context.Context, agentID, mandateID string) error

	// IsKilled reports the kill flag without fetching the full state.
	IsKilled(ctx context.Context, agentID, mandateID string) (bool, error)

	// Remove deletes all state held for the agent, across mandates.
	Remove(ctx context.Context, agentID string) error

	// SetLease records that the action is executing and must finish before
	// expiry. ClearLease removes the record. Leases are advisory: they are
	// pruned on read, never enforced by the backend itself.
	SetLease(ctx context.Context, agentID, mandateID, actionID string, expiry time.Time) error
	ClearLease(ctx context.Context, agentID, mandateID, actionID string) error

	// Close releases resources owned by the manager. It never closes
	// clients the caller handed in.
	Close() error
}

// KillEvent is the payload delivered to kill subscribers.
type KillEvent struct {
	AgentID   string    `json:"agentId"`
	MandateID string    `json:"mandateId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// KillHandler consumes kill events. Handlers must not block: they run on
// the delivery goroutine.
type KillHandler func(KillEvent)

// KillNotifier is implemented by managers that can push kill events to
// subscribers. The returned function unsubscribes the handler.
type KillNotifier interface {
	OnKill(agentID string, h KillHandler) (off func(), err error)
}

// AtomicAdmitter is implemented by managers that can run admission and
// commit as one indivisible step against shared state. The executor prefers
// this path when available: it eliminates the read-evaluate-write race
// between processes. The preflight decision carries the verdict of the
// checks only the caller can run (expiry, tool permissions, argument
// validation, per-tool cost ceiling); the backend orders it between its own
// replay/kill checks and the shared-counter checks.
type AtomicAdmitter interface {
	CheckAndCommit(ctx context.Context, action *contracts.Action, m *contracts.Mandate, preflight contracts.Decision) (AtomicResult, error)
}

// AtomicResult is the outcome of an atomic admission. On ALLOW the
// estimated cost has already been committed; CumulativeCost is the total
// after that commit. On BLOCK nothing was written and CumulativeCost is the
// total as the backend saw it.
type AtomicResult struct {
	contracts.Decision
	CumulativeCost float64
}

// applyCommit applies the shared commit arithmetic to a state record:
// charge totals, replay sets, and rate windows. A window that has lapsed at
// the action's timestamp restarts at that timestamp with a count of one;
// without a configured agent window, the call count grows monotonically.
func applyCommit(st *contracts.AgentState, action *contracts.Action, chargedCost float64, agentLimit, toolLimit *contracts.RateLimit) {
	st.CumulativeCost += chargedCost
	if action.CostType == contracts.CostCognition {
		st.CognitionCost += chargedCost
	} else {
		st.ExecutionCost += chargedCost
	}

	st.SeenActionIDs[action.ID] = struct{}{}
	if action.IdempotencyKey != "" {
		st.SeenIdempotencyKeys[action.IdempotencyKey] = struct{}{}
	}

	ts := action.Timestamp
	if agentLimit != nil && agentLimit.Enabled() {
		if !ts.Before(st.WindowStart.Add(agentLimit.Window())) {
			st.WindowStart = ts
			st.CallCount = 1
		} else {
			st.CallCount++
		}
	} else {
		st.CallCount++
		if st.WindowStart.IsZero() {
			st.WindowStart = ts
		}
	}

	if action.Kind == contracts.ActionToolCall && toolLimit != nil && toolLimit.Enabled() {
		w := st.ToolCallCounts[action.Tool]
		if w == nil || !ts.Before(w.WindowStart.Add(toolLimit.Window())) {
			st.ToolCallCounts[action.Tool] = &contracts.ToolWindow{Count: 1, WindowStart: ts}
		} else {
			w.Count++
		}
	}
}

// toolLimitFor returns the rate limit that governs the action's tool, or
// nil when the action is not a tool call or the tool has no limit.
func toolLimitFor(action *contracts.Action, m *contracts.Mandate) *contracts.RateLimit {
	if action.Kind != contracts.ActionToolCall {
		return nil
	}
	tp := m.ToolPolicyFor(action.Tool)
	if tp == nil {
		return nil
	}
	return tp.RateLimit
}

// pruneLeases drops leases that expired at or before now and reports
// whether anything was removed.
func pruneLeases(st *contracts.AgentState, now time.Time) bool {
	pruned := false
	for id, expiry := range st.ExecutionLeases {
		if !expiry.After(now) {
			delete(st.ExecutionLeases, id)
			pruned = true
		}
	}
	return pruned
}

// stateTTL returns how long a backend should retain state for the mandate:
// time to expiry plus an hour of slack for audit reads, with an hour floor.
// Zero means retain indefinitely (the mandate never expires).
func stateTTL(m *contracts.Mandate, now time.Time) time.Duration {
	if m == nil || m.ExpiresAt == nil {
		return 0
	}
	ttl := m.ExpiresAt.Sub(now) + time.Hour
	if ttl < time.Hour {
		ttl = time.Hour
	}
	return ttl
}

// killRegistry fans kill events out to registered handlers. Registration is
// keyed by agent ID; the empty agent ID subscribes to every event.
type killRegistry struct {
	mu       sync.Mutex
	handlers map[string]map[int64]KillHandler
	nextID   int64
}

func (r *killRegistry) add(agentID string, h KillHandler) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[string]map[int64]KillHandler)
	}
	r.nextID++
	id := r.nextID
	set := r.handlers[agentID]
	if set == nil {
		set = make(map[int64]KillHandler)
		r.handlers[agentID] = set
	}
	set[id] = h
	return id
}

func (r *killRegistry) remove(agentID string, id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.handlers[agentID]
	delete(set, id)
	if len(set) == 0 {
		delete(r.handlers, agentID)
	}
}

// dispatch delivers the event to handlers for its agent and to wildcard
// handlers. Handler panics are contained so one bad subscriber cannot stop
// propagation to the rest.
func (r *killRegistry) dispatch(ev KillEvent) {
	keys := []string{ev.AgentID}
	if ev.AgentID != "" {
		keys = append(keys, "")
	}
	r.mu.Lock()
	var targets []KillHandler
	for _, key := range keys {
		for _, h := range r.handlers[key] {
			targets = append(targets, h)
		}
	}
	r.mu.Unlock()

	for _, h := range targets {
		func() {
			defer func() { _ = recover() }()
			h(ev)
		}()
	}
}
