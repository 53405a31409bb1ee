// Package executor runs admitted actions through their full lifecycle:
// authorize, lease, execute, verify, commit. It is the only component that
// calls tool functions, and it never mutates accounting state directly --
// every mutation flows through the state manager.
//
// Admission picks one of two paths. When the state manager can admit
// atomically (the distributed backend), the executor computes the stateless
// preflight verdict and hands it to the backend, which runs every check and
// the commit as one indivisible step; the estimated cost is committed before
// execution and stands regardless of outcome. Otherwise the executor reads a
// state snapshot, evaluates policy in process, and commits the charged cost
// after the action settles.
//
// The executor never retries. Retrying is a caller concern: reusing an
// idempotency key derives the same action ID, which replay protection then
// catches.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kashaf12/mandate/pkg/audit"
	"github.com/kashaf12/mandate/pkg/charging"
	"github.com/kashaf12/mandate/pkg/contracts"
	"github.com/kashaf12/mandate/pkg/observability"
	"github.com/kashaf12/mandate/pkg/policy"
	"github.com/kashaf12/mandate/pkg/state"
)

// ExecFunc performs the side effect an admitted action authorizes. The
// action it receives carries any transformed arguments produced during
// validation. The context is canceled when the execution lease expires,
// though the executor does not rely on the function honoring it.
type ExecFunc func(ctx context.Context, action *contracts.Action) (any, error)

// Executor drives the action lifecycle. Safe for concurrent use across
// agents; per-(agent, mandate) serialization on the in-memory backend is
// the caller's responsibility.
type Executor struct {
	engine *policy.Engine
	states state.Manager
	sink   audit.Sink
	log    *slog.Logger
	obs    *observability.Provider

	// verificationTimeout bounds verifiers whose tool policy does not set
	// its own deadline.
	verificationTimeout time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(x *Executor) {
		if logger != nil {
			x.log = logger.With("component", "executor")
		}
	}
}

// WithObservability attaches a telemetry provider. A nil provider is
// allowed and records nothing.
func WithObservability(p *observability.Provider) Option {
	return func(x *Executor) { x.obs = p }
}

// WithVerificationTimeout overrides the default verifier deadline used when
// a tool policy does not declare one.
func WithVerificationTimeout(d time.Duration) Option {
	return func(x *Executor) {
		if d > 0 {
			x.verificationTimeout = d
		}
	}
}

// New builds an Executor. A nil engine gets a default policy engine, a nil
// states manager gets an in-memory one, and a nil sink disables auditing.
func New(engine *policy.Engine, states state.Manager, sink audit.Sink, opts ...Option) *Executor {
	if engine == nil {
		engine = policy.NewEngine(nil)
	}
	if states == nil {
		states = state.NewMemoryManager()
	}
	if sink == nil {
		sink = audit.NewNoopSink()
	}
	x := &Executor{
		engine:              engine,
		states:              states,
		sink:                sink,
		log:                 slog.Default().With("component", "executor"),
		verificationTimeout: contracts.DefaultVerificationTimeout,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Execute runs one action under the mandate. It returns the tool's result
// on success; a *BlockedError when admission, the lease, or the
// verification deadline refused the action; a *VerificationError when the
// verifier rejected the result; and the tool's own error, unwrapped, when
// execution failed.
func (x *Executor) Execute(ctx context.Context, action *contracts.Action, m *contracts.Mandate, fn ExecFunc) (any, error) {
	if action == nil || m == nil {
		return nil, fmt.Errorf("executor: action and mandate are required")
	}
	if fn == nil {
		return nil, fmt.Errorf("executor: no function to execute for action %s", action.ID)
	}
	if action.AgentID != m.AgentID {
		return nil, fmt.Errorf("executor: action agent %q does not match mandate agent %q", action.AgentID, m.AgentID)
	}

	ctx, finish := x.obs.TrackExecution(ctx, action)
	result, err := x.execute(ctx, action, m, fn)
	finish(err)
	return result, err
}

func (x *Executor) execute(ctx context.Context, action *contracts.Action, m *contracts.Mandate, fn ExecFunc) (any, error) {
	// Phase 1: authorize. The atomic path admits and commits the estimate
	// in one backend round trip; the fallback evaluates against a snapshot.
	var (
		dec        contracts.Decision
		cumulative float64
		atomic     bool
	)
	if adm, ok := x.states.(state.AtomicAdmitter); ok {
		pre := x.engine.Preflight(action, m)
		res, err := adm.CheckAndCommit(ctx, action, m, pre)
		if err != nil {
			return nil, fmt.Errorf("executor: atomic admission for action %s: %w", action.ID, err)
		}
		dec, cumulative, atomic = res.Decision, res.CumulativeCost, true
		if dec.Allowed() {
			dec.TransformedArgs = pre.TransformedArgs
		}
	} else {
		st, err := x.states.Get(ctx, action.AgentID, m.MandateID)
		if err != nil {
			return nil, fmt.Errorf("executor: load state for agent %s: %w", action.AgentID, err)
		}
		dec = x.engine.Evaluate(action, m, st)
		cumulative = st.CumulativeCost
	}

	if dec.Effect == contracts.EffectDefer {
		return nil, ErrDeferUnsupported
	}
	x.obs.RecordAdmission(ctx, action, dec)

	if !dec.Allowed() {
		e := x.newEntry(action, m)
		e.Decision = contracts.EffectBlock
		e.Code = dec.Code
		e.Reason = dec.Reason
		e.CumulativeCost = cumulative
		x.audit(ctx, e)
		return nil, &BlockedError{AgentID: action.AgentID, ActionID: action.ID, Decision: dec}
	}

	exec := action
	if dec.TransformedArgs != nil {
		clone := *action
		clone.Args = dec.TransformedArgs
		exec = &clone
	}

	// Phase 2: lease. Advisory across processes, enforced locally as a
	// deadline on the call.
	tp := m.ToolPolicyFor(action.Tool)
	lease := tp.ExecutionLease()
	if lease > 0 {
		if err := x.states.SetLease(ctx, action.AgentID, m.MandateID, action.ID, time.Now().Add(lease)); err != nil {
			x.log.Warn("set execution lease", "actionId", action.ID, "error", err)
		}
	}

	// Phase 3: execute.
	start := time.Now()
	result, execErr, timedOut := x.run(ctx, exec, fn, lease)
	duration := time.Since(start)

	if lease > 0 {
		if err := x.states.ClearLease(ctx, action.AgentID, m.MandateID, action.ID); err != nil {
			x.log.Warn("clear execution lease", "actionId", action.ID, "error", err)
		}
	}

	if timedOut {
		charged := x.settleFailure(ctx, action, m, atomic, contracts.Outcome{
			Executed:      true,
			EstimatedCost: action.EstimatedCost,
		})
		reason := fmt.Sprintf("execution exceeded lease of %dms", tp.ExecutionLeaseMs)
		e := x.newEntry(action, m)
		e.Decision = contracts.EffectBlock
		e.Code = contracts.BlockExecutionTimeout
		e.Reason = reason
		e.ChargedCost = charged
		e.CumulativeCost = x.settledCumulative(cumulative, charged, atomic)
		e.DurationMs = duration.Milliseconds()
		x.audit(ctx, e)
		return nil, &BlockedError{
			AgentID:  action.AgentID,
			ActionID: action.ID,
			Decision: contracts.Block(contracts.BlockExecutionTimeout, reason),
		}
	}

	if execErr != nil {
		charged := x.settleFailure(ctx, action, m, atomic, contracts.Outcome{
			Executed:      true,
			EstimatedCost: action.EstimatedCost,
		})
		e := x.newEntry(action, m)
		e.Decision = contracts.EffectAllow
		e.Reason = fmt.Sprintf("execution failed: %v", execErr)
		e.ChargedCost = charged
		e.CumulativeCost = x.settledCumulative(cumulative, charged, atomic)
		e.DurationMs = duration.Milliseconds()
		x.audit(ctx, e)
		return nil, execErr
	}

	actual := reportedCost(result)

	// Phase 4: verify.
	verification := ""
	if tp != nil && tp.Verifier != nil {
		vTimeout := x.verificationTimeout
		if tp.VerificationTimeoutMs > 0 {
			vTimeout = time.Duration(tp.VerificationTimeoutMs) * time.Millisecond
		}
		verifyErr, verifyTimedOut := x.verify(ctx, tp.Verifier, exec, result, m, vTimeout)

		if verifyTimedOut {
			charged := x.settleFailure(ctx, action, m, atomic, contracts.Outcome{
				Executed:         true,
				ExecutionSuccess: true,
				EstimatedCost:    action.EstimatedCost,
				ActualCost:       actual,
			})
			reason := fmt.Sprintf("verification exceeded %s", vTimeout)
			e := x.newEntry(action, m)
			e.Decision = contracts.EffectBlock
			e.Code = contracts.BlockVerificationTimeout
			e.Reason = reason
			e.ActualCost = actual
			e.ChargedCost = charged
			e.CumulativeCost = x.settledCumulative(cumulative, charged, atomic)
			e.DurationMs = duration.Milliseconds()
			e.Verification = contracts.VerificationTimeout
			x.audit(ctx, e)
			return nil, &BlockedError{
				AgentID:  action.AgentID,
				ActionID: action.ID,
				Decision: contracts.Block(contracts.BlockVerificationTimeout, reason),
			}
		}
		if verifyErr != nil {
			charged := x.settleFailure(ctx, action, m, atomic, contracts.Outcome{
				Executed:         true,
				ExecutionSuccess: true,
				EstimatedCost:    action.EstimatedCost,
				ActualCost:       actual,
			})
			e := x.newEntry(action, m)
			e.Decision = contracts.EffectBlock
			e.Code = contracts.BlockVerificationFailed
			e.Reason = fmt.Sprintf("verification failed: %v", verifyErr)
			e.ActualCost = actual
			e.ChargedCost = charged
			e.CumulativeCost = x.settledCumulative(cumulative, charged, atomic)
			e.DurationMs = duration.Milliseconds()
			e.Verification = contracts.VerificationFailed
			x.audit(ctx, e)
			return nil, &VerificationError{AgentID: action.AgentID, ActionID: action.ID, Err: verifyErr}
		}
		verification = contracts.VerificationPassed
	}

	// Phase 5: commit.
	outcome := contracts.Outcome{
		Executed:            true,
		ExecutionSuccess:    true,
		VerificationSuccess: true,
		EstimatedCost:       action.EstimatedCost,
		ActualCost:          actual,
	}
	pol := m.ChargingPolicyFor(action.Tool)
	charged := charging.Charge(pol, outcome)
	if atomic {
		// The estimate was committed at admission and is not reconciled
		// against the actual cost.
		charged = action.EstimatedCost
	} else if shouldCommit(pol, charged, outcome) {
		if err := x.states.CommitSuccess(ctx, action, charged, m); err != nil {
			return nil, fmt.Errorf("executor: commit for action %s: %w", action.ID, err)
		}
		cumulative += charged
	}
	if charged > 0 {
		x.obs.RecordCharge(ctx, action, charged)
	}

	e := x.newEntry(action, m)
	e.Decision = contracts.EffectAllow
	e.Reason = dec.Reason
	e.ActualCost = actual
	e.ChargedCost = charged
	e.CumulativeCost = cumulative
	e.DurationMs = duration.Milliseconds()
	e.Verification = verification
	x.audit(ctx, e)

	return result, nil
}

// run invokes fn, bounded by the lease when one is set. The deadline never
// interrupts fn; on expiry the executor stops waiting and settles the
// action as timed out. Panics surface as execution errors.
func (x *Executor) run(ctx context.Context, action *contracts.Action, fn ExecFunc, lease time.Duration) (result any, err error, timedOut bool) {
	lctx := ctx
	if lease > 0 {
		var cancel context.CancelFunc
		lctx, cancel = context.WithTimeout(ctx, lease)
		defer cancel()
	}

	type settled struct {
		result any
		err    error
	}
	done := make(chan settled, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- settled{err: fmt.Errorf("executor: tool panicked: %v", r)}
			}
		}()
		res, err := fn(lctx, action)
		done <- settled{result: res, err: err}
	}()

	select {
	case s := <-done:
		return s.result, s.err, false
	case <-lctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err(), false
		}
		return nil, nil, true
	}
}

// verify runs the verifier under its deadline. Panics fail verification;
// deadline expiry is reported separately so the caller can use the timeout
// block code.
func (x *Executor) verify(ctx context.Context, v contracts.Verifier, action *contracts.Action, result any, m *contracts.Mandate, timeout time.Duration) (err error, timedOut bool) {
	vctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("verifier panicked: %v", r)
			}
		}()
		done <- v(vctx, action, result, m)
	}()

	select {
	case err := <-done:
		return err, false
	case <-vctx.Done():
		if ctx.Err() != nil {
			return ctx.Err(), false
		}
		return nil, true
	}
}

// settleFailure charges a failed or unverified execution. On the atomic
// path the estimate is already committed and stands as the charge. On the
// in-process path the charge is computed here and committed when non-zero,
// or when an attempt-based policy requires recording the attempt. Commit
// errors are logged, not returned: the caller's own failure takes
// precedence.
func (x *Executor) settleFailure(ctx context.Context, action *contracts.Action, m *contracts.Mandate, atomic bool, o contracts.Outcome) float64 {
	if atomic {
		return action.EstimatedCost
	}
	pol := m.ChargingPolicyFor(action.Tool)
	charged := charging.Charge(pol, o)
	if shouldCommit(pol, charged, o) {
		if err := x.states.CommitSuccess(ctx, action, charged, m); err != nil {
			x.log.Warn("commit charge for failed action", "actionId", action.ID, "error", err)
		}
	}
	if charged > 0 {
		x.obs.RecordCharge(ctx, action, charged)
	}
	return charged
}

// shouldCommit decides whether an outcome reaches the state manager. Zero
// charges normally leave state untouched so a failed call can be retried
// under the same idempotency key; attempt-based policies record every
// attempt regardless.
func shouldCommit(pol contracts.ChargingPolicy, charged float64, o contracts.Outcome) bool {
	return charged > 0 || (pol.Kind == contracts.ChargeAttemptBased && o.Executed)
}

// settledCumulative is the cumulative cost to report after a failure
// settlement: the atomic path already included the estimate at admission,
// the in-process path adds whatever was just committed.
func (x *Executor) settledCumulative(cumulative, charged float64, atomic bool) float64 {
	if atomic {
		return cumulative
	}
	return cumulative + charged
}

// reportedCost extracts the authoritative cost from an execution result:
// either the result implements contracts.CostReporter, or it is a map
// carrying a numeric "actual_cost".
func reportedCost(result any) *float64 {
	switch r := result.(type) {
	case contracts.CostReporter:
		if cost, ok := r.ActualCost(); ok {
			return &cost
		}
	case map[string]any:
		if cost, ok := toFloat(r["actual_cost"]); ok {
			return &cost
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func (x *Executor) newEntry(action *contracts.Action, m *contracts.Mandate) *contracts.AuditEntry {
	return &contracts.AuditEntry{
		EntryID:        uuid.NewString(),
		Timestamp:      time.Now().UTC(),
		AgentID:        action.AgentID,
		MandateID:      m.MandateID,
		ActionID:       action.ID,
		ActionKind:     action.Kind,
		IdempotencyKey: action.IdempotencyKey,
		TraceID:        action.TraceID,
		ParentActionID: action.ParentActionID,
		Tool:           action.Tool,
		Provider:       action.Provider,
		Model:          action.Model,
		EstimatedCost:  action.EstimatedCost,
	}
}

// audit stamps and writes the entry. Sinks swallow their own errors, but a
// panicking custom sink must not take the action down with it.
func (x *Executor) audit(ctx context.Context, e *contracts.AuditEntry) {
	defer func() {
		if r := recover(); r != nil {
			x.log.Warn("audit sink panicked", "entryId", e.EntryID, "panic", r)
		}
	}()
	audit.StampDigest(e)
	x.sink.Log(ctx, e)
}
