// Package client is the embedding surface of the kernel: one Client binds
// one mandate to a policy engine, a state manager, and an audit sink, and
// exposes governed execution plus the kill switch and spend introspection.
//
// The zero-configuration path is fully in-process: in-memory state, console
// auditing, built-in prices. Options swap in the distributed state manager,
// other sinks, telemetry, and price tables.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/kashaf12/mandate/pkg/audit"
	"github.com/kashaf12/mandate/pkg/config"
	"github.com/kashaf12/mandate/pkg/contracts"
	"github.com/kashaf12/mandate/pkg/executor"
	"github.com/kashaf12/mandate/pkg/observability"
	"github.com/kashaf12/mandate/pkg/policy"
	"github.com/kashaf12/mandate/pkg/pricing"
	"github.com/kashaf12/mandate/pkg/state"
)

// DefaultFreeModelMaxTokens caps output tokens for zero-priced models when
// no override is configured.
const DefaultFreeModelMaxTokens int64 = 4096

// Client executes actions for a single agent under a single mandate.
type Client struct {
	mandate *contracts.Mandate
	states  state.Manager
	sink    audit.Sink
	exec    *executor.Executor
	log     *slog.Logger
	obs     *observability.Provider
	cfg     *config.Config

	prices             pricing.Table // config-loaded overrides, below mandate.CustomPricing
	freeModelMaxTokens int64
	verifyTimeout      time.Duration
	noAudit            bool
}

// Option configures a Client.
type Option func(*Client)

// WithStateManager replaces the default in-memory manager, typically with
// the distributed one.
func WithStateManager(m state.Manager) Option {
	return func(c *Client) {
		if m != nil {
			c.states = m
		}
	}
}

// WithAuditSink installs a custom sink.
func WithAuditSink(s audit.Sink) Option {
	return func(c *Client) {
		if s != nil {
			c.sink = s
		}
	}
}

// WithFileAudit appends audit entries to the given path, one JSON object
// per line.
func WithFileAudit(path string) Option {
	return func(c *Client) { c.sink = audit.NewFileSink(path) }
}

// WithNoAudit disables auditing.
func WithNoAudit() Option {
	return func(c *Client) {
		c.sink = audit.NewNoopSink()
		c.noAudit = true
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.log = logger
		}
	}
}

// WithObservability attaches a telemetry provider.
func WithObservability(p *observability.Provider) Option {
	return func(c *Client) { c.obs = p }
}

// WithFreeModelMaxTokens overrides the output-token cap for zero-priced
// models.
func WithFreeModelMaxTokens(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.freeModelMaxTokens = n
		}
	}
}

// WithConfig applies environment-derived settings: audit sink selection,
// verification timeout, the free-model token cap, and the price table path.
// Explicit options win over the config.
func WithConfig(cfg *config.Config) Option {
	return func(c *Client) { c.cfg = cfg }
}

// New builds a Client bound to the mandate. The mandate must carry both an
// agent ID and a mandate ID; everything else is optional.
func New(m *contracts.Mandate, opts ...Option) (*Client, error) {
	if m == nil {
		return nil, errors.New("client: mandate is required")
	}
	if m.AgentID == "" || m.MandateID == "" {
		return nil, errors.New("client: mandate requires both agentId and mandateId")
	}

	c := &Client{
		mandate: m,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.applyConfig(); err != nil {
		return nil, err
	}

	if c.states == nil {
		c.states = state.NewMemoryManager()
	}
	if c.sink == nil {
		c.sink = audit.NewConsoleSink()
	}
	if c.freeModelMaxTokens <= 0 {
		c.freeModelMaxTokens = DefaultFreeModelMaxTokens
	}

	xopts := []executor.Option{
		executor.WithLogger(c.log),
		executor.WithObservability(c.obs),
	}
	if c.verifyTimeout > 0 {
		xopts = append(xopts, executor.WithVerificationTimeout(c.verifyTimeout))
	}
	c.exec = executor.New(policy.NewEngine(c.log), c.states, c.sink, xopts...)

	return c, nil
}

// applyConfig fills fields no explicit option claimed.
func (c *Client) applyConfig() error {
	if c.cfg == nil {
		return nil
	}
	if c.sink == nil && !c.noAudit {
		switch c.cfg.AuditSink {
		case config.AuditMemory:
			c.sink = audit.NewMemorySink()
		case config.AuditFile:
			c.sink = audit.NewFileSink(c.cfg.AuditFilePath)
		case config.AuditNone:
			c.sink = audit.NewNoopSink()
		}
	}
	if c.freeModelMaxTokens <= 0 && c.cfg.FreeModelMaxTokens > 0 {
		c.freeModelMaxTokens = c.cfg.FreeModelMaxTokens
	}
	if c.cfg.VerificationTimeout > 0 {
		c.verifyTimeout = c.cfg.VerificationTimeout
	}
	if c.cfg.PriceTablePath != "" {
		t, err := pricing.LoadTable(c.cfg.PriceTablePath)
		if err != nil {
			return fmt.Errorf("client: %w", err)
		}
		c.prices = t
	}
	return nil
}

// Mandate returns the mandate this client is bound to.
func (c *Client) Mandate() *contracts.Mandate {
	return c.mandate
}

// ExecuteTool runs a tool call through the full lifecycle. The action must
// be a tool call belonging to this client's agent.
func (c *Client) ExecuteTool(ctx context.Context, action *contracts.Action, fn executor.ExecFunc) (any, error) {
	if action == nil {
		return nil, errors.New("client: action is required")
	}
	if action.Kind != contracts.ActionToolCall {
		return nil, fmt.Errorf("client: ExecuteTool requires a %s action, got %s", contracts.ActionToolCall, action.Kind)
	}
	if err := c.ownAction(action); err != nil {
		return nil, err
	}
	return c.exec.Execute(ctx, action, c.mandate, fn)
}

func (c *Client) ownAction(action *contracts.Action) error {
	if action.AgentID != c.mandate.AgentID {
		return fmt.Errorf("client: action belongs to agent %q, this client is bound to %q",
			action.AgentID, c.mandate.AgentID)
	}
	return nil
}

// Kill sets the kill flag for this client's (agent, mandate) pair. Every
// subsequent admission fails with AGENT_KILLED until Resurrect.
func (c *Client) Kill(ctx context.Context, reason string) error {
	return c.states.Kill(ctx, c.mandate.AgentID, c.mandate.MandateID, reason)
}

// Resurrect clears the kill flag.
func (c *Client) Resurrect(ctx context.Context) error {
	return c.states.Resurrect(ctx, c.mandate.AgentID, c.mandate.MandateID)
}

// IsKilled reports the kill flag.
func (c *Client) IsKilled(ctx context.Context) (bool, error) {
	return c.states.IsKilled(ctx, c.mandate.AgentID, c.mandate.MandateID)
}

// GetCost returns the cumulative committed cost under this mandate.
func (c *Client) GetCost(ctx context.Context) (float64, error) {
	st, err := c.states.Get(ctx, c.mandate.AgentID, c.mandate.MandateID)
	if err != nil {
		return 0, err
	}
	return st.CumulativeCost, nil
}

// GetRemainingBudget returns what is left of MaxCostTotal, clamped at zero.
// A mandate without a total ceiling has an infinite budget.
func (c *Client) GetRemainingBudget(ctx context.Context) (float64, error) {
	if c.mandate.MaxCostTotal <= 0 {
		return math.Inf(1), nil
	}
	st, err := c.states.Get(ctx, c.mandate.AgentID, c.mandate.MandateID)
	if err != nil {
		return 0, err
	}
	remaining := c.mandate.MaxCostTotal - st.CumulativeCost
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// GetCallCount returns the number of committed calls in the current agent
// rate window, or overall when no window is configured.
func (c *Client) GetCallCount(ctx context.Context) (int64, error) {
	st, err := c.states.Get(ctx, c.mandate.AgentID, c.mandate.MandateID)
	if err != nil {
		return 0, err
	}
	return st.CallCount, nil
}

// OnKill subscribes to kill events for this client's agent. It fails with
// state.ErrNoKillNotifications when the manager cannot push events.
func (c *Client) OnKill(h state.KillHandler) (off func(), err error) {
	notifier, ok := c.states.(state.KillNotifier)
	if !ok {
		return nil, state.ErrNoKillNotifications
	}
	return notifier.OnKill(c.mandate.AgentID, h)
}

// Close releases resources owned by the state manager and, when the sink
// holds any, the audit sink.
func (c *Client) Close() error {
	err := c.states.Close()
	if closer, ok := c.sink.(io.Closer); ok {
		err = errors.Join(err, closer.Close())
	}
	return err
}
