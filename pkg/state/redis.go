package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kashaf12/mandate/pkg/contracts"
)

// DefaultKeyPrefix namespaces every key the manager writes.
const DefaultKeyPrefix = "mandate:"

// Hash field names of the state record. They are a wire contract: other
// processes (and other runtimes) read and write the same fields.
const (
	fieldAgentID             = "agentId"
	fieldMandateID           = "mandateId"
	fieldCumulativeCost      = "cumulativeCost"
	fieldCognitionCost       = "cognitionCost"
	fieldExecutionCost       = "executionCost"
	fieldCallCount           = "callCount"
	fieldWindowStart         = "windowStart"
	fieldToolCallCounts      = "toolCallCounts"
	fieldSeenActionIDs       = "seenActionIds"
	fieldSeenIdempotencyKeys = "seenIdempotencyKeys"
	fieldExecutionLeases     = "executionLeases"
	fieldKilled              = "killed"
	fieldKilledAt            = "killedAt"
	fieldKilledReason        = "killedReason"
)

// toolWindowWire is the JSON shape of one entry in the toolCallCounts
// field. Times ride as Unix milliseconds.
type toolWindowWire struct {
	Count       int64 `json:"count"`
	WindowStart int64 `json:"windowStart"`
}

// RedisManager shares state across processes through a Redis hash per
// (agent, mandate) pair, a sorted set per rate-limited tool, and a pub/sub
// channel for kill propagation. Admission runs server-side: RedisManager
// implements AtomicAdmitter, so concurrent processes cannot double-spend a
// budget.
type RedisManager struct {
	client    *redis.Client
	keyPrefix string
	log       *slog.Logger

	// Subscriptions need a dedicated connection; it is created lazily on
	// the first OnKill unless the caller supplied one.
	subClient *redis.Client
	ownsSub   bool
	subOnce   sync.Once
	subErr    error
	pubsub    *redis.PubSub
	kills     killRegistry

	closeMu sync.Mutex
	closed  bool
}

var (
	_ Manager        = (*RedisManager)(nil)
	_ KillNotifier   = (*RedisManager)(nil)
	_ AtomicAdmitter = (*RedisManager)(nil)
)

// RedisOption configures a RedisManager.
type RedisOption func(*RedisManager)

// WithKeyPrefix overrides the key namespace. The prefix is used verbatim;
// include a trailing separator.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisManager) { r.keyPrefix = prefix }
}

// WithSubscriberClient supplies the dedicated connection used for kill
// subscriptions. The caller keeps ownership; Close will not touch it.
func WithSubscriberClient(c *redis.Client) RedisOption {
	return func(r *RedisManager) {
		r.subClient = c
		r.ownsSub = false
	}
}

// WithLogger overrides the manager's logger.
func WithLogger(l *slog.Logger) RedisOption {
	return func(r *RedisManager) {
		if l != nil {
			r.log = l.With("component", "state.RedisManager")
		}
	}
}

// NewRedisManager wraps an already-connected client. The manager never
// closes the client: connection lifecycle stays with the caller.
func NewRedisManager(client *redis.Client, opts ...RedisOption) *RedisManager {
	r := &RedisManager{
		client:    client,
		keyPrefix: DefaultKeyPrefix,
		log:       slog.Default().With("component", "state.RedisManager"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisManager) stateKey(agentID, mandateID string) string {
	return fmt.Sprintf("%sstate:%s:%s", r.keyPrefix, agentID, mandateID)
}

func (r *RedisManager) toolRateKey(agentID, tool string) string {
	return fmt.Sprintf("%stool:ratelimit:%s:%s", r.keyPrefix, agentID, tool)
}

func (r *RedisManager) killChannel() string {
	return r.keyPrefix + "kill:broadcast"
}

// Get fetches and decodes the pair's hash. A missing key yields a zeroed
// state; the key itself is only ever materialized by a commit or a kill, so
// reads never create hashes that would outlive a mandate's TTL.
func (r *RedisManager) Get(ctx context.Context, agentID, mandateID string) (*contracts.AgentState, error) {
	key := r.stateKey(agentID, mandateID)
	fields, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("state: get %s/%s: %w", agentID, mandateID, err)
	}
	st := contracts.NewAgentState(agentID, mandateID)
	if len(fields) == 0 {
		return st, nil
	}
	if err := decodeState(fields, st); err != nil {
		return nil, fmt.Errorf("state: decode %s/%s: %w", agentID, mandateID, err)
	}

	if pruneLeases(st, time.Now()) {
		// Best effort: the next writer re-encodes leases anyway.
		if raw, err := json.Marshal(leasesToWire(st.ExecutionLeases)); err == nil {
			if err := r.client.HSet(ctx, key, fieldExecutionLeases, string(raw)).Err(); err != nil {
				r.log.Debug("prune leases write-back failed", "agentId", agentID, "error", err)
			}
		}
	}
	return st, nil
}

// CommitSuccess applies the shared commit arithmetic with a read-modify-
// write. It is not atomic across processes; multi-process deployments get
// their accounting from CheckAndCommit, which commits inside the admission
// script, and use this only for post-hoc adjustments.
func (r *RedisManager) CommitSuccess(ctx context.Context, action *contracts.Action, chargedCost float64, m *contracts.Mandate) error {
	st, err := r.Get(ctx, action.AgentID, m.MandateID)
	if err != nil {
		return err
	}
	toolLimit := toolLimitFor(action, m)
	applyCommit(st, action, chargedCost, m.RateLimit, toolLimit)

	key := r.stateKey(action.AgentID, m.MandateID)
	if err := r.client.HSet(ctx, key, encodeState(st)).Err(); err != nil {
		return fmt.Errorf("state: commit %s: %w", action.ID, err)
	}
	if ttl := stateTTL(m, time.Now()); ttl > 0 {
		if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
			r.log.Warn("set state ttl", "agentId", action.AgentID, "error", err)
		}
	}

	if toolLimit != nil && toolLimit.Enabled() {
		toolKey := r.toolRateKey(action.AgentID, action.Tool)
		member := redis.Z{Score: float64(action.Timestamp.UnixMilli()), Member: action.ID}
		if err := r.client.ZAdd(ctx, toolKey, member).Err(); err != nil {
			return fmt.Errorf("state: commit tool window %s: %w", action.ID, err)
		}
		if err := r.client.PExpire(ctx, toolKey, 2*toolLimit.Window()).Err(); err != nil {
			r.log.Warn("set tool window ttl", "tool", action.Tool, "error", err)
		}
	}
	return nil
}

// Kill flags the pair and broadcasts the event. The flag lands even when no
// hash exists yet, so a kill issued before an agent's first action still
// blocks it.
func (r *RedisManager) Kill(ctx context.Context, agentID, mandateID, reason string) error {
	now := time.Now().UTC()
	key := r.stateKey(agentID, mandateID)
	err := r.client.HSet(ctx, key,
		fieldAgentID, agentID,
		fieldMandateID, mandateID,
		fieldKilled, "1",
		fieldKilledAt, now.Format(time.RFC3339Nano),
		fieldKilledReason, reason,
	).Err()
	if err != nil {
		return fmt.Errorf("state: kill %s/%s: %w", agentID, mandateID, err)
	}

	payload, err := json.Marshal(KillEvent{AgentID: agentID, MandateID: mandateID, Reason: reason, Timestamp: now})
	if err != nil {
		return fmt.Errorf("state: encode kill event: %w", err)
	}
	if err := r.client.Publish(ctx, r.killChannel(), payload).Err(); err != nil {
		return fmt.Errorf("state: broadcast kill %s/%s: %w", agentID, mandateID, err)
	}
	return nil
}

// Resurrect clears the kill flag.
func (r *RedisManager) Resurrect(ctx context.Context, agentID, mandateID string) error {
	key := r.stateKey(agentID, mandateID)
	err := r.client.HSet(ctx, key,
		fieldAgentID, agentID,
		fieldMandateID, mandateID,
		fieldKilled, "0",
		fieldKilledAt, "",
		fieldKilledReason, "",
	).Err()
	if err != nil {
		return fmt.Errorf("state: resurrect %s/%s: %w", agentID, mandateID, err)
	}
	return nil
}

// IsKilled reads just the kill flag.
func (r *RedisManager) IsKilled(ctx context.Context, agentID, mandateID string) (bool, error) {
	v, err := r.client.HGet(ctx, r.stateKey(agentID, mandateID), fieldKilled).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("state: read kill flag %s/%s: %w", agentID, mandateID, err)
	}
	return v == "1", nil
}

// Remove deletes every key held for the agent: all state hashes and all
// tool rate windows.
func (r *RedisManager) Remove(ctx context.Context, agentID string) error {
	patterns := []string{
		fmt.Sprintf("%sstate:%s:*", r.keyPrefix, agentID),
		fmt.Sprintf("%stool:ratelimit:%s:*", r.keyPrefix, agentID),
	}
	var keys []string
	for _, pattern := range patterns {
		iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("state: scan %s: %w", pattern, err)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("state: remove agent %s: %w", agentID, err)
	}
	return nil
}

// SetLease records an execution lease in the pair's hash.
func (r *RedisManager) SetLease(ctx context.Context, agentID, mandateID, actionID string, expiry time.Time) error {
	return r.updateLeases(ctx, agentID, mandateID, func(leases map[string]time.Time) {
		leases[actionID] = expiry
	})
}

// ClearLease removes the action's execution lease.
func (r *RedisManager) ClearLease(ctx context.Context, agentID, mandateID, actionID string) error {
	return r.updateLeases(ctx, agentID, mandateID, func(leases map[string]time.Time) {
		delete(leases, actionID)
	})
}

func (r *RedisManager) updateLeases(ctx context.Context, agentID, mandateID string, mutate func(map[string]time.Time)) error {
	key := r.stateKey(agentID, mandateID)
	raw, err := r.client.HGet(ctx, key, fieldExecutionLeases).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("state: read leases %s/%s: %w", agentID, mandateID, err)
	}
	leases := make(map[string]time.Time)
	if raw != "" {
		wire := map[string]int64{}
		if err := json.Unmarshal([]byte(raw), &wire); err != nil {
			return fmt.Errorf("state: decode leases %s/%s: %w", agentID, mandateID, err)
		}
		for id, ms := range wire {
			leases[id] = time.UnixMilli(ms).UTC()
		}
	}
	mutate(leases)
	out, err := json.Marshal(leasesToWire(leases))
	if err != nil {
		return fmt.Errorf("state: encode leases: %w", err)
	}
	if err := r.client.HSet(ctx, key, fieldExecutionLeases, string(out)).Err(); err != nil {
		return fmt.Errorf("state: write leases %s/%s: %w", agentID, mandateID, err)
	}
	return nil
}

// OnKill subscribes to kill events for the agent across all processes
// sharing the backend. The subscription connection starts on first use.
func (r *RedisManager) OnKill(agentID string, h KillHandler) (func(), error) {
	if err := r.ensureSubscriber(); err != nil {
		return nil, err
	}
	id := r.kills.add(agentID, h)
	return func() { r.kills.remove(agentID, id) }, nil
}

// ensureSubscriber starts the pub/sub listener exactly once. It waits for
// the subscription to be confirmed so that events published immediately
// after OnKill returns are not lost.
func (r *RedisManager) ensureSubscriber() error {
	r.subOnce.Do(func() {
		r.closeMu.Lock()
		closed := r.closed
		r.closeMu.Unlock()
		if closed {
			r.subErr = errors.New("state: manager is closed")
			return
		}
		if r.subClient == nil {
			r.subClient = redis.NewClient(r.client.Options())
			r.ownsSub = true
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pubsub := r.subClient.Subscribe(ctx, r.killChannel())
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			r.subErr = fmt.Errorf("state: subscribe kill channel: %w", err)
			return
		}
		r.pubsub = pubsub
		go r.listen(pubsub.Channel())
	})
	return r.subErr
}

func (r *RedisManager) listen(ch <-chan *redis.Message) {
	for msg := range ch {
		var ev KillEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			r.log.Warn("malformed kill event", "payload", msg.Payload, "error", err)
			continue
		}
		r.kills.dispatch(ev)
	}
}

// Close stops the kill subscription and, when the manager created its own
// subscriber connection, closes it. The primary client is untouched.
func (r *RedisManager) Close() error {
	r.closeMu.Lock()
	defer r.closeMu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	if r.pubsub != nil {
		if err := r.pubsub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.ownsSub && r.subClient != nil {
		if err := r.subClient.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// encodeState flattens a state record into hash fields.
func encodeState(st *contracts.AgentState) map[string]any {
	toolCounts := make(map[string]toolWindowWire, len(st.ToolCallCounts))
	for tool, w := range st.ToolCallCounts {
		toolCounts[tool] = toolWindowWire{Count: w.Count, WindowStart: w.WindowStart.UnixMilli()}
	}
	toolJSON, _ := json.Marshal(toolCounts)
	idsJSON, _ := json.Marshal(setToSlice(st.SeenActionIDs))
	keysJSON, _ := json.Marshal(setToSlice(st.SeenIdempotencyKeys))
	leasesJSON, _ := json.Marshal(leasesToWire(st.ExecutionLeases))

	killed := "0"
	killedAt := ""
	if st.Killed {
		killed = "1"
	}
	if st.KilledAt != nil {
		killedAt = st.KilledAt.Format(time.RFC3339Nano)
	}
	windowStart := int64(0)
	if !st.WindowStart.IsZero() {
		windowStart = st.WindowStart.UnixMilli()
	}

	return map[string]any{
		fieldAgentID:             st.AgentID,
		fieldMandateID:           st.MandateID,
		fieldCumulativeCost:      formatFloat(st.CumulativeCost),
		fieldCognitionCost:       formatFloat(st.CognitionCost),
		fieldExecutionCost:       formatFloat(st.ExecutionCost),
		fieldCallCount:           strconv.FormatInt(st.CallCount, 10),
		fieldWindowStart:         strconv.FormatInt(windowStart, 10),
		fieldToolCallCounts:      string(toolJSON),
		fieldSeenActionIDs:       string(idsJSON),
		fieldSeenIdempotencyKeys: string(keysJSON),
		fieldExecutionLeases:     string(leasesJSON),
		fieldKilled:              killed,
		fieldKilledAt:            killedAt,
		fieldKilledReason:        st.KilledReason,
	}
}

// decodeState fills a state record from hash fields. Missing fields keep
// their zero values: a hash created by a bare Kill has only identity and
// kill fields, and that must read back as a killed, zero-spend state.
func decodeState(fields map[string]string, st *contracts.AgentState) error {
	var err error
	if st.CumulativeCost, err = parseFloatField(fields, fieldCumulativeCost); err != nil {
		return err
	}
	if st.CognitionCost, err = parseFloatField(fields, fieldCognitionCost); err != nil {
		return err
	}
	if st.ExecutionCost, err = parseFloatField(fields, fieldExecutionCost); err != nil {
		return err
	}
	if st.CallCount, err = parseIntField(fields, fieldCallCount); err != nil {
		return err
	}
	ws, err := parseIntField(fields, fieldWindowStart)
	if err != nil {
		return err
	}
	if ws > 0 {
		st.WindowStart = time.UnixMilli(ws).UTC()
	}

	if raw := fields[fieldToolCallCounts]; raw != "" {
		wire := map[string]toolWindowWire{}
		if err := json.Unmarshal([]byte(raw), &wire); err != nil {
			return fmt.Errorf("field %s: %w", fieldToolCallCounts, err)
		}
		for tool, w := range wire {
			st.ToolCallCounts[tool] = &contracts.ToolWindow{
				Count:       w.Count,
				WindowStart: time.UnixMilli(w.WindowStart).UTC(),
			}
		}
	}
	if err := decodeStringSet(fields[fieldSeenActionIDs], st.SeenActionIDs); err != nil {
		return fmt.Errorf("field %s: %w", fieldSeenActionIDs, err)
	}
	if err := decodeStringSet(fields[fieldSeenIdempotencyKeys], st.SeenIdempotencyKeys); err != nil {
		return fmt.Errorf("field %s: %w", fieldSeenIdempotencyKeys, err)
	}
	if raw := fields[fieldExecutionLeases]; raw != "" {
		wire := map[string]int64{}
		if err := json.Unmarshal([]byte(raw), &wire); err != nil {
			return fmt.Errorf("field %s: %w", fieldExecutionLeases, err)
		}
		for id, ms := range wire {
			st.ExecutionLeases[id] = time.UnixMilli(ms).UTC()
		}
	}

	st.Killed = fields[fieldKilled] == "1"
	if at := fields[fieldKilledAt]; at != "" {
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return fmt.Errorf("field %s: %w", fieldKilledAt, err)
		}
		st.KilledAt = &t
	}
	st.KilledReason = fields[fieldKilledReason]
	return nil
}

func decodeStringSet(raw string, into map[string]struct{}) error {
	if raw == "" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return err
	}
	for _, s := range items {
		into[s] = struct{}{}
	}
	return nil
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

func leasesToWire(leases map[string]time.Time) map[string]int64 {
	wire := make(map[string]int64, len(leases))
	for id, expiry := range leases {
		wire[id] = expiry.UnixMilli()
	}
	return wire
}

func parseFloatField(fields map[string]string, name string) (float64, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", name, err)
	}
	return v, nil
}

func parseIntField(fields map[string]string, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", name, err)
	}
	return v, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
