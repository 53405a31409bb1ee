package audit

import (
	"context"
	"database/sql"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/kashaf12/mandate/pkg/contracts"
)

// PostgresSink persists entries to a PostgreSQL table for deployments that
// already run the distributed state backend and want the trail in shared
// infrastructure too.
type PostgresSink struct {
	db  *sql.DB
	log *slog.Logger
}

// NewPostgresSink prepares the table on the given handle. The caller owns
// the handle's lifecycle.
func NewPostgresSink(db *sql.DB) (*PostgresSink, error) {
	s := &PostgresSink{db: db, log: slog.Default().With("component", "audit.PostgresSink")}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresSink) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS audit_entries (
        entry_id TEXT PRIMARY KEY,
        ts TIMESTAMPTZ NOT NULL,
        agent_id TEXT NOT NULL,
        mandate_id TEXT NOT NULL,
        action_id TEXT NOT NULL,
        action_kind TEXT NOT NULL,
        idempotency_key TEXT NOT NULL DEFAULT '',
        trace_id TEXT NOT NULL DEFAULT '',
        parent_action_id TEXT NOT NULL DEFAULT '',
        tool TEXT NOT NULL DEFAULT '',
        provider TEXT NOT NULL DEFAULT '',
        model TEXT NOT NULL DEFAULT '',
        decision TEXT NOT NULL,
        reason TEXT NOT NULL DEFAULT '',
        code TEXT NOT NULL DEFAULT '',
        estimated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
        actual_cost DOUBLE PRECISION,
        charged_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
        cumulative_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
        duration_ms BIGINT NOT NULL DEFAULT 0,
        verification TEXT NOT NULL DEFAULT '',
        decision_digest TEXT NOT NULL DEFAULT ''
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresSink) Log(ctx context.Context, e *contracts.AuditEntry) {
	query := `
        INSERT INTO audit_entries (
            entry_id, ts, agent_id, mandate_id, action_id, action_kind,
            idempotency_key, trace_id, parent_action_id, tool, provider, model,
            decision, reason, code, estimated_cost, actual_cost, charged_cost,
            cumulative_cost, duration_ms, verification, decision_digest
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
            $15, $16, $17, $18, $19, $20, $21, $22)
    `
	var actual sql.NullFloat64
	if e.ActualCost != nil {
		actual = sql.NullFloat64{Float64: *e.ActualCost, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, query,
		e.EntryID, e.Timestamp.UTC(), e.AgentID, e.MandateID,
		e.ActionID, string(e.ActionKind), e.IdempotencyKey, e.TraceID, e.ParentActionID,
		e.Tool, e.Provider, e.Model, string(e.Decision), e.Reason, string(e.Code),
		e.EstimatedCost, actual, e.ChargedCost, e.CumulativeCost, e.DurationMs,
		e.Verification, e.DecisionDigest,
	)
	if err != nil {
		s.log.Warn("persist audit entry", "entryId", e.EntryID, "error", err)
	}
}
