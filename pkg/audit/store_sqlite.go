package audit

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kashaf12/mandate/pkg/contracts"
)

// SQLiteSink persists entries to a SQLite table, suitable for single-node
// deployments that want a queryable trail without running a database
// server. Like every sink, it swallows its own failures.
type SQLiteSink struct {
	db  *sql.DB
	log *slog.Logger
}

// NewSQLiteSink prepares the table on the given handle. The caller owns the
// handle's lifecycle.
func NewSQLiteSink(db *sql.DB) (*SQLiteSink, error) {
	s := &SQLiteSink{db: db, log: slog.Default().With("component", "audit.SQLiteSink")}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS audit_entries (
        entry_id TEXT PRIMARY KEY,
        ts DATETIME,
        agent_id TEXT,
        mandate_id TEXT,
        action_id TEXT,
        action_kind TEXT,
        idempotency_key TEXT NOT NULL DEFAULT '',
        trace_id TEXT NOT NULL DEFAULT '',
        parent_action_id TEXT NOT NULL DEFAULT '',
        tool TEXT NOT NULL DEFAULT '',
        provider TEXT NOT NULL DEFAULT '',
        model TEXT NOT NULL DEFAULT '',
        decision TEXT,
        reason TEXT NOT NULL DEFAULT '',
        code TEXT NOT NULL DEFAULT '',
        estimated_cost REAL NOT NULL DEFAULT 0,
        actual_cost REAL,
        charged_cost REAL NOT NULL DEFAULT 0,
        cumulative_cost REAL NOT NULL DEFAULT 0,
        duration_ms INTEGER NOT NULL DEFAULT 0,
        verification TEXT NOT NULL DEFAULT '',
        decision_digest TEXT NOT NULL DEFAULT ''
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteSink) Log(ctx context.Context, e *contracts.AuditEntry) {
	query := `
        INSERT INTO audit_entries (
            entry_id, ts, agent_id, mandate_id, action_id, action_kind,
            idempotency_key, trace_id, parent_action_id, tool, provider, model,
            decision, reason, code, estimated_cost, actual_cost, charged_cost,
            cumulative_cost, duration_ms, verification, decision_digest
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `
	var actual sql.NullFloat64
	if e.ActualCost != nil {
		actual = sql.NullFloat64{Float64: *e.ActualCost, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, query,
		e.EntryID, e.Timestamp.UTC().Format(time.RFC3339Nano), e.AgentID, e.MandateID,
		e.ActionID, string(e.ActionKind), e.IdempotencyKey, e.TraceID, e.ParentActionID,
		e.Tool, e.Provider, e.Model, string(e.Decision), e.Reason, string(e.Code),
		e.EstimatedCost, actual, e.ChargedCost, e.CumulativeCost, e.DurationMs,
		e.Verification, e.DecisionDigest,
	)
	if err != nil {
		s.log.Warn("persist audit entry", "entryId", e.EntryID, "error", err)
	}
}

// Recent returns up to limit entries, newest first.
func (s *SQLiteSink) Recent(ctx context.Context, limit int) ([]*contracts.AuditEntry, error) {
	query := `
        SELECT entry_id, ts, agent_id, mandate_id, action_id, action_kind,
            idempotency_key, trace_id, parent_action_id, tool, provider, model,
            decision, reason, code, estimated_cost, actual_cost, charged_cost,
            cumulative_cost, duration_ms, verification, decision_digest
        FROM audit_entries
        ORDER BY ts DESC
        LIMIT ?
    `
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*contracts.AuditEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func scanEntry(rows *sql.Rows) (*contracts.AuditEntry, error) {
	var (
		e      contracts.AuditEntry
		ts     string
		kind   string
		eff    string
		code   string
		actual sql.NullFloat64
	)
	err := rows.Scan(&e.EntryID, &ts, &e.AgentID, &e.MandateID, &e.ActionID, &kind,
		&e.IdempotencyKey, &e.TraceID, &e.ParentActionID, &e.Tool, &e.Provider, &e.Model,
		&eff, &e.Reason, &code, &e.EstimatedCost, &actual, &e.ChargedCost,
		&e.CumulativeCost, &e.DurationMs, &e.Verification, &e.DecisionDigest)
	if err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		e.Timestamp = t
	}
	e.ActionKind = contracts.ActionKind(kind)
	e.Decision = contracts.Effect(eff)
	e.Code = contracts.BlockCode(code)
	if actual.Valid {
		v := actual.Float64
		e.ActualCost = &v
	}
	return &e, nil
}
