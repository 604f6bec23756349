package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists audit entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	detailJSON, err := json.Marshal(e.Detail)
	if err != nil {
		return err
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, tenant_id, ts, correlation_id, action, resource, actor, outcome, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::JSONB)`,
		e.ID, e.TenantID, ts, e.CorrelationID, e.Action, e.Resource, e.Actor, string(e.Outcome), detailJSON,
	)
	return err
}

func (p *PostgresStore) Query(ctx context.Context, q Query) ([]*Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, tenant_id, ts, COALESCE(correlation_id, ''), action,
		COALESCE(resource, ''), actor, outcome, COALESCE(detail::TEXT, '{}')
		FROM audit_entries WHERE tenant_id = $1`
	args := []interface{}{q.TenantID}

	if !q.From.IsZero() {
		query += fmt.Sprintf(" AND ts >= $%d", len(args)+1)
		args = append(args, q.From)
	}
	if !q.To.IsZero() {
		query += fmt.Sprintf(" AND ts <= $%d", len(args)+1)
		args = append(args, q.To)
	}
	if q.Action != "" {
		query += fmt.Sprintf(" AND action = $%d", len(args)+1)
		args = append(args, q.Action)
	}
	if q.Outcome != "" {
		query += fmt.Sprintf(" AND outcome = $%d", len(args)+1)
		args = append(args, string(q.Outcome))
	}
	if q.Before != nil {
		query += fmt.Sprintf(" AND (ts, id) < ($%d, $%d)", len(args)+1, len(args)+2)
		args = append(args, q.Before.Timestamp, q.Before.ID)
	}

	query += fmt.Sprintf(" ORDER BY ts DESC, id DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

func (p *PostgresStore) PurgeOlderThan(ctx context.Context, tenantID string, cutoff time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM audit_entries WHERE tenant_id = $1 AND ts < $2`,
		tenantID, cutoff,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var outcome string
		var detailJSON []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Timestamp, &e.CorrelationID,
			&e.Action, &e.Resource, &e.Actor, &outcome, &detailJSON); err != nil {
			return nil, err
		}
		e.Outcome = Outcome(outcome)
		if len(detailJSON) > 0 {
			_ = json.Unmarshal(detailJSON, &e.Detail)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Migrate creates the audit_entries table (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_entries (
			id              TEXT PRIMARY KEY,
			tenant_id       TEXT NOT NULL,
			ts              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			correlation_id  TEXT,
			action          TEXT NOT NULL,
			resource        TEXT,
			actor           TEXT NOT NULL,
			outcome         TEXT NOT NULL,
			detail          JSONB NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_audit_entries_tenant_ts ON audit_entries(tenant_id, ts DESC, id DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_entries_action ON audit_entries(tenant_id, action);
	`)
	return err
}

var _ Store = (*PostgresStore)(nil)
