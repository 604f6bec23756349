package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/spaceporthq/spaceport/internal/catalog"
	"github.com/spaceporthq/spaceport/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed usage store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Migrate creates the usage tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS usage_counters (
			tenant_id   VARCHAR(64) NOT NULL,
			limit_key   VARCHAR(40) NOT NULL,
			value       INTEGER NOT NULL DEFAULT 0,
			updated_at  TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (tenant_id, limit_key),
			CONSTRAINT chk_usage_value_nonneg CHECK (value >= 0)
		);

		CREATE TABLE IF NOT EXISTS usage_events (
			id          VARCHAR(64) PRIMARY KEY,
			tenant_id   VARCHAR(64) NOT NULL,
			limit_key   VARCHAR(40) NOT NULL,
			delta       INTEGER NOT NULL,
			value       INTEGER NOT NULL,
			source      VARCHAR(20) NOT NULL,
			created_at  TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_usage_events_tenant ON usage_events(tenant_id, created_at DESC);
	`)
	return err
}

func (p *PostgresStore) GetCounter(ctx context.Context, tenantID string, key catalog.LimitKey) (*Counter, error) {
	c := &Counter{TenantID: tenantID, LimitKey: key}

	err := p.db.QueryRowContext(ctx, `
		SELECT value, updated_at FROM usage_counters
		WHERE tenant_id = $1 AND limit_key = $2
	`, tenantID, string(key)).Scan(&c.Value, &c.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return &Counter{TenantID: tenantID, LimitKey: key}, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (p *PostgresStore) ListCounters(ctx context.Context, tenantID string) ([]*Counter, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT limit_key, value, updated_at FROM usage_counters
		WHERE tenant_id = $1 ORDER BY limit_key
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Counter
	for rows.Next() {
		c := &Counter{TenantID: tenantID}
		if err := rows.Scan(&c.LimitKey, &c.Value, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Adjust applies the delta and records the event in one transaction.
// GREATEST floors the counter at zero on over-reported deletions.
func (p *PostgresStore) Adjust(ctx context.Context, tenantID string, key catalog.LimitKey, delta int) (*Counter, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	c := &Counter{TenantID: tenantID, LimitKey: key}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO usage_counters (tenant_id, limit_key, value, updated_at)
		VALUES ($1, $2, GREATEST(0, $3), NOW())
		ON CONFLICT (tenant_id, limit_key) DO UPDATE SET
			value      = GREATEST(0, usage_counters.value + $3),
			updated_at = NOW()
		RETURNING value, updated_at
	`, tenantID, string(key), delta).Scan(&c.Value, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update counter: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_events (id, tenant_id, limit_key, delta, value, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, idgen.WithPrefix("use_"), tenantID, string(key), delta, c.Value, SourceReport)
	if err != nil {
		return nil, fmt.Errorf("failed to record event: %w", err)
	}

	return c, tx.Commit()
}

func (p *PostgresStore) Reconcile(ctx context.Context, tenantID string, key catalog.LimitKey, value int) (*Counter, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Lock the row to compute the reconcile delta for the event record.
	var old int
	err = tx.QueryRowContext(ctx, `
		SELECT value FROM usage_counters
		WHERE tenant_id = $1 AND limit_key = $2 FOR UPDATE
	`, tenantID, string(key)).Scan(&old)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	c := &Counter{TenantID: tenantID, LimitKey: key}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO usage_counters (tenant_id, limit_key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (tenant_id, limit_key) DO UPDATE SET
			value      = $3,
			updated_at = NOW()
		RETURNING value, updated_at
	`, tenantID, string(key), value).Scan(&c.Value, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update counter: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_events (id, tenant_id, limit_key, delta, value, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, idgen.WithPrefix("use_"), tenantID, string(key), value-old, c.Value, SourceReconcile)
	if err != nil {
		return nil, fmt.Errorf("failed to record event: %w", err)
	}

	return c, tx.Commit()
}

func (p *PostgresStore) History(ctx context.Context, tenantID string, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tenant_id, limit_key, delta, value, source, created_at
		FROM usage_events
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		ev := &Event{}
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.LimitKey, &ev.Delta, &ev.Value, &ev.Source, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
