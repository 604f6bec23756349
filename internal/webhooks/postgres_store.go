package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
)

// PostgresStore persists webhook endpoints in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed endpoint store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Migrate creates the webhook_endpoints table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS webhook_endpoints (
			id                    VARCHAR(64) PRIMARY KEY,
			tenant_id             VARCHAR(64) NOT NULL,
			url                   TEXT NOT NULL,
			secret                VARCHAR(64) NOT NULL,
			events                JSONB NOT NULL,
			active                BOOLEAN DEFAULT TRUE,
			created_at            TIMESTAMPTZ DEFAULT NOW(),
			last_success          TIMESTAMPTZ,
			last_error            TEXT,
			consecutive_failures  INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_webhook_endpoints_tenant ON webhook_endpoints(tenant_id);
		CREATE INDEX IF NOT EXISTS idx_webhook_endpoints_active ON webhook_endpoints(active) WHERE active = TRUE;
	`)
	return err
}

const endpointColumns = `id, tenant_id, url, secret, events, active, created_at, last_success, last_error, consecutive_failures`

func (p *PostgresStore) Create(ctx context.Context, e *Endpoint) error {
	eventsJSON, err := json.Marshal(e.Events)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO webhook_endpoints (id, tenant_id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.TenantID, e.URL, e.Secret, eventsJSON, e.Active, e.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id, tenantID string) (*Endpoint, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+endpointColumns+`
		FROM webhook_endpoints WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)

	ep, err := scanEndpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ep, err
}

func (p *PostgresStore) ListByTenant(ctx context.Context, tenantID string) ([]*Endpoint, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+endpointColumns+`
		FROM webhook_endpoints WHERE tenant_id = $1 ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEndpoints(rows)
}

func (p *PostgresStore) FindSubscribed(ctx context.Context, tenantID string, t EventType) ([]*Endpoint, error) {
	eventsJSON, _ := json.Marshal([]string{string(t)})

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+endpointColumns+`
		FROM webhook_endpoints
		WHERE tenant_id = $1 AND active = TRUE AND events @> $2::jsonb
	`, tenantID, string(eventsJSON))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEndpoints(rows)
}

func (p *PostgresStore) Update(ctx context.Context, e *Endpoint) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE webhook_endpoints SET
			active = $1,
			last_success = $2,
			last_error = $3,
			consecutive_failures = $4
		WHERE id = $5
	`, e.Active, e.LastSuccess, e.LastError, e.ConsecutiveFailures, e.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id, tenantID string) error {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM webhook_endpoints WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEndpoint(row rowScanner) (*Endpoint, error) {
	ep := &Endpoint{}
	var eventsJSON []byte
	var lastSuccess sql.NullTime
	var lastError sql.NullString

	if err := row.Scan(
		&ep.ID, &ep.TenantID, &ep.URL, &ep.Secret, &eventsJSON,
		&ep.Active, &ep.CreatedAt, &lastSuccess, &lastError, &ep.ConsecutiveFailures,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(eventsJSON, &ep.Events); err != nil {
		return nil, err
	}
	if lastSuccess.Valid {
		ep.LastSuccess = &lastSuccess.Time
	}
	ep.LastError = lastError.String
	return ep, nil
}

func scanEndpoints(rows *sql.Rows) ([]*Endpoint, error) {
	var out []*Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}
