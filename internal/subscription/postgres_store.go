package subscription

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/spaceporthq/spaceport/internal/catalog"
)

// PostgresStore persists subscriptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, tenant_id, tier, status, current_period_end,
	trial_expiry, grace_period_end, billing_customer_id, billing_subscription_id,
	last_event_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, s *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		s.ID, s.TenantID, string(s.Tier), string(s.Status),
		nullableTime(s.CurrentPeriodEnd), s.TrialExpiry, s.GracePeriodEnd,
		nullableString(s.BillingCustomerID), nullableString(s.BillingSubscriptionID),
		nullableTime(s.LastEventAt), s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	return p.scanSubscription(p.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
}

func (p *PostgresStore) GetByTenant(ctx context.Context, tenantID string) (*Subscription, error) {
	return p.scanSubscription(p.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE tenant_id = $1`, tenantID))
}

func (p *PostgresStore) GetByBillingCustomer(ctx context.Context, billingCustomerID string) (*Subscription, error) {
	if billingCustomerID == "" {
		return nil, ErrNotFound
	}
	return p.scanSubscription(p.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE billing_customer_id = $1`, billingCustomerID))
}

func (p *PostgresStore) GetByBillingSubscription(ctx context.Context, billingSubscriptionID string) (*Subscription, error) {
	if billingSubscriptionID == "" {
		return nil, ErrNotFound
	}
	return p.scanSubscription(p.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE billing_subscription_id = $1`, billingSubscriptionID))
}

func (p *PostgresStore) Update(ctx context.Context, s *Subscription) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions SET tier = $1, status = $2, current_period_end = $3,
			trial_expiry = $4, grace_period_end = $5, billing_customer_id = $6,
			billing_subscription_id = $7, last_event_at = $8, updated_at = $9
		WHERE id = $10`,
		string(s.Tier), string(s.Status), nullableTime(s.CurrentPeriodEnd),
		s.TrialExpiry, s.GracePeriodEnd,
		nullableString(s.BillingCustomerID), nullableString(s.BillingSubscriptionID),
		nullableTime(s.LastEventAt), s.UpdatedAt, s.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Replace(ctx context.Context, fresh *Subscription) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM subscriptions WHERE tenant_id = $1`, fresh.TenantID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		fresh.ID, fresh.TenantID, string(fresh.Tier), string(fresh.Status),
		nullableTime(fresh.CurrentPeriodEnd), fresh.TrialExpiry, fresh.GracePeriodEnd,
		nullableString(fresh.BillingCustomerID), nullableString(fresh.BillingSubscriptionID),
		nullableTime(fresh.LastEventAt), fresh.CreatedAt, fresh.UpdatedAt,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE (status = $1 AND trial_expiry < $3)
		   OR (status = $2 AND grace_period_end < $3)
		ORDER BY updated_at ASC
		LIMIT $4`,
		string(StatusTrial), string(StatusGracePeriod), now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var due []*Subscription
	for rows.Next() {
		s, err := scanSubscriptionRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		due = append(due, s)
	}
	return due, rows.Err()
}

func (p *PostgresStore) scanSubscription(row *sql.Row) (*Subscription, error) {
	s, err := scanSubscriptionRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return s, err
}

func scanSubscriptionRow(scan func(dest ...any) error) (*Subscription, error) {
	s := &Subscription{}
	var (
		tier, status         string
		periodEnd, lastEvent sql.NullTime
		trialExp, graceEnd   sql.NullTime
		custID, subID        sql.NullString
	)
	err := scan(&s.ID, &s.TenantID, &tier, &status, &periodEnd,
		&trialExp, &graceEnd, &custID, &subID,
		&lastEvent, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Tier = catalog.Tier(tier)
	s.Status = Status(status)
	if periodEnd.Valid {
		s.CurrentPeriodEnd = periodEnd.Time
	}
	if trialExp.Valid {
		s.TrialExpiry = &trialExp.Time
	}
	if graceEnd.Valid {
		s.GracePeriodEnd = &graceEnd.Time
	}
	if custID.Valid {
		s.BillingCustomerID = custID.String
	}
	if subID.Valid {
		s.BillingSubscriptionID = subID.String
	}
	if lastEvent.Valid {
		s.LastEventAt = lastEvent.Time
	}
	return s, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Migrate creates the subscriptions table (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS subscriptions (
			id                      TEXT PRIMARY KEY,
			tenant_id               TEXT NOT NULL UNIQUE,
			tier                    TEXT NOT NULL,
			status                  TEXT NOT NULL,
			current_period_end      TIMESTAMPTZ,
			trial_expiry            TIMESTAMPTZ,
			grace_period_end        TIMESTAMPTZ,
			billing_customer_id     TEXT,
			billing_subscription_id TEXT,
			last_event_at           TIMESTAMPTZ,
			created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_subscriptions_billing_customer ON subscriptions(billing_customer_id);
		CREATE INDEX IF NOT EXISTS idx_subscriptions_billing_subscription ON subscriptions(billing_subscription_id);
		CREATE INDEX IF NOT EXISTS idx_subscriptions_due ON subscriptions(status, trial_expiry, grace_period_end);
	`)
	return err
}

var _ Store = (*PostgresStore)(nil)
