package billing

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresProcessedStore persists consumed provider event IDs in PostgreSQL.
type PostgresProcessedStore struct {
	db *sql.DB
}

// NewPostgresProcessedStore creates a new PostgreSQL-backed processed store.
func NewPostgresProcessedStore(db *sql.DB) *PostgresProcessedStore {
	return &PostgresProcessedStore{db: db}
}

func (p *PostgresProcessedStore) Seen(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx, `
		SELECT 1 FROM billing_events WHERE event_id = $1`, eventID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *PostgresProcessedStore) Mark(ctx context.Context, rec *ProcessedEvent) error {
	receivedAt := rec.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO billing_events (event_id, subscription_id, event_type, occurred_at, received_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.EventID, rec.SubscriptionID, string(rec.Type), rec.OccurredAt, receivedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrAlreadyProcessed
		}
		return err
	}
	return nil
}

// Migrate creates the billing_events table if it doesn't exist.
func (p *PostgresProcessedStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS billing_events (
			event_id TEXT PRIMARY KEY,
			subscription_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_billing_events_subscription
			ON billing_events(subscription_id);
	`)
	return err
}

var _ ProcessedStore = (*PostgresProcessedStore)(nil)
