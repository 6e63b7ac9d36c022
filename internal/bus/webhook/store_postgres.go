package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"consentry/internal/sentinel"
	id "consentry/pkg/domain"
)

// PostgresStore persists webhook subscriptions in PostgreSQL. The category
// set is stored as JSONB.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, service_id, endpoint, secret, categories, max_attempts,
	initial_backoff_ms, max_backoff_ms, timeout_ms, active, cursor, created_at`

func (s *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	if sub.ID.IsNil() {
		sub.ID = id.NewSubscriptionID()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	categories, err := json.Marshal(sub.Categories)
	if err != nil {
		return fmt.Errorf("marshal subscription categories: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, service_id, endpoint, secret, categories,
			max_attempts, initial_backoff_ms, max_backoff_ms, timeout_ms, active, cursor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`, uuid.UUID(sub.ID), sub.ServiceID.String(), sub.Endpoint, sub.Secret, categories,
		sub.MaxAttempts, sub.InitialBackoff.Milliseconds(), sub.MaxBackoff.Milliseconds(),
		sub.Timeout.Milliseconds(), sub.Active, sub.Cursor, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook subscription: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("webhook subscription rows affected: %w", err)
	}
	if rows == 0 {
		return sentinel.ErrConflict
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, subID id.SubscriptionID) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = $1`, uuid.UUID(subID))
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get webhook subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*Subscription, error) {
	return s.list(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions ORDER BY created_at`)
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]*Subscription, error) {
	return s.list(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE active ORDER BY created_at`)
}

func (s *PostgresStore) list(ctx context.Context, query string) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list webhook subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhook subscriptions: %w", err)
	}
	return subs, nil
}

func (s *PostgresStore) SetActive(ctx context.Context, subID id.SubscriptionID, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_subscriptions SET active = $2 WHERE id = $1`, uuid.UUID(subID), active)
	if err != nil {
		return fmt.Errorf("set webhook subscription active: %w", err)
	}
	return oneAffected(res)
}

func (s *PostgresStore) AdvanceCursor(ctx context.Context, subID id.SubscriptionID, seq int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_subscriptions SET cursor = GREATEST(cursor, $2) WHERE id = $1
	`, uuid.UUID(subID), seq)
	if err != nil {
		return fmt.Errorf("advance webhook cursor: %w", err)
	}
	return oneAffected(res)
}

func (s *PostgresStore) Delete(ctx context.Context, subID id.SubscriptionID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_subscriptions WHERE id = $1`, uuid.UUID(subID))
	if err != nil {
		return fmt.Errorf("delete webhook subscription: %w", err)
	}
	return oneAffected(res)
}

func oneAffected(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("webhook subscription rows affected: %w", err)
	}
	if rows == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

type subscriptionRow interface {
	Scan(dest ...any) error
}

func scanSubscription(row subscriptionRow) (*Subscription, error) {
	var sub Subscription
	var subID uuid.UUID
	var serviceID string
	var categories []byte
	var initialBackoffMs, maxBackoffMs, timeoutMs int64
	if err := row.Scan(&subID, &serviceID, &sub.Endpoint, &sub.Secret, &categories,
		&sub.MaxAttempts, &initialBackoffMs, &maxBackoffMs, &timeoutMs,
		&sub.Active, &sub.Cursor, &sub.CreatedAt); err != nil {
		return nil, err
	}
	if len(categories) > 0 {
		if err := json.Unmarshal(categories, &sub.Categories); err != nil {
			return nil, fmt.Errorf("unmarshal subscription categories: %w", err)
		}
	}
	sub.ID = id.SubscriptionID(subID)
	sub.ServiceID = id.ServiceID(serviceID)
	sub.InitialBackoff = time.Duration(initialBackoffMs) * time.Millisecond
	sub.MaxBackoff = time.Duration(maxBackoffMs) * time.Millisecond
	sub.Timeout = time.Duration(timeoutMs) * time.Millisecond
	return &sub, nil
}
