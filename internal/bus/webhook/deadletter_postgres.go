package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"consentry/internal/sentinel"
	id "consentry/pkg/domain"
)

// PostgresDeadLetterStore persists dead letters in PostgreSQL. The change
// event is stored as a JSONB payload so requeued deliveries carry the exact
// original event.
type PostgresDeadLetterStore struct {
	db *sql.DB
}

func NewPostgresDeadLetterStore(db *sql.DB) *PostgresDeadLetterStore {
	return &PostgresDeadLetterStore{db: db}
}

func (s *PostgresDeadLetterStore) Append(ctx context.Context, letter *DeadLetter) error {
	if letter.ID == (id.DeliveryID{}) {
		letter.ID = id.NewDeliveryID()
	}
	payload, err := json.Marshal(letter.Event)
	if err != nil {
		return fmt.Errorf("marshal dead letter event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhook_deadletters (id, subscription_id, payload, attempts, last_error,
			first_attempt_at, last_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.UUID(letter.ID), uuid.UUID(letter.SubscriptionID), payload, letter.Attempts,
		letter.LastError, letter.FirstAttemptAt, letter.LastAttemptAt)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

const deadLetterColumns = `id, subscription_id, payload, attempts, last_error, first_attempt_at, last_attempt_at`

func (s *PostgresDeadLetterStore) List(ctx context.Context, limit int) ([]*DeadLetter, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM webhook_deadletters ORDER BY last_attempt_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []*DeadLetter
	for rows.Next() {
		letter, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		letters = append(letters, letter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return letters, nil
}

func (s *PostgresDeadLetterStore) Get(ctx context.Context, letterID id.DeliveryID) (*DeadLetter, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deadLetterColumns+` FROM webhook_deadletters WHERE id = $1`, uuid.UUID(letterID))
	letter, err := scanDeadLetter(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return letter, nil
}

func (s *PostgresDeadLetterStore) Delete(ctx context.Context, letterID id.DeliveryID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_deadletters WHERE id = $1`, uuid.UUID(letterID))
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("dead letter rows affected: %w", err)
	}
	if rows == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func scanDeadLetter(row subscriptionRow) (*DeadLetter, error) {
	var letter DeadLetter
	var letterID, subID uuid.UUID
	var payload []byte
	if err := row.Scan(&letterID, &subID, &payload, &letter.Attempts, &letter.LastError,
		&letter.FirstAttemptAt, &letter.LastAttemptAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &letter.Event); err != nil {
		return nil, fmt.Errorf("unmarshal dead letter event: %w", err)
	}
	letter.ID = id.DeliveryID(letterID)
	letter.SubscriptionID = id.SubscriptionID(subID)
	return &letter, nil
}
