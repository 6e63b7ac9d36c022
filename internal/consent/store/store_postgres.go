package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"consentry/internal/consent/models"
	"consentry/internal/sentinel"
	id "consentry/pkg/domain"
)

// PostgresStore persists consent records in PostgreSQL. The CAS is a single
// statement, so concurrent writers race on the version column, not on locks.
type PostgresStore struct {
	db *sql.DB
	tx *sql.Tx
}

// NewPostgres constructs a PostgreSQL-backed consent store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// NewPostgresTx constructs a PostgreSQL-backed consent store bound to a transaction.
func NewPostgresTx(tx *sql.Tx) *PostgresStore {
	return &PostgresStore{tx: tx}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer() dbExecutor {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const recordColumns = `subject, category, state, version, updated_at, policy_version,
	method, ip_hash, ua_hash, client_summary`

func (s *PostgresStore) Get(ctx context.Context, subject id.SubjectID, category id.CategoryID) (*models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM consent_records WHERE subject = $1 AND category = $2`
	record, err := scanRecord(s.execer().QueryRowContext(ctx, query, subject.String(), category.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get consent record: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) ListBySubject(ctx context.Context, subject id.SubjectID) ([]*models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM consent_records WHERE subject = $1 ORDER BY category`
	rows, err := s.execer().QueryContext(ctx, query, subject.String())
	if err != nil {
		return nil, fmt.Errorf("list consent records: %w", err)
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan consent record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate consent records: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) CompareAndSet(ctx context.Context, record *models.Record, expectedVersion int64) error {
	if record == nil {
		return fmt.Errorf("consent record is required")
	}

	if expectedVersion == 0 {
		query := `
			INSERT INTO consent_records (subject, category, state, version, updated_at,
				policy_version, method, ip_hash, ua_hash, client_summary)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (subject, category) DO NOTHING
		`
		res, err := s.execer().ExecContext(ctx, query,
			record.Subject.String(), record.Category.String(), string(record.State),
			record.Version, record.UpdatedAt, record.PolicyVersion, record.Method,
			record.Context.IPHash, record.Context.UserAgentHash, record.Context.ClientSummary,
		)
		if err != nil {
			return fmt.Errorf("insert consent record: %w", err)
		}
		return casAffected(res)
	}

	query := `
		UPDATE consent_records
		SET state = $3, version = $4, updated_at = $5, policy_version = $6,
			method = $7, ip_hash = $8, ua_hash = $9, client_summary = $10
		WHERE subject = $1 AND category = $2 AND version = $11
	`
	res, err := s.execer().ExecContext(ctx, query,
		record.Subject.String(), record.Category.String(), string(record.State),
		record.Version, record.UpdatedAt, record.PolicyVersion, record.Method,
		record.Context.IPHash, record.Context.UserAgentHash, record.Context.ClientSummary,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update consent record: %w", err)
	}
	return casAffected(res)
}

func casAffected(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("consent record rows affected: %w", err)
	}
	if rows == 0 {
		return sentinel.ErrVersionMismatch
	}
	return nil
}

func (s *PostgresStore) DeleteBySubject(ctx context.Context, subject id.SubjectID) error {
	if _, err := s.execer().ExecContext(ctx,
		`DELETE FROM consent_records WHERE subject = $1`, subject.String()); err != nil {
		return fmt.Errorf("delete consent records: %w", err)
	}
	if _, err := s.execer().ExecContext(ctx,
		`DELETE FROM subject_regions WHERE subject = $1`, subject.String()); err != nil {
		return fmt.Errorf("delete subject region: %w", err)
	}
	return nil
}

func (s *PostgresStore) Region(ctx context.Context, subject id.SubjectID) (id.Region, error) {
	var region string
	err := s.execer().QueryRowContext(ctx,
		`SELECT region FROM subject_regions WHERE subject = $1`, subject.String(),
	).Scan(&region)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return id.RegionUnknown, sentinel.ErrNotFound
		}
		return id.RegionUnknown, fmt.Errorf("get subject region: %w", err)
	}
	return id.Region(region), nil
}

func (s *PostgresStore) PinRegion(ctx context.Context, subject id.SubjectID, region id.Region) error {
	_, err := s.execer().ExecContext(ctx, `
		INSERT INTO subject_regions (subject, region, resolved_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (subject) DO UPDATE SET region = EXCLUDED.region, resolved_at = NOW()
	`, subject.String(), region.String())
	if err != nil {
		return fmt.Errorf("pin subject region: %w", err)
	}
	return nil
}

type recordRow interface {
	Scan(dest ...any) error
}

func scanRecord(row recordRow) (*models.Record, error) {
	var r models.Record
	var subject, category, state string
	if err := row.Scan(
		&subject, &category, &state, &r.Version, &r.UpdatedAt, &r.PolicyVersion,
		&r.Method, &r.Context.IPHash, &r.Context.UserAgentHash, &r.Context.ClientSummary,
	); err != nil {
		return nil, err
	}
	r.Subject = id.SubjectID(subject)
	r.Category = id.CategoryID(category)
	r.State = models.State(state)
	return &r, nil
}
