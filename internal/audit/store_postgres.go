package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"consentry/internal/consent/models"
	id "consentry/pkg/domain"
)

// PostgresStore persists the audit log in PostgreSQL. Appends participate in
// the caller's transaction when constructed with NewPostgresTx, which is how
// a consent mutation and its audit entry commit atomically.
type PostgresStore struct {
	db *sql.DB
	tx *sql.Tx
}

// NewPostgres constructs a PostgreSQL-backed audit store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// NewPostgresTx constructs a PostgreSQL-backed audit store bound to a transaction.
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

const entryColumns = `seq, entry_id, kind, subject, category, previous_state, new_state,
	version, actor, method, source, policy_version, region, ip_hash, ua_hash,
	client_summary, occurred_at, recorded_at`

func (s *PostgresStore) Append(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("audit entry is required")
	}
	query := `
		INSERT INTO audit_entries (entry_id, kind, subject, category, previous_state,
			new_state, version, actor, method, source, policy_version, region,
			ip_hash, ua_hash, client_summary, occurred_at, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING seq
	`
	err := s.execer().QueryRowContext(ctx, query,
		entry.EntryID,
		string(entry.Kind),
		entry.Subject.String(),
		entry.Category.String(),
		string(entry.Previous),
		string(entry.New),
		entry.Version,
		entry.Actor,
		entry.Method,
		entry.Source,
		entry.PolicyVersion,
		entry.Region.String(),
		entry.Context.IPHash,
		entry.Context.UserAgentHash,
		entry.Context.ClientSummary,
		entry.OccurredAt,
		entry.RecordedAt,
	).Scan(&entry.Seq)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, subject id.SubjectID, rng Range, afterSeq int64, limit int) ([]*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM audit_entries WHERE subject = $1 AND seq > $2`
	args := []any{subject.String(), afterSeq}
	if !rng.Since.IsZero() {
		args = append(args, rng.Since)
		query += " AND occurred_at >= $" + strconv.Itoa(len(args))
	}
	if !rng.Until.IsZero() {
		args = append(args, rng.Until)
		query += " AND occurred_at <= $" + strconv.Itoa(len(args))
	}
	query += " ORDER BY seq ASC"
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := s.execer().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) Export(ctx context.Context, subject id.SubjectID) ([]*Entry, error) {
	return s.Query(ctx, subject, Range{}, 0, 0)
}

func (s *PostgresStore) CountBySubject(ctx context.Context, subject id.SubjectID) (int64, error) {
	var count int64
	err := s.execer().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_entries WHERE subject = $1`, subject.String(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) RedactSubject(ctx context.Context, subject id.SubjectID) error {
	_, err := s.execer().ExecContext(ctx, `
		UPDATE audit_entries
		SET previous_state = '', new_state = '', actor = '', method = '',
			source = '', ip_hash = '', ua_hash = '', client_summary = ''
		WHERE subject = $1 AND kind <> $2
	`, subject.String(), string(KindErasure))
	if err != nil {
		return fmt.Errorf("redact audit entries: %w", err)
	}
	return nil
}

type entryRow interface {
	Scan(dest ...any) error
}

func scanEntry(row entryRow) (*Entry, error) {
	var e Entry
	var kind, subject, category, previous, next, region string
	if err := row.Scan(
		&e.Seq, &e.EntryID, &kind, &subject, &category, &previous, &next,
		&e.Version, &e.Actor, &e.Method, &e.Source, &e.PolicyVersion, &region,
		&e.Context.IPHash, &e.Context.UserAgentHash, &e.Context.ClientSummary,
		&e.OccurredAt, &e.RecordedAt,
	); err != nil {
		return nil, err
	}
	e.Kind = Kind(kind)
	e.Subject = id.SubjectID(subject)
	e.Category = id.CategoryID(category)
	e.Previous = models.State(previous)
	e.New = models.State(next)
	e.Region = id.Region(region)
	return &e, nil
}
