package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"consentry/internal/sentinel"
	id "consentry/pkg/domain"
)

// PostgresStore persists lifecycle jobs in PostgreSQL. The
// (kind, subject, category) unique constraint makes UpsertPending a single
// statement, so rescheduling cannot duplicate a job.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed job store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) UpsertPending(ctx context.Context, job *Job) error {
	jobID := job.ID
	if jobID.IsNil() {
		jobID = id.NewJobID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lifecycle_jobs (id, kind, subject, category, due_at, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')
		ON CONFLICT (kind, subject, category)
		DO UPDATE SET due_at = EXCLUDED.due_at, status = 'pending', completed_at = NULL
	`, uuid.UUID(jobID), string(job.Kind), job.Subject.String(), job.Category.String(), job.DueAt)
	if err != nil {
		return fmt.Errorf("upsert lifecycle job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Pending(ctx context.Context, kind Kind, subject id.SubjectID, category id.CategoryID) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, subject, category, due_at, status, COALESCE(completed_at, 'epoch'::timestamptz)
		FROM lifecycle_jobs
		WHERE kind = $1 AND subject = $2 AND category = $3 AND status = 'pending'
	`, string(kind), subject.String(), category.String())
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get pending lifecycle job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) FetchDue(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, subject, category, due_at, status, COALESCE(completed_at, 'epoch'::timestamptz)
		FROM lifecycle_jobs
		WHERE status = 'pending' AND due_at <= $1
		ORDER BY due_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch due lifecycle jobs: %w", err)
	}
	defer rows.Close()

	var due []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lifecycle job: %w", err)
		}
		due = append(due, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lifecycle jobs: %w", err)
	}
	return due, nil
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, jobID id.JobID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE lifecycle_jobs SET status = 'completed', completed_at = $2 WHERE id = $1
	`, uuid.UUID(jobID), at)
	if err != nil {
		return fmt.Errorf("complete lifecycle job: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("lifecycle job rows affected: %w", err)
	}
	if rows == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CancelBySubject(ctx context.Context, subject id.SubjectID) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM lifecycle_jobs WHERE subject = $1 AND status = 'pending'
	`, subject.String())
	if err != nil {
		return 0, fmt.Errorf("cancel lifecycle jobs: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("lifecycle job rows affected: %w", err)
	}
	return int(rows), nil
}

func (s *PostgresStore) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM lifecycle_jobs WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending lifecycle jobs: %w", err)
	}
	return n, nil
}

type jobRow interface {
	Scan(dest ...any) error
}

func scanJob(row jobRow) (*Job, error) {
	var j Job
	var jobID uuid.UUID
	var kind, subject, category, status string
	if err := row.Scan(&jobID, &kind, &subject, &category, &j.DueAt, &status, &j.CompletedAt); err != nil {
		return nil, err
	}
	j.ID = id.JobID(jobID)
	j.Kind = Kind(kind)
	j.Subject = id.SubjectID(subject)
	j.Category = id.CategoryID(category)
	j.Status = Status(status)
	return &j, nil
}
