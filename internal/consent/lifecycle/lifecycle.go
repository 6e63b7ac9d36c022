// Package lifecycle automates what consent decisions imply over time:
// withdrawal-triggered data deletion after the category's retention period,
// and renewal reminders when a region's ruleset caps how long a grant stays
// fresh. Jobs are idempotent and re-runnable; the sweep is single-flight.
package lifecycle

import (
	"context"
	"time"

	id "consentry/pkg/domain"
)

// Kind classifies a lifecycle job.
type Kind string

const (
	KindRenewal  Kind = "renewal"
	KindDeletion Kind = "deletion"
)

// Status is a job's execution state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Job is one scheduled unit of lifecycle work. At most one pending job
// exists per (kind, subject, category); rescheduling replaces the due time,
// never duplicates. Renewal jobs are per subject and leave Category empty.
type Job struct {
	ID          id.JobID
	Kind        Kind
	Subject     id.SubjectID
	Category    id.CategoryID
	DueAt       time.Time
	Status      Status
	CompletedAt time.Time
}

// Store is the job persistence interface.
//
// Error Contract:
//   - Pending returns sentinel.ErrNotFound when no pending job exists
//   - UpsertPending replaces an existing job for the same (kind, subject,
//     category) key, resetting it to pending with the new due time
type Store interface {
	UpsertPending(ctx context.Context, job *Job) error
	Pending(ctx context.Context, kind Kind, subject id.SubjectID, category id.CategoryID) (*Job, error)
	// FetchDue returns pending jobs with DueAt <= now, oldest first, at most
	// limit long.
	FetchDue(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	MarkCompleted(ctx context.Context, jobID id.JobID, at time.Time) error
	// CancelBySubject drops every pending job for the subject and returns how
	// many were dropped. Used by erasure.
	CancelBySubject(ctx context.Context, subject id.SubjectID) (int, error)
	CountPending(ctx context.Context) (int64, error)
}
