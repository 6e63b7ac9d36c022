package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"consentry/internal/audit"
	"consentry/internal/consent/models"
	"consentry/internal/consent/region"
	"consentry/internal/consent/registry"
	id "consentry/pkg/domain"
	dErrors "consentry/pkg/domain-errors"
)

var (
	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "consentry_lifecycle_sweep_duration_seconds",
		Help:    "Duration of lifecycle sweep runs",
		Buckets: prometheus.DefBuckets,
	})
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consentry_lifecycle_jobs_processed_total",
		Help: "Total number of lifecycle jobs executed, labeled by kind",
	}, []string{"kind"})
	jobFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consentry_lifecycle_job_failures_total",
		Help: "Total number of lifecycle job executions that failed and stayed pending",
	}, []string{"kind"})
)

// DeletionExecutor deletes the data collected under a withdrawn category.
// Consumed as an opaque collaborator.
type DeletionExecutor interface {
	DeleteData(ctx context.Context, subject id.SubjectID, category id.CategoryID) error
}

// ReminderSender delivers a renewal reminder to a subject. Consumed as an
// opaque collaborator.
type ReminderSender interface {
	SendReminder(ctx context.Context, subject id.SubjectID) error
}

// SweepResult summarizes one ProcessDue run.
type SweepResult struct {
	Deletions int
	Renewals  int
	Failures  int
}

const (
	defaultSweepBatch      = 100
	defaultRetentionPeriod = 30 * 24 * time.Hour
)

// Manager schedules lifecycle jobs off consent change events and executes
// the due ones. HandleChange is registered as an event bus subscriber.
type Manager struct {
	jobs     Store
	registry *registry.Registry
	regions  *region.Resolver
	trail    audit.Store
	executor DeletionExecutor
	reminder ReminderSender

	logger           *slog.Logger
	clock            func() time.Time
	flight           singleflight.Group
	sweepBatch       int
	defaultRetention time.Duration
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithDefaultRetention sets the deletion delay for categories that carry no
// retention period of their own.
func WithDefaultRetention(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.defaultRetention = d
		}
	}
}

// WithSweepBatch caps how many due jobs one sweep executes.
func WithSweepBatch(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.sweepBatch = n
		}
	}
}

// WithClock injects the time source. Tests only.
func WithClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) { m.clock = clock }
}

// NewManager wires lifecycle automation.
func NewManager(jobs Store, reg *registry.Registry, regions *region.Resolver, trail audit.Store, executor DeletionExecutor, reminder ReminderSender, opts ...ManagerOption) *Manager {
	m := &Manager{
		jobs:             jobs,
		registry:         reg,
		regions:          regions,
		trail:            trail,
		executor:         executor,
		reminder:         reminder,
		logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:            func() time.Time { return time.Now().UTC() },
		sweepBatch:       defaultSweepBatch,
		defaultRetention: defaultRetentionPeriod,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ScheduleRenewal sets the subject's single pending renewal reminder.
// Rescheduling replaces the due time, never duplicates.
func (m *Manager) ScheduleRenewal(ctx context.Context, subject id.SubjectID, period time.Duration) error {
	if period <= 0 {
		return dErrors.New(dErrors.CodeValidation, "renewal period must be positive")
	}
	return m.jobs.UpsertPending(ctx, &Job{
		Kind:    KindRenewal,
		Subject: subject,
		DueAt:   m.clock().Add(period),
	})
}

// HandleChange is the event bus subscriber. A withdrawal (granted to denied)
// schedules data deletion after the category's retention period; a fresh
// grant in a region with a renewal period schedules the renewal reminder.
func (m *Manager) HandleChange(ctx context.Context, event models.ChangeEvent) error {
	if event.Previous == models.StateGranted && event.New == models.StateDenied {
		retention := m.defaultRetention
		if cat, err := m.registry.Get(event.Category); err == nil && cat.RetentionPeriod > 0 {
			retention = cat.RetentionPeriod
		}
		due := m.clock().Add(retention)
		if err := m.jobs.UpsertPending(ctx, &Job{
			Kind:     KindDeletion,
			Subject:  event.Subject,
			Category: event.Category,
			DueAt:    due,
		}); err != nil {
			return err
		}
		m.logger.InfoContext(ctx, "deletion scheduled",
			"subject", event.Subject, "category", event.Category, "due_at", due)
	}

	if event.New == models.StateGranted {
		ruleset := m.regions.Resolve(event.Region)
		if ruleset.RenewalPeriod > 0 {
			if err := m.ScheduleRenewal(ctx, event.Subject, ruleset.RenewalPeriod); err != nil {
				return err
			}
		}
	}
	return nil
}

// ProcessDue executes every due job once. Only one sweep runs at a time;
// concurrent callers share the in-flight run's result. Failed jobs stay
// pending and are retried on the next sweep.
func (m *Manager) ProcessDue(ctx context.Context) (SweepResult, error) {
	v, err, _ := m.flight.Do("sweep", func() (any, error) {
		return m.sweep(ctx)
	})
	if err != nil {
		return SweepResult{}, err
	}
	return v.(SweepResult), nil
}

func (m *Manager) sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	var result SweepResult
	due, err := m.jobs.FetchDue(ctx, m.clock(), m.sweepBatch)
	if err != nil {
		return result, dErrors.Wrap(err, dErrors.CodeStorageFailure, "fetching due lifecycle jobs")
	}

	for _, job := range due {
		var execErr error
		switch job.Kind {
		case KindDeletion:
			execErr = m.runDeletion(ctx, job)
		case KindRenewal:
			execErr = m.runRenewal(ctx, job)
		default:
			m.logger.WarnContext(ctx, "unknown lifecycle job kind", "kind", job.Kind, "job_id", job.ID)
			continue
		}
		if execErr != nil {
			result.Failures++
			jobFailures.WithLabelValues(string(job.Kind)).Inc()
			m.logger.ErrorContext(ctx, "lifecycle job failed, staying pending",
				"kind", job.Kind, "job_id", job.ID, "subject", job.Subject, "error", execErr)
			continue
		}
		jobsProcessed.WithLabelValues(string(job.Kind)).Inc()
		switch job.Kind {
		case KindDeletion:
			result.Deletions++
		case KindRenewal:
			result.Renewals++
		}
	}
	return result, nil
}

// runDeletion calls the external deletion collaborator, records completion in
// the audit trail, and marks the job done. Safe to re-run after a crash at
// any point.
func (m *Manager) runDeletion(ctx context.Context, job *Job) error {
	if m.executor == nil {
		return dErrors.New(dErrors.CodeInternal, "no deletion executor configured")
	}
	if err := m.executor.DeleteData(ctx, job.Subject, job.Category); err != nil {
		return err
	}
	entry := audit.NewEntry(audit.KindDeletionCompleted)
	entry.Subject = job.Subject
	entry.Category = job.Category
	entry.Actor = "lifecycle"
	entry.OccurredAt = m.clock()
	if err := m.trail.Append(ctx, entry); err != nil {
		return err
	}
	return m.jobs.MarkCompleted(ctx, job.ID, m.clock())
}

func (m *Manager) runRenewal(ctx context.Context, job *Job) error {
	if m.reminder == nil {
		return dErrors.New(dErrors.CodeInternal, "no reminder sender configured")
	}
	if err := m.reminder.SendReminder(ctx, job.Subject); err != nil {
		return err
	}
	entry := audit.NewEntry(audit.KindRenewalNotice)
	entry.Subject = job.Subject
	entry.Actor = "lifecycle"
	entry.OccurredAt = m.clock()
	if err := m.trail.Append(ctx, entry); err != nil {
		return err
	}
	return m.jobs.MarkCompleted(ctx, job.ID, m.clock())
}

// CancelBySubject drops the subject's pending jobs. Satisfies the consent
// service's JobCanceler during erasure.
func (m *Manager) CancelBySubject(ctx context.Context, subject id.SubjectID) (int, error) {
	return m.jobs.CancelBySubject(ctx, subject)
}
