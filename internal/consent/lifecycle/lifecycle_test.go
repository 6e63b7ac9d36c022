package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"consentry/internal/audit"
	"consentry/internal/consent/models"
	"consentry/internal/consent/region"
	"consentry/internal/consent/registry"
	"consentry/internal/sentinel"
	id "consentry/pkg/domain"
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (f *fakeExecutor) DeleteData(_ context.Context, subject id.SubjectID, category id.CategoryID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("downstream unavailable")
	}
	f.calls = append(f.calls, subject.String()+"/"+category.String())
	return nil
}

type fakeReminder struct {
	mu    sync.Mutex
	calls []id.SubjectID
}

func (f *fakeReminder) SendReminder(_ context.Context, subject id.SubjectID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, subject)
	return nil
}

type ManagerSuite struct {
	suite.Suite
	jobs     *MemoryStore
	trail    *audit.MemoryStore
	executor *fakeExecutor
	reminder *fakeReminder
	manager  *Manager
	now      time.Time
}

const retention = 30 * 24 * time.Hour

func (s *ManagerSuite) SetupTest() {
	s.jobs = NewMemory()
	s.trail = audit.NewMemory()
	s.executor = &fakeExecutor{}
	s.reminder = &fakeReminder{}
	s.now = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	reg := registry.New()
	necessary, err := registry.NewCategory(models.CategoryNecessary, "Strictly necessary")
	s.Require().NoError(err)
	analytics, err := registry.NewCategory(models.CategoryAnalytics, "Product analytics",
		registry.WithRetention(retention))
	s.Require().NoError(err)
	s.Require().NoError(reg.RegisterAll(necessary, analytics))

	resolver, err := region.NewResolver(reg, []region.Ruleset{{
		Region:         "EU",
		DefaultPosture: region.PostureOptIn,
		NotSetMeaning:  models.StateDenied,
		RenewalPeriod:  365 * 24 * time.Hour,
	}})
	s.Require().NoError(err)

	s.manager = NewManager(s.jobs, reg, resolver, s.trail, s.executor, s.reminder,
		WithClock(func() time.Time { return s.now }))
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) withdrawal(subject id.SubjectID) models.ChangeEvent {
	return models.ChangeEvent{
		Subject:    subject,
		Category:   models.CategoryAnalytics,
		Previous:   models.StateGranted,
		New:        models.StateDenied,
		OccurredAt: s.now,
		Region:     "EU",
	}
}

func (s *ManagerSuite) TestWithdrawalSchedulesSinglePendingDeletion() {
	ctx := context.Background()
	t1 := s.now

	s.Require().NoError(s.manager.HandleChange(ctx, s.withdrawal("u1")))

	job, err := s.jobs.Pending(ctx, KindDeletion, "u1", models.CategoryAnalytics)
	s.Require().NoError(err)
	s.Equal(t1.Add(retention), job.DueAt)

	// Re-scheduling before execution keeps exactly one pending job with the
	// later due time.
	s.now = s.now.Add(2 * time.Hour)
	s.Require().NoError(s.manager.HandleChange(ctx, s.withdrawal("u1")))

	again, err := s.jobs.Pending(ctx, KindDeletion, "u1", models.CategoryAnalytics)
	s.Require().NoError(err)
	s.Equal(job.ID, again.ID)
	s.Equal(t1.Add(2*time.Hour+retention), again.DueAt)

	n, err := s.jobs.CountPending(ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), n)
}

func (s *ManagerSuite) TestGrantSchedulesRenewal() {
	ctx := context.Background()
	event := models.ChangeEvent{
		Subject:  "u1",
		Category: models.CategoryAnalytics,
		Previous: models.StateNotSet,
		New:      models.StateGranted,
		Region:   "EU",
	}
	s.Require().NoError(s.manager.HandleChange(ctx, event))

	job, err := s.jobs.Pending(ctx, KindRenewal, "u1", "")
	s.Require().NoError(err)
	s.Equal(s.now.Add(365*24*time.Hour), job.DueAt)

	// Granting again replaces the reminder instead of stacking a second one.
	s.now = s.now.Add(24 * time.Hour)
	s.Require().NoError(s.manager.HandleChange(ctx, event))
	n, err := s.jobs.CountPending(ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), n)
}

func (s *ManagerSuite) TestProcessDueExecutesDeletion() {
	ctx := context.Background()
	s.Require().NoError(s.manager.HandleChange(ctx, s.withdrawal("u1")))

	// Not due yet.
	result, err := s.manager.ProcessDue(ctx)
	s.Require().NoError(err)
	s.Zero(result.Deletions)
	s.Empty(s.executor.calls)

	s.now = s.now.Add(retention + time.Minute)
	result, err = s.manager.ProcessDue(ctx)
	s.Require().NoError(err)
	s.Equal(1, result.Deletions)
	s.Equal([]string{"u1/analytics"}, s.executor.calls)

	entries, err := s.trail.Export(ctx, "u1")
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal(audit.KindDeletionCompleted, entries[0].Kind)
	s.Equal("lifecycle", entries[0].Actor)

	// Completed jobs do not run twice.
	result, err = s.manager.ProcessDue(ctx)
	s.Require().NoError(err)
	s.Zero(result.Deletions)
	s.Len(s.executor.calls, 1)
}

func (s *ManagerSuite) TestFailedJobStaysPending() {
	ctx := context.Background()
	s.executor.fail = true
	s.Require().NoError(s.manager.HandleChange(ctx, s.withdrawal("u1")))
	s.now = s.now.Add(retention + time.Minute)

	result, err := s.manager.ProcessDue(ctx)
	s.Require().NoError(err)
	s.Equal(1, result.Failures)
	s.Zero(result.Deletions)

	// No completion entry was recorded for the failed run.
	n, err := s.trail.CountBySubject(ctx, "u1")
	s.Require().NoError(err)
	s.Zero(n)

	// The next sweep retries and succeeds.
	s.executor.fail = false
	result, err = s.manager.ProcessDue(ctx)
	s.Require().NoError(err)
	s.Equal(1, result.Deletions)
}

func (s *ManagerSuite) TestProcessDueExecutesRenewal() {
	ctx := context.Background()
	s.Require().NoError(s.manager.ScheduleRenewal(ctx, "u1", time.Hour))
	s.now = s.now.Add(2 * time.Hour)

	result, err := s.manager.ProcessDue(ctx)
	s.Require().NoError(err)
	s.Equal(1, result.Renewals)
	s.Equal([]id.SubjectID{"u1"}, s.reminder.calls)

	entries, err := s.trail.Export(ctx, "u1")
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal(audit.KindRenewalNotice, entries[0].Kind)
}

func (s *ManagerSuite) TestCancelBySubject() {
	ctx := context.Background()
	s.Require().NoError(s.manager.HandleChange(ctx, s.withdrawal("u1")))
	s.Require().NoError(s.manager.ScheduleRenewal(ctx, "u1", time.Hour))
	s.Require().NoError(s.manager.ScheduleRenewal(ctx, "u2", time.Hour))

	cancelled, err := s.manager.CancelBySubject(ctx, "u1")
	s.Require().NoError(err)
	s.Equal(2, cancelled)

	_, err = s.jobs.Pending(ctx, KindDeletion, "u1", models.CategoryAnalytics)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)

	// Other subjects are untouched.
	_, err = s.jobs.Pending(ctx, KindRenewal, "u2", "")
	s.Require().NoError(err)
}

func TestScheduleRenewalRejectsNonPositivePeriod(t *testing.T) {
	m := NewManager(NewMemory(), registry.New(), nil, audit.NewMemory(), nil, nil)
	require.Error(t, m.ScheduleRenewal(context.Background(), "u1", 0))
}
