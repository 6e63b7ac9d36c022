package export

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"consentry/internal/audit"
	"consentry/internal/consent/models"
	id "consentry/pkg/domain"
	dErrors "consentry/pkg/domain-errors"
)

type fakeReader struct {
	view    *models.SubjectView
	entries []*audit.Entry
	err     error
}

func (f *fakeReader) Get(_ context.Context, _ id.SubjectID) (*models.SubjectView, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.view, nil
}

func (f *fakeReader) ExportAudit(_ context.Context, _ id.SubjectID) ([]*audit.Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.entries, nil
}

type ExportSuite struct {
	suite.Suite

	reader  *fakeReader
	now     time.Time
	service *Service
}

func (s *ExportSuite) SetupTest() {
	s.reader = &fakeReader{
		view: &models.SubjectView{
			Subject:       "user-1",
			Region:        "EU",
			PolicyVersion: "2026-07",
			Categories: map[id.CategoryID]models.CategoryState{
				"analytics": {State: models.StateGranted, Version: 2},
				"marketing": {State: models.StateDenied, Version: 1},
			},
		},
		entries: []*audit.Entry{
			{Seq: 1, Subject: "user-1", Category: "analytics", New: models.StateGranted, Version: 1},
			{Seq: 2, Subject: "user-1", Category: "analytics", New: models.StateGranted, Version: 2},
		},
	}
	s.now = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.service = NewService(s.reader, WithClock(func() time.Time { return s.now }))
}

func (s *ExportSuite) startAndWait(subject id.SubjectID) id.JobID {
	jobID, err := s.service.Start(context.Background(), subject)
	s.Require().NoError(err)
	s.service.Wait()
	return jobID
}

func (s *ExportSuite) TestCompletedJobCarriesStateAndAudit() {
	jobID := s.startAndWait("user-1")

	job, err := s.service.Status(context.Background(), "user-1", jobID)
	s.Require().NoError(err)
	s.Equal(StatusCompleted, job.Status)
	s.Empty(job.Error)

	var pkg Package
	s.Require().NoError(json.Unmarshal(job.Result, &pkg))
	s.Equal(id.SubjectID("user-1"), pkg.Subject)
	s.Equal(id.Region("EU"), pkg.Region)
	s.Equal("2026-07", pkg.PolicyVersion)
	s.Equal(models.StateGranted, pkg.Categories["analytics"].State)
	s.Len(pkg.Audit, 2)
}

func (s *ExportSuite) TestReadFailureMarksJobFailed() {
	s.reader.err = errors.New("store unavailable")
	jobID := s.startAndWait("user-1")

	job, err := s.service.Status(context.Background(), "user-1", jobID)
	s.Require().NoError(err)
	s.Equal(StatusFailed, job.Status)
	s.Contains(job.Error, "store unavailable")
	s.Nil(job.Result)
}

func (s *ExportSuite) TestJobInvisibleToOtherSubjects() {
	jobID := s.startAndWait("user-1")

	_, err := s.service.Status(context.Background(), "user-2", jobID)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ExportSuite) TestJobExpiresAfterTTL() {
	jobID := s.startAndWait("user-1")

	s.now = s.now.Add(defaultJobTTL + time.Minute)
	_, err := s.service.Status(context.Background(), "user-1", jobID)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ExportSuite) TestStartRejectsInvalidSubject() {
	_, err := s.service.Start(context.Background(), "")
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func TestExportSuite(t *testing.T) {
	suite.Run(t, new(ExportSuite))
}
