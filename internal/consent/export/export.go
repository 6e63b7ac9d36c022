// Package export builds portability packages: a subject's current consent
// states plus their full audit trail, serialized as JSON. Jobs run
// asynchronously and expire after a TTL so the result store never grows
// unbounded.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"consentry/internal/audit"
	"consentry/internal/consent/models"
	id "consentry/pkg/domain"
	dErrors "consentry/pkg/domain-errors"
)

// Status is the lifecycle state of an export job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Package is the portability payload handed back to the subject.
type Package struct {
	Subject       id.SubjectID                           `json:"subject"`
	Region        id.Region                              `json:"region"`
	PolicyVersion string                                 `json:"policy_version"`
	GeneratedAt   time.Time                              `json:"generated_at"`
	Categories    map[id.CategoryID]models.CategoryState `json:"categories"`
	Audit         []*audit.Entry                         `json:"audit"`
}

// Job tracks one export request.
type Job struct {
	ID          id.JobID     `json:"id"`
	Subject     id.SubjectID `json:"subject"`
	Status      Status       `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt time.Time    `json:"completed_at,omitzero"`
	// Result is the serialized Package, present once Status is completed.
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Reader is the consent read surface the exporter needs. service.Service
// satisfies it.
type Reader interface {
	Get(ctx context.Context, subject id.SubjectID) (*models.SubjectView, error)
	ExportAudit(ctx context.Context, subject id.SubjectID) ([]*audit.Entry, error)
}

const defaultJobTTL = time.Hour

// Service runs export jobs and holds their results until expiry.
type Service struct {
	reader Reader
	logger *slog.Logger
	ttl    time.Duration
	clock  func() time.Time

	mu   sync.Mutex
	jobs map[id.JobID]*Job
	wg   sync.WaitGroup
}

// Option configures the export service.
type Option func(*Service)

// WithLogger sets the export logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithJobTTL overrides how long completed jobs remain queryable.
func WithJobTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// NewService constructs the exporter.
func NewService(reader Reader, opts ...Option) *Service {
	s := &Service{
		reader: reader,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		ttl:    defaultJobTTL,
		clock:  time.Now,
		jobs:   make(map[id.JobID]*Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins an export for the subject and returns immediately with the
// job ID. The package is assembled in the background.
func (s *Service) Start(ctx context.Context, subject id.SubjectID) (id.JobID, error) {
	if err := subject.Validate(); err != nil {
		return id.JobID{}, err
	}

	job := &Job{
		ID:        id.NewJobID(),
		Subject:   subject,
		Status:    StatusPending,
		CreatedAt: s.clock(),
	}
	s.mu.Lock()
	s.expireLocked()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	s.wg.Add(1)
	// Detached from the request context: the job outlives the request that
	// started it.
	go s.run(context.WithoutCancel(ctx), job.ID, subject)

	s.logger.InfoContext(ctx, "export job started", "subject", subject, "job_id", job.ID)
	return job.ID, nil
}

// Status returns the job for the subject that started it. A job belonging to
// a different subject reads as not found rather than forbidden, so job IDs
// cannot be probed across subjects.
func (s *Service) Status(ctx context.Context, subject id.SubjectID, jobID id.JobID) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()

	job, ok := s.jobs[jobID]
	if !ok || job.Subject != subject {
		return nil, dErrors.New(dErrors.CodeNotFound, "export job not found")
	}
	copied := *job
	return &copied, nil
}

// Wait blocks until all in-flight jobs finish. Shutdown hook.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) run(ctx context.Context, jobID id.JobID, subject id.SubjectID) {
	defer s.wg.Done()

	result, err := s.build(ctx, subject)

	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return
	}
	job.CompletedAt = s.clock()
	if err != nil {
		job.Status = StatusFailed
		job.Error = err.Error()
		s.logger.ErrorContext(ctx, "export job failed",
			"subject", subject, "job_id", jobID, "error", err)
		return
	}
	job.Status = StatusCompleted
	job.Result = result
}

func (s *Service) build(ctx context.Context, subject id.SubjectID) (json.RawMessage, error) {
	view, err := s.reader.Get(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("reading consent state: %w", err)
	}
	entries, err := s.reader.ExportAudit(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("exporting audit trail: %w", err)
	}

	pkg := Package{
		Subject:       subject,
		Region:        view.Region,
		PolicyVersion: view.PolicyVersion,
		GeneratedAt:   s.clock(),
		Categories:    view.Categories,
		Audit:         entries,
	}
	raw, err := json.Marshal(pkg)
	if err != nil {
		return nil, fmt.Errorf("serializing export package: %w", err)
	}
	return raw, nil
}

// expireLocked drops jobs older than the TTL. Caller holds s.mu.
func (s *Service) expireLocked() {
	cutoff := s.clock().Add(-s.ttl)
	for jobID, job := range s.jobs {
		if job.CreatedAt.Before(cutoff) {
			delete(s.jobs, jobID)
		}
	}
}
