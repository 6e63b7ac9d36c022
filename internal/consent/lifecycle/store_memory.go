package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"consentry/internal/sentinel"
	id "consentry/pkg/domain"
)

type jobKey struct {
	kind     Kind
	subject  id.SubjectID
	category id.CategoryID
}

// MemoryStore keeps lifecycle jobs in memory, one slot per
// (kind, subject, category) key.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[jobKey]*Job
}

// NewMemory constructs an empty in-memory job store.
func NewMemory() *MemoryStore {
	return &MemoryStore{jobs: make(map[jobKey]*Job)}
}

func (s *MemoryStore) UpsertPending(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := jobKey{kind: job.Kind, subject: job.Subject, category: job.Category}
	copyJob := *job
	if existing, ok := s.jobs[key]; ok {
		copyJob.ID = existing.ID
	} else if copyJob.ID.IsNil() {
		copyJob.ID = id.NewJobID()
	}
	copyJob.Status = StatusPending
	copyJob.CompletedAt = time.Time{}
	s.jobs[key] = &copyJob
	return nil
}

func (s *MemoryStore) Pending(_ context.Context, kind Kind, subject id.SubjectID, category id.CategoryID) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobKey{kind: kind, subject: subject, category: category}]
	if !ok || job.Status != StatusPending {
		return nil, sentinel.ErrNotFound
	}
	copyJob := *job
	return &copyJob, nil
}

func (s *MemoryStore) FetchDue(_ context.Context, now time.Time, limit int) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*Job
	for _, job := range s.jobs {
		if job.Status == StatusPending && !job.DueAt.After(now) {
			copyJob := *job
			due = append(due, &copyJob)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, jobID id.JobID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.ID == jobID {
			job.Status = StatusCompleted
			job.CompletedAt = at
			return nil
		}
	}
	return sentinel.ErrNotFound
}

func (s *MemoryStore) CancelBySubject(_ context.Context, subject id.SubjectID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cancelled int
	for key, job := range s.jobs {
		if job.Subject == subject && job.Status == StatusPending {
			delete(s.jobs, key)
			cancelled++
		}
	}
	return cancelled, nil
}

func (s *MemoryStore) CountPending(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, job := range s.jobs {
		if job.Status == StatusPending {
			n++
		}
	}
	return n, nil
}
