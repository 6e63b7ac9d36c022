package store

import (
	"context"
	"sort"
	"sync"

	"consentry/internal/consent/models"
	"consentry/internal/sentinel"
	id "consentry/pkg/domain"
)

// MemoryStore stores consent records in memory for tests and single-process
// deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[id.SubjectID]map[id.CategoryID]*models.Record
	regions map[id.SubjectID]id.Region
}

// NewMemory constructs an empty in-memory consent store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		records: make(map[id.SubjectID]map[id.CategoryID]*models.Record),
		regions: make(map[id.SubjectID]id.Region),
	}
}

func (s *MemoryStore) Get(_ context.Context, subject id.SubjectID, category id.CategoryID) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[subject][category]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	copyRecord := *record
	return &copyRecord, nil
}

func (s *MemoryStore) ListBySubject(_ context.Context, subject id.SubjectID) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Record
	for _, record := range s.records[subject] {
		copyRecord := *record
		out = append(out, &copyRecord)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

func (s *MemoryStore) CompareAndSet(_ context.Context, record *models.Record, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byCategory, ok := s.records[record.Subject]
	if !ok {
		byCategory = make(map[id.CategoryID]*models.Record)
		s.records[record.Subject] = byCategory
	}

	existing, exists := byCategory[record.Category]
	if expectedVersion == 0 {
		if exists {
			return sentinel.ErrVersionMismatch
		}
	} else {
		if !exists || existing.Version != expectedVersion {
			return sentinel.ErrVersionMismatch
		}
	}

	copyRecord := *record
	byCategory[record.Category] = &copyRecord
	return nil
}

func (s *MemoryStore) DeleteBySubject(_ context.Context, subject id.SubjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, subject)
	delete(s.regions, subject)
	return nil
}

func (s *MemoryStore) Region(_ context.Context, subject id.SubjectID) (id.Region, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	region, ok := s.regions[subject]
	if !ok {
		return id.RegionUnknown, sentinel.ErrNotFound
	}
	return region, nil
}

func (s *MemoryStore) PinRegion(_ context.Context, subject id.SubjectID, region id.Region) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions[subject] = region
	return nil
}
