package audit

import (
	"context"
	"sync"

	"consentry/internal/consent/models"
	id "consentry/pkg/domain"
)

// MemoryStore keeps the audit log in memory. Appends are O(1); queries scan
// the per-subject index.
type MemoryStore struct {
	mu      sync.RWMutex
	nextSeq int64
	entries map[id.SubjectID][]*Entry
}

// NewMemory constructs an empty in-memory audit store.
func NewMemory() *MemoryStore {
	return &MemoryStore{entries: make(map[id.SubjectID][]*Entry)}
}

func (s *MemoryStore) Append(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	entry.Seq = s.nextSeq
	copyEntry := *entry
	s.entries[entry.Subject] = append(s.entries[entry.Subject], &copyEntry)
	return nil
}

func (s *MemoryStore) Query(_ context.Context, subject id.SubjectID, rng Range, afterSeq int64, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Entry
	for _, e := range s.entries[subject] {
		if e.Seq <= afterSeq {
			continue
		}
		if !rng.Contains(e.OccurredAt) {
			continue
		}
		copyEntry := *e
		out = append(out, &copyEntry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Export(ctx context.Context, subject id.SubjectID) ([]*Entry, error) {
	return s.Query(ctx, subject, Range{}, 0, 0)
}

func (s *MemoryStore) CountBySubject(_ context.Context, subject id.SubjectID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries[subject])), nil
}

func (s *MemoryStore) RedactSubject(_ context.Context, subject id.SubjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries[subject] {
		if e.Kind == KindErasure {
			continue
		}
		e.Previous = ""
		e.New = ""
		e.Actor = ""
		e.Method = ""
		e.Source = ""
		e.Context = models.ContextHash{}
	}
	return nil
}
