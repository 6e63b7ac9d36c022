package webhook

import (
	"context"
	"sort"
	"sync"
	"time"

	"consentry/internal/sentinel"
	id "consentry/pkg/domain"
)

// MemoryStore keeps webhook subscriptions in memory.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[id.SubscriptionID]*Subscription
}

// NewMemoryStore constructs an empty in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[id.SubscriptionID]*Subscription)}
}

func (s *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID.IsNil() {
		sub.ID = id.NewSubscriptionID()
	}
	if _, exists := s.subs[sub.ID]; exists {
		return sentinel.ErrConflict
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	copySub := *sub
	copySub.Categories = append([]id.CategoryID(nil), sub.Categories...)
	s.subs[sub.ID] = &copySub
	return nil
}

func (s *MemoryStore) Get(_ context.Context, subID id.SubscriptionID) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[subID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copySubscription(sub), nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, copySubscription(sub))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]*Subscription, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, sub := range all {
		if sub.Active {
			active = append(active, sub)
		}
	}
	return active, nil
}

func (s *MemoryStore) SetActive(_ context.Context, subID id.SubscriptionID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[subID]
	if !ok {
		return sentinel.ErrNotFound
	}
	sub.Active = active
	return nil
}

func (s *MemoryStore) AdvanceCursor(_ context.Context, subID id.SubscriptionID, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[subID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if seq > sub.Cursor {
		sub.Cursor = seq
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, subID id.SubscriptionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[subID]; !ok {
		return sentinel.ErrNotFound
	}
	delete(s.subs, subID)
	return nil
}

func copySubscription(sub *Subscription) *Subscription {
	copySub := *sub
	copySub.Categories = append([]id.CategoryID(nil), sub.Categories...)
	return &copySub
}
