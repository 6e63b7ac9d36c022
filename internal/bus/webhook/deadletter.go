package webhook

import (
	"context"
	"sort"
	"sync"
	"time"

	"consentry/internal/consent/models"
	"consentry/internal/sentinel"
	id "consentry/pkg/domain"
)

// DeadLetter records a change event whose delivery to a subscription
// exhausted its retry budget. Operators inspect and requeue them through the
// admin API.
type DeadLetter struct {
	ID             id.DeliveryID      `json:"id"`
	SubscriptionID id.SubscriptionID  `json:"subscription_id"`
	Event          models.ChangeEvent `json:"event"`
	Attempts       int                `json:"attempts"`
	LastError      string             `json:"last_error"`
	FirstAttemptAt time.Time          `json:"first_attempt_at"`
	LastAttemptAt  time.Time          `json:"last_attempt_at"`
}

// DeadLetterStore holds exhausted deliveries until an operator requeues or
// discards them.
type DeadLetterStore interface {
	Append(ctx context.Context, letter *DeadLetter) error
	// List returns dead letters ordered by LastAttemptAt descending, newest
	// first. A non-positive limit returns everything.
	List(ctx context.Context, limit int) ([]*DeadLetter, error)
	Get(ctx context.Context, letterID id.DeliveryID) (*DeadLetter, error)
	Delete(ctx context.Context, letterID id.DeliveryID) error
}

// MemoryDeadLetterStore keeps dead letters in process memory.
type MemoryDeadLetterStore struct {
	mu      sync.RWMutex
	letters map[id.DeliveryID]*DeadLetter
}

func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{letters: make(map[id.DeliveryID]*DeadLetter)}
}

func (s *MemoryDeadLetterStore) Append(_ context.Context, letter *DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if letter.ID == (id.DeliveryID{}) {
		letter.ID = id.NewDeliveryID()
	}
	stored := *letter
	s.letters[letter.ID] = &stored
	return nil
}

func (s *MemoryDeadLetterStore) List(_ context.Context, limit int) ([]*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	letters := make([]*DeadLetter, 0, len(s.letters))
	for _, letter := range s.letters {
		stored := *letter
		letters = append(letters, &stored)
	}
	sort.Slice(letters, func(i, j int) bool {
		return letters[i].LastAttemptAt.After(letters[j].LastAttemptAt)
	})
	if limit > 0 && len(letters) > limit {
		letters = letters[:limit]
	}
	return letters, nil
}

func (s *MemoryDeadLetterStore) Get(_ context.Context, letterID id.DeliveryID) (*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	letter, ok := s.letters[letterID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	stored := *letter
	return &stored, nil
}

func (s *MemoryDeadLetterStore) Delete(_ context.Context, letterID id.DeliveryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.letters[letterID]; !ok {
		return sentinel.ErrNotFound
	}
	delete(s.letters, letterID)
	return nil
}
