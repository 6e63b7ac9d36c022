// Package webhook delivers consent change events to registered third-party
// endpoints: at-least-once, FIFO per subscription, exponential backoff with a
// bounded attempt count, dead-lettering on exhaustion, and stale-event
// cancellation when a newer change for the same subject and category lands
// while an older one is still queued.
package webhook

import (
	"context"
	"net/url"
	"slices"
	"time"

	id "consentry/pkg/domain"
	dErrors "consentry/pkg/domain-errors"
)

// Subscription registers one downstream endpoint for consent changes.
type Subscription struct {
	ID         id.SubscriptionID
	ServiceID  id.ServiceID
	Endpoint   string
	Secret     string
	Categories []id.CategoryID

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration

	Active bool
	// Cursor is the audit sequence of the last successfully delivered event.
	Cursor    int64
	CreatedAt time.Time
}

// Validate checks a subscription definition at registration time.
func (s *Subscription) Validate() error {
	if s.ServiceID == "" {
		return dErrors.New(dErrors.CodeValidation, "subscription service ID is required")
	}
	u, err := url.Parse(s.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return dErrors.New(dErrors.CodeValidation, "subscription endpoint must be an absolute http(s) URL")
	}
	if s.Secret == "" {
		return dErrors.New(dErrors.CodeValidation, "subscription secret is required")
	}
	if s.MaxAttempts < 0 || s.InitialBackoff < 0 || s.MaxBackoff < 0 || s.Timeout < 0 {
		return dErrors.New(dErrors.CodeValidation, "subscription retry policy must not be negative")
	}
	return nil
}

// Matches reports whether the subscription wants changes for a category.
// An empty category set subscribes to everything.
func (s *Subscription) Matches(category id.CategoryID) bool {
	if len(s.Categories) == 0 {
		return true
	}
	return slices.Contains(s.Categories, category)
}

// Store is the subscription persistence interface.
//
// Error Contract:
//   - Get returns sentinel.ErrNotFound when no subscription exists
//   - Create returns sentinel.ErrConflict on a duplicate ID
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, subID id.SubscriptionID) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	ListActive(ctx context.Context) ([]*Subscription, error)
	SetActive(ctx context.Context, subID id.SubscriptionID, active bool) error
	AdvanceCursor(ctx context.Context, subID id.SubscriptionID, seq int64) error
	Delete(ctx context.Context, subID id.SubscriptionID) error
}
