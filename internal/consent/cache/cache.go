// Package cache is the write-through read cache in front of the consent
// store. A successful mutation updates the cached subject view before the
// call returns, so a cache read never answers a state older than the last
// committed write. On any cache uncertainty the service falls back to the
// store and, on the gating path, fails closed.
package cache

import (
	"context"

	"consentry/internal/consent/models"
	id "consentry/pkg/domain"
)

// Cache is the subject-view cache interface.
//
// Error Contract:
//   - GetView returns sentinel.ErrNotFound on a miss
//   - Other failures are returned wrapped; callers treat them as a miss and
//     fail closed on gating reads
type Cache interface {
	GetView(ctx context.Context, subject id.SubjectID) (*models.SubjectView, error)
	PutView(ctx context.Context, view *models.SubjectView) error
	Invalidate(ctx context.Context, subject id.SubjectID) error
}
