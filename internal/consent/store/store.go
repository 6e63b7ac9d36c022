// Package store persists authoritative per-subject category state. Mutations
// go through a compare-and-set on the record version; the service layer turns
// a version mismatch into a concurrency conflict for the caller to retry.
package store

import (
	"context"

	"consentry/internal/consent/models"
	id "consentry/pkg/domain"
)

// Store is the consent record persistence interface.
//
// Error Contract:
//   - Get and Region return sentinel.ErrNotFound when no record exists
//   - CompareAndSet returns sentinel.ErrVersionMismatch when the expected
//     version does not match the stored version (including an insert racing an
//     existing record, or an update of a missing record)
//   - Other failures are returned wrapped for the service to translate
type Store interface {
	Get(ctx context.Context, subject id.SubjectID, category id.CategoryID) (*models.Record, error)
	ListBySubject(ctx context.Context, subject id.SubjectID) ([]*models.Record, error)
	// CompareAndSet persists the record iff the stored version equals
	// expectedVersion. expectedVersion 0 inserts a new record; the record's
	// Version field must already be expectedVersion+1.
	CompareAndSet(ctx context.Context, record *models.Record, expectedVersion int64) error
	DeleteBySubject(ctx context.Context, subject id.SubjectID) error

	// Region pinning: a subject's region is resolved once via geolocation and
	// persisted so later mutations are judged under the same ruleset.
	Region(ctx context.Context, subject id.SubjectID) (id.Region, error)
	PinRegion(ctx context.Context, subject id.SubjectID, region id.Region) error
}
