// Package gate defines the stable contract for consent-based feature gating.
// In-process consumers depend on this interface to decide whether a
// downstream service may run for a subject, without importing the consent
// service packages.
package gate

import (
	"context"

	id "consentry/pkg/domain"
)

// Gate answers whether a downstream service is enabled for a subject. An
// implementation must fail closed: if consent state cannot be read, the
// service is disabled.
type Gate interface {
	Enabled(ctx context.Context, subject id.SubjectID, service id.ServiceID) bool
}
