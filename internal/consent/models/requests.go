package models

import (
	"strings"
	"time"

	id "consentry/pkg/domain"
	dErrors "consentry/pkg/domain-errors"
)

// Metadata carries request-scoped capture context for a mutation. Raw IP and
// user agent are hashed by the capture layer before anything is persisted.
type Metadata struct {
	Method    string
	Source    string
	IP        string
	UserAgent string

	// DebugRegion overrides geolocation for this request. Only honored when
	// the service runs with WithDebugRegionOverride; test environments only.
	DebugRegion id.Region
}

// Normalize trims and defaults metadata fields.
func (m *Metadata) Normalize() {
	m.Method = strings.TrimSpace(m.Method)
	if m.Method == "" {
		m.Method = MethodAPI
	}
	m.Source = strings.TrimSpace(m.Source)
	if m.Source == "" {
		m.Source = "api"
	}
}

// Change is one desired category transition.
type Change struct {
	Category id.CategoryID
	State    State
}

// Validate rejects malformed changes before any store interaction.
func (c Change) Validate() error {
	if c.Category == "" {
		return dErrors.New(dErrors.CodeValidation, "category is required")
	}
	if !c.State.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "unknown consent state: "+string(c.State))
	}
	if c.Category == CategoryNecessary {
		return dErrors.New(dErrors.CodeValidation, "the necessary category cannot be modified")
	}
	return nil
}

// SetRequest mutates a single (subject, category) pair.
type SetRequest struct {
	Change
	ExpectedVersion int64
	Metadata        Metadata
}

// Validate checks the request shape; category existence is checked against the
// registry by the service.
func (r *SetRequest) Validate() error {
	r.Metadata.Normalize()
	if err := r.Change.Validate(); err != nil {
		return err
	}
	if r.ExpectedVersion < 0 {
		return dErrors.New(dErrors.CodeValidation, "expected_version must not be negative")
	}
	return nil
}

// BulkSetRequest applies several changes atomically: either every change is
// applied and audited, or none are.
type BulkSetRequest struct {
	Changes          []Change
	ExpectedVersions []int64
	Metadata         Metadata
}

// Validate checks batch shape and per-change validity.
func (r *BulkSetRequest) Validate() error {
	r.Metadata.Normalize()
	if len(r.Changes) == 0 {
		return dErrors.New(dErrors.CodeValidation, "changes must not be empty")
	}
	if len(r.Changes) != len(r.ExpectedVersions) {
		return dErrors.New(dErrors.CodeValidation, "expected_versions must match changes")
	}
	seen := make(map[id.CategoryID]bool, len(r.Changes))
	for i, c := range r.Changes {
		if err := c.Validate(); err != nil {
			return err
		}
		if seen[c.Category] {
			return dErrors.New(dErrors.CodeValidation, "duplicate category in batch: "+string(c.Category))
		}
		seen[c.Category] = true
		if r.ExpectedVersions[i] < 0 {
			return dErrors.New(dErrors.CodeValidation, "expected_version must not be negative")
		}
	}
	return nil
}

// HistoryRequest pages through a subject's audit trail.
type HistoryRequest struct {
	Since    time.Time
	Until    time.Time
	AfterSeq int64
	Limit    int
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Normalize applies paging defaults and caps.
func (r *HistoryRequest) Normalize() {
	if r.Limit <= 0 {
		r.Limit = defaultHistoryLimit
	}
	if r.Limit > maxHistoryLimit {
		r.Limit = maxHistoryLimit
	}
}
