package models

import (
	"time"

	id "consentry/pkg/domain"
)

// State is a consent decision for one (subject, category) pair.
type State string

const (
	StateNotSet  State = "not_set"
	StateGranted State = "granted"
	StateDenied  State = "denied"
)

// IsValid checks if the state is one of the supported enum values.
func (s State) IsValid() bool {
	return s == StateNotSet || s == StateGranted || s == StateDenied
}

// Capture methods describe how a consent decision was collected.
const (
	MethodBanner           = "banner"
	MethodPreferenceCenter = "preference_center"
	MethodAPI              = "api"
	MethodMigration        = "migration"
	MethodImport           = "import"
)

// CategoryNecessary is the category that is always granted. Mutations of it
// are rejected; reads answer granted even when no record exists.
const CategoryNecessary = id.CategoryID("necessary")

// CategoryAnalytics is the target of the legacy single-boolean migration.
const CategoryAnalytics = id.CategoryID("analytics")

// ContextHash carries privacy-safe request context stored with a record.
// Raw IPs and user agents are never persisted; only hashes of anonymized
// values and a coarse client summary.
type ContextHash struct {
	IPHash        string
	UserAgentHash string
	ClientSummary string
}

// Record is the authoritative state for one (subject, category) pair.
//
// # Versioning Invariant
//
// Version is strictly increasing, starting at 1 on the first effective write.
// Every mutation must supply the version it believes is current; a mismatch is
// a concurrency conflict and the write is rejected. ExpectedVersion 0 means
// "no record yet".
type Record struct {
	Subject       id.SubjectID
	Category      id.CategoryID
	State         State
	Version       int64
	UpdatedAt     time.Time
	PolicyVersion string
	Method        string
	Context       ContextHash
}

// ChangeEvent describes one committed consent state change. It is the payload
// fanned out by the event bus to in-process subscribers, webhook deliveries,
// and the analytics bridge.
type ChangeEvent struct {
	Subject       id.SubjectID  `json:"subject"`
	Category      id.CategoryID `json:"category"`
	Previous      State         `json:"previous_state"`
	New           State         `json:"new_state"`
	Version       int64         `json:"version"`
	OccurredAt    time.Time     `json:"occurred_at"`
	Source        string        `json:"source"`
	PolicyVersion string        `json:"policy_version"`
	Region        id.Region     `json:"region"`
	// Seq is the audit sequence assigned to the change's trail entry.
	// Webhook delivery cursors advance on it.
	Seq int64 `json:"seq"`
}

// Key identifies the (subject, category) pair of the event. A newer event with
// the same key supersedes pending webhook deliveries of older ones.
func (e ChangeEvent) Key() string {
	return e.Subject.String() + "/" + e.Category.String()
}

// CategoryState is one category's entry in a SubjectView.
type CategoryState struct {
	State     State     `json:"state"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// SubjectView is the cached read model for one subject: every known category
// state plus the resolved region. The necessary category always reads granted.
type SubjectView struct {
	Subject       id.SubjectID                   `json:"subject"`
	Region        id.Region                      `json:"region"`
	PolicyVersion string                         `json:"policy_version"`
	Categories    map[id.CategoryID]CategoryState `json:"categories"`
	LoadedAt      time.Time                      `json:"loaded_at"`
}

// StateOf returns the effective state for a category, defaulting to not_set
// and answering granted for the necessary category.
func (v *SubjectView) StateOf(category id.CategoryID) State {
	if category == CategoryNecessary {
		return StateGranted
	}
	if cs, ok := v.Categories[category]; ok {
		return cs.State
	}
	return StateNotSet
}

// VersionSum totals the category versions. Every committed effective write
// bumps exactly one category by one, so the sum orders views of the same
// subject and distinguishes newer views from stale ones.
func (v *SubjectView) VersionSum() int64 {
	var sum int64
	for _, cs := range v.Categories {
		sum += cs.Version
	}
	return sum
}

// ChangeResult is returned by a successful single mutation.
type ChangeResult struct {
	Previous State
	Record   *Record
	NoOp     bool
}

// BulkResult is returned by a successful atomic batch.
type BulkResult struct {
	Results []*ChangeResult
	Applied int
}

// EffectiveStates derives the resulting state map from current records plus a
// set of desired changes. Used to validate dependency and regional rules
// against the state set as it would be after the mutation.
func EffectiveStates(records []*Record, changes map[id.CategoryID]State) map[id.CategoryID]State {
	states := make(map[id.CategoryID]State, len(records)+len(changes)+1)
	for _, r := range records {
		states[r.Category] = r.State
	}
	for category, state := range changes {
		states[category] = state
	}
	states[CategoryNecessary] = StateGranted
	return states
}
