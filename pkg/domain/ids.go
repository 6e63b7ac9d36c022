// Package domain provides type-safe identifiers to prevent mixing up IDs at compile time.
package domain

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	dErrors "consentry/pkg/domain-errors"
)

// SubjectID identifies the entity whose consent is tracked. Subjects may be
// registered users or anonymous sessions, so the identifier is an opaque
// string rather than a UUID.
type SubjectID string

// CategoryID names a consent category (e.g. "analytics", "marketing").
type CategoryID string

// ServiceID names a downstream service gated by one or more categories.
type ServiceID string

// Region is a coarse region code resolved from geolocation (e.g. "EU", "US-CA").
type Region string

// RegionUnknown marks a subject whose region could not be resolved. The
// compliance resolver treats it with the strictest known ruleset.
const RegionUnknown Region = ""

// UUID-backed identifiers - compiler prevents passing a JobID where a
// SubscriptionID is expected.
type (
	SubscriptionID uuid.UUID
	JobID          uuid.UUID
	DeliveryID     uuid.UUID
)

const maxSubjectIDLength = 128

var categoryIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// Parse functions - use at trust boundaries (handlers, API inputs).

func ParseSubjectID(s string) (SubjectID, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeValidation, "subject ID cannot be empty")
	}
	if len(s) > maxSubjectIDLength {
		return "", dErrors.New(dErrors.CodeValidation, "subject ID too long")
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return "", dErrors.New(dErrors.CodeValidation, "subject ID contains control characters")
		}
	}
	return SubjectID(s), nil
}

// Validate re-checks an already-typed subject ID. Services call this on
// values that may not have come through ParseSubjectID.
func (id SubjectID) Validate() error {
	_, err := ParseSubjectID(string(id))
	return err
}

func ParseCategoryID(s string) (CategoryID, error) {
	if !categoryIDPattern.MatchString(s) {
		return "", dErrors.New(dErrors.CodeValidation, "category ID must be lowercase snake_case")
	}
	return CategoryID(s), nil
}

func ParseRegion(s string) (Region, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return RegionUnknown, nil
	}
	if len(s) > 8 {
		return "", dErrors.New(dErrors.CodeValidation, "region code too long")
	}
	return Region(s), nil
}

func ParseSubscriptionID(s string) (SubscriptionID, error) {
	id, err := parseUUID(s, "subscription ID")
	return SubscriptionID(id), err
}

func ParseJobID(s string) (JobID, error) {
	id, err := parseUUID(s, "job ID")
	return JobID(id), err
}

func ParseDeliveryID(s string) (DeliveryID, error) {
	id, err := parseUUID(s, "delivery ID")
	return DeliveryID(id), err
}

// New functions - generate fresh identifiers.

func NewSubscriptionID() SubscriptionID { return SubscriptionID(uuid.New()) }
func NewJobID() JobID                   { return JobID(uuid.New()) }
func NewDeliveryID() DeliveryID         { return DeliveryID(uuid.New()) }

// String methods - for logging and persistence.

func (id SubjectID) String() string      { return string(id) }
func (id CategoryID) String() string     { return string(id) }
func (id ServiceID) String() string      { return string(id) }
func (r Region) String() string          { return string(r) }
func (id SubscriptionID) String() string { return uuid.UUID(id).String() }
func (id JobID) String() string          { return uuid.UUID(id).String() }
func (id DeliveryID) String() string     { return uuid.UUID(id).String() }

// IsNil checks for zero-value UUID identifiers.

func (id SubscriptionID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id JobID) IsNil() bool          { return uuid.UUID(id) == uuid.Nil }

// IsUnknown reports whether the region could not be resolved.
func (r Region) IsUnknown() bool { return r == RegionUnknown }

func parseUUID(s, what string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeValidation, what+" cannot be empty")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeValidation, "invalid "+what)
	}
	return id, nil
}
