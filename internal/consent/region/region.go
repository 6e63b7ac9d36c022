// Package region maps region codes to compliance rulesets and validates state
// sets against them. Unknown regions fall back to the strictest known default,
// never a weaker one.
package region

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"consentry/internal/consent/models"
	"consentry/internal/consent/registry"
	id "consentry/pkg/domain"
	dErrors "consentry/pkg/domain-errors"
)

// Posture is a region's default treatment of consent.
type Posture string

const (
	PostureOptIn  Posture = "opt_in"
	PostureOptOut Posture = "opt_out"
)

// Ruleset is the compliance configuration for one region.
//
// NotSetMeaning resolves what not_set means for gating decisions in this
// region. The source regulations disagree (GDPR-style opt-in reads not_set as
// denied, CCPA-style opt-out reads it as granted), so it is explicit per-region
// configuration and never inferred from the posture.
type Ruleset struct {
	Region         id.Region
	Mandatory      []id.CategoryID
	Forbidden      []id.CategoryID
	DefaultPosture Posture
	NotSetMeaning  models.State
	RenewalPeriod  time.Duration
	LegalBasis     string
}

// Violation is one rule broken by a state set.
type Violation struct {
	Category id.CategoryID
	Rule     string
	Message  string
}

const (
	RuleMandatoryNotGranted = "mandatory_not_granted"
	RuleForbiddenGranted    = "forbidden_granted"
)

// Resolver maps region codes to rulesets. It is built once at startup from
// explicit configuration and a registry snapshot; unknown regions resolve to a
// synthetic strictest ruleset.
type Resolver struct {
	mu       sync.RWMutex
	rulesets map[id.Region]Ruleset
	registry *registry.Registry
}

// NewResolver validates and indexes the configured rulesets.
func NewResolver(reg *registry.Registry, rulesets []Ruleset) (*Resolver, error) {
	r := &Resolver{
		rulesets: make(map[id.Region]Ruleset, len(rulesets)),
		registry: reg,
	}
	for _, rs := range rulesets {
		if rs.Region == id.RegionUnknown {
			return nil, dErrors.New(dErrors.CodeValidation, "ruleset region code is required")
		}
		if _, dup := r.rulesets[rs.Region]; dup {
			return nil, dErrors.New(dErrors.CodeConflict, "duplicate ruleset for region "+string(rs.Region))
		}
		if rs.DefaultPosture != PostureOptIn && rs.DefaultPosture != PostureOptOut {
			return nil, dErrors.New(dErrors.CodeValidation,
				fmt.Sprintf("invalid posture %q for region %s", rs.DefaultPosture, rs.Region))
		}
		if rs.NotSetMeaning != models.StateGranted && rs.NotSetMeaning != models.StateDenied {
			return nil, dErrors.New(dErrors.CodeValidation,
				"not_set meaning must be an explicit granted or denied per region")
		}
		for _, cid := range append(append([]id.CategoryID{}, rs.Mandatory...), rs.Forbidden...) {
			if !reg.Known(cid) {
				return nil, dErrors.New(dErrors.CodeValidation,
					fmt.Sprintf("ruleset for %s references unknown category %q", rs.Region, cid))
			}
		}
		// The necessary category is mandatory everywhere.
		if !slices.Contains(rs.Mandatory, models.CategoryNecessary) {
			rs.Mandatory = append(rs.Mandatory, models.CategoryNecessary)
		}
		slices.Sort(rs.Mandatory)
		slices.Sort(rs.Forbidden)
		r.rulesets[rs.Region] = rs
	}
	return r, nil
}

// Resolve returns the ruleset for a region. An unknown region falls back to
// the strictest known default: opt-in posture, not_set read as denied, the
// full registered category set mandatory, and the shortest configured renewal
// period. Fail-safe toward more protection, never less.
func (r *Resolver) Resolve(region id.Region) Ruleset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rs, ok := r.rulesets[region]; ok {
		return rs
	}
	return r.strictest(region)
}

// Known reports whether the region has explicit configuration.
func (r *Resolver) Known(region id.Region) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rulesets[region]
	return ok
}

func (r *Resolver) strictest(region id.Region) Ruleset {
	renewal := time.Duration(0)
	for _, rs := range r.rulesets {
		if rs.RenewalPeriod > 0 && (renewal == 0 || rs.RenewalPeriod < renewal) {
			renewal = rs.RenewalPeriod
		}
	}
	return Ruleset{
		Region:         region,
		Mandatory:      r.registry.IDs(),
		DefaultPosture: PostureOptIn,
		NotSetMeaning:  models.StateDenied,
		RenewalPeriod:  renewal,
		LegalBasis:     "strictest_fallback",
	}
}

// Validate returns every rule the given state set breaks under the ruleset:
// mandatory categories not granted, forbidden categories granted. The state
// map must already include the implicit necessary grant (see
// models.EffectiveStates).
func Validate(states map[id.CategoryID]models.State, rs Ruleset) []Violation {
	var violations []Violation
	for _, cid := range rs.Mandatory {
		if states[cid] != models.StateGranted {
			violations = append(violations, Violation{
				Category: cid,
				Rule:     RuleMandatoryNotGranted,
				Message:  fmt.Sprintf("category %q is mandatory in region %s", cid, rs.Region),
			})
		}
	}
	for _, cid := range rs.Forbidden {
		if states[cid] == models.StateGranted {
			violations = append(violations, Violation{
				Category: cid,
				Rule:     RuleForbiddenGranted,
				Message:  fmt.Sprintf("category %q is forbidden in region %s", cid, rs.Region),
			})
		}
	}
	return violations
}

// EffectiveState resolves not_set according to the region's explicit
// configuration. Used on the gating read path.
func EffectiveState(state models.State, rs Ruleset) models.State {
	if state == models.StateNotSet {
		return rs.NotSetMeaning
	}
	return state
}
