// Package seeder builds the default consent policy catalog: the category
// graph and the per-region rulesets the process starts with. Deployments
// with their own catalog wire a different one in main; everything here is
// plain registry/region configuration, not behavior.
package seeder

import (
	"time"

	"consentry/internal/consent/models"
	"consentry/internal/consent/region"
	"consentry/internal/consent/registry"
	id "consentry/pkg/domain"
)

// Region codes used by the default rulesets.
const (
	RegionEU   id.Region = "EU"
	RegionUK   id.Region = "UK"
	RegionUSCA id.Region = "US-CA"
	RegionBR   id.Region = "BR"
)

// Category IDs in the default catalog. The necessary category comes from
// models so the always-granted invariant and the catalog agree on its ID.
const (
	CategoryFunctional      id.CategoryID = "functional"
	CategoryAnalytics       id.CategoryID = "analytics"
	CategoryMarketing       id.CategoryID = "marketing"
	CategoryPersonalization id.CategoryID = "personalization"
)

// Registry builds a registry populated with the default category graph.
func Registry() (*registry.Registry, error) {
	necessary, err := registry.NewCategory(models.CategoryNecessary, "Strictly necessary",
		registry.WithRequirement(RegionEU, registry.RequirementMandatory),
		registry.WithRequirement(RegionUK, registry.RequirementMandatory),
		registry.WithRequirement(RegionUSCA, registry.RequirementMandatory),
		registry.WithRequirement(RegionBR, registry.RequirementMandatory),
	)
	if err != nil {
		return nil, err
	}

	functional, err := registry.NewCategory(CategoryFunctional, "Functional preferences",
		registry.WithGatedServices("preference-center"),
	)
	if err != nil {
		return nil, err
	}

	analytics, err := registry.NewCategory(CategoryAnalytics, "Product analytics",
		registry.WithGatedServices("metrics-pipeline", "session-replay"),
		registry.WithRetention(90*24*time.Hour),
	)
	if err != nil {
		return nil, err
	}

	marketing, err := registry.NewCategory(CategoryMarketing, "Marketing communications",
		registry.WithDependencies(CategoryAnalytics),
		registry.WithGatedServices("email-campaigns", "ad-targeting"),
		registry.WithRetention(30*24*time.Hour),
	)
	if err != nil {
		return nil, err
	}

	personalization, err := registry.NewCategory(CategoryPersonalization, "Personalized experience",
		registry.WithDependencies(CategoryFunctional),
		registry.WithGatedServices("recommender"),
		registry.WithRetention(180*24*time.Hour),
	)
	if err != nil {
		return nil, err
	}

	reg := registry.New()
	if err := reg.RegisterAll(necessary, functional, analytics, marketing, personalization); err != nil {
		return nil, err
	}
	return reg, nil
}

// Rulesets returns the default regional compliance configuration. NotSetMeaning
// is explicit per region because opt-in and opt-out regimes disagree on what an
// unset category means.
func Rulesets() []region.Ruleset {
	return []region.Ruleset{
		{
			Region:         RegionEU,
			Mandatory:      []id.CategoryID{models.CategoryNecessary},
			DefaultPosture: region.PostureOptIn,
			NotSetMeaning:  models.StateDenied,
			RenewalPeriod:  365 * 24 * time.Hour,
			LegalBasis:     "gdpr",
		},
		{
			Region:         RegionUK,
			Mandatory:      []id.CategoryID{models.CategoryNecessary},
			DefaultPosture: region.PostureOptIn,
			NotSetMeaning:  models.StateDenied,
			RenewalPeriod:  365 * 24 * time.Hour,
			LegalBasis:     "uk-gdpr",
		},
		{
			Region:         RegionUSCA,
			Mandatory:      []id.CategoryID{models.CategoryNecessary},
			DefaultPosture: region.PostureOptOut,
			NotSetMeaning:  models.StateGranted,
			RenewalPeriod:  730 * 24 * time.Hour,
			LegalBasis:     "ccpa",
		},
		{
			Region:         RegionBR,
			Mandatory:      []id.CategoryID{models.CategoryNecessary},
			DefaultPosture: region.PostureOptIn,
			NotSetMeaning:  models.StateDenied,
			RenewalPeriod:  365 * 24 * time.Hour,
			LegalBasis:     "lgpd",
		},
	}
}
