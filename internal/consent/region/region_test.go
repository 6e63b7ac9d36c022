package region

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consentry/internal/consent/models"
	"consentry/internal/consent/registry"
	id "consentry/pkg/domain"
	dErrors "consentry/pkg/domain-errors"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for _, cid := range []id.CategoryID{"necessary", "analytics", "marketing"} {
		c, err := registry.NewCategory(cid, string(cid))
		require.NoError(t, err)
		require.NoError(t, reg.Register(c))
	}
	return reg
}

func euRuleset() Ruleset {
	return Ruleset{
		Region:         "EU",
		Mandatory:      []id.CategoryID{"necessary"},
		DefaultPosture: PostureOptIn,
		NotSetMeaning:  models.StateDenied,
		RenewalPeriod:  365 * 24 * time.Hour,
		LegalBasis:     "GDPR Art.6(1)(a)",
	}
}

func ccpaRuleset() Ruleset {
	return Ruleset{
		Region:         "US-CA",
		Mandatory:      []id.CategoryID{"necessary"},
		DefaultPosture: PostureOptOut,
		NotSetMeaning:  models.StateGranted,
		RenewalPeriod:  2 * 365 * 24 * time.Hour,
		LegalBasis:     "CCPA 1798.120",
	}
}

func TestResolveKnownRegion(t *testing.T) {
	r, err := NewResolver(testRegistry(t), []Ruleset{euRuleset(), ccpaRuleset()})
	require.NoError(t, err)

	rs := r.Resolve("EU")
	assert.Equal(t, PostureOptIn, rs.DefaultPosture)
	assert.Equal(t, models.StateDenied, rs.NotSetMeaning)
	assert.Equal(t, []id.CategoryID{"necessary"}, rs.Mandatory)
}

func TestResolveUnknownRegionFallsBackToStrictest(t *testing.T) {
	r, err := NewResolver(testRegistry(t), []Ruleset{euRuleset(), ccpaRuleset()})
	require.NoError(t, err)

	rs := r.Resolve("XX")
	assert.Equal(t, PostureOptIn, rs.DefaultPosture)
	assert.Equal(t, models.StateDenied, rs.NotSetMeaning)
	// Full registered category set is mandatory under the fallback.
	assert.Equal(t, []id.CategoryID{"analytics", "marketing", "necessary"}, rs.Mandatory)
	// Shortest configured renewal period wins.
	assert.Equal(t, 365*24*time.Hour, rs.RenewalPeriod)
	assert.False(t, r.Known("XX"))
}

func TestNecessaryIsAlwaysMandatory(t *testing.T) {
	rs := euRuleset()
	rs.Mandatory = nil
	r, err := NewResolver(testRegistry(t), []Ruleset{rs})
	require.NoError(t, err)

	resolved := r.Resolve("EU")
	assert.Contains(t, resolved.Mandatory, models.CategoryNecessary)
}

func TestNewResolverRejectsBadConfig(t *testing.T) {
	reg := testRegistry(t)

	bad := euRuleset()
	bad.NotSetMeaning = models.StateNotSet
	_, err := NewResolver(reg, []Ruleset{bad})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))

	bad = euRuleset()
	bad.Mandatory = []id.CategoryID{"nonexistent"}
	_, err = NewResolver(reg, []Ruleset{bad})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))

	_, err = NewResolver(reg, []Ruleset{euRuleset(), euRuleset()})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
}

func TestValidateReportsAllViolations(t *testing.T) {
	reg := testRegistry(t)
	rs := euRuleset()
	rs.Mandatory = []id.CategoryID{"necessary", "analytics"}
	rs.Forbidden = []id.CategoryID{"marketing"}
	r, err := NewResolver(reg, []Ruleset{rs})
	require.NoError(t, err)
	resolved := r.Resolve("EU")

	states := map[id.CategoryID]models.State{
		"necessary": models.StateGranted,
		"analytics": models.StateNotSet,
		"marketing": models.StateGranted,
	}

	violations := Validate(states, resolved)
	require.Len(t, violations, 2)
	assert.Equal(t, RuleMandatoryNotGranted, violations[0].Rule)
	assert.Equal(t, id.CategoryID("analytics"), violations[0].Category)
	assert.Equal(t, RuleForbiddenGranted, violations[1].Rule)
	assert.Equal(t, id.CategoryID("marketing"), violations[1].Category)
}

func TestEffectiveStateResolvesNotSetPerRegion(t *testing.T) {
	assert.Equal(t, models.StateDenied, EffectiveState(models.StateNotSet, euRuleset()))
	assert.Equal(t, models.StateGranted, EffectiveState(models.StateNotSet, ccpaRuleset()))
	assert.Equal(t, models.StateGranted, EffectiveState(models.StateGranted, euRuleset()))
	assert.Equal(t, models.StateDenied, EffectiveState(models.StateDenied, ccpaRuleset()))
}
