package gates

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"consentry/internal/consent/models"
	"consentry/internal/consent/registry"
	id "consentry/pkg/domain"
)

type fakeChecker struct {
	allowed map[id.CategoryID]bool
	calls   int
}

func (f *fakeChecker) Allowed(_ context.Context, _ id.SubjectID, category id.CategoryID) bool {
	f.calls++
	return f.allowed[category]
}

type GatesSuite struct {
	suite.Suite

	registry *registry.Registry
	checker  *fakeChecker
	now      time.Time
	gates    *Gates
}

func (s *GatesSuite) SetupTest() {
	s.registry = registry.New()

	analytics, err := registry.NewCategory("analytics", "Product analytics",
		registry.WithGatedServices("metrics-pipeline"))
	s.Require().NoError(err)
	marketing, err := registry.NewCategory("marketing", "Marketing communications",
		registry.WithDependencies("analytics"),
		registry.WithGatedServices("ads-service"))
	s.Require().NoError(err)
	s.Require().NoError(s.registry.RegisterAll(analytics, marketing))

	s.checker = &fakeChecker{allowed: map[id.CategoryID]bool{}}
	s.now = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.gates = New(s.registry, s.checker,
		WithClock(func() time.Time { return s.now }))
}

func (s *GatesSuite) TestEnabledWhenGatingCategoryAndDependenciesGranted() {
	s.checker.allowed["analytics"] = true
	s.checker.allowed["marketing"] = true

	s.True(s.gates.Enabled(context.Background(), "user-1", "ads-service"))
	s.True(s.gates.Enabled(context.Background(), "user-1", "metrics-pipeline"))
}

func (s *GatesSuite) TestDisabledWhenDependencyOfGatingCategoryNotGranted() {
	// marketing itself reads as allowed but its analytics dependency does not.
	s.checker.allowed["marketing"] = true

	s.False(s.gates.Enabled(context.Background(), "user-1", "ads-service"))
}

func (s *GatesSuite) TestUngatedServiceAlwaysEnabled() {
	s.True(s.gates.Enabled(context.Background(), "user-1", "billing"))
}

func (s *GatesSuite) TestMemoAvoidsRepeatReads() {
	s.checker.allowed["analytics"] = true
	s.True(s.gates.Enabled(context.Background(), "user-1", "metrics-pipeline"))
	reads := s.checker.calls

	s.True(s.gates.Enabled(context.Background(), "user-1", "metrics-pipeline"))
	s.Equal(reads, s.checker.calls)
}

func (s *GatesSuite) TestChangeEventInvalidatesSubjectMemo() {
	s.checker.allowed["analytics"] = true
	s.True(s.gates.Enabled(context.Background(), "user-1", "metrics-pipeline"))

	s.checker.allowed["analytics"] = false
	s.Require().NoError(s.gates.HandleChange(context.Background(), models.ChangeEvent{
		Subject:  "user-1",
		Category: "analytics",
		New:      models.StateDenied,
	}))

	s.False(s.gates.Enabled(context.Background(), "user-1", "metrics-pipeline"))
}

func (s *GatesSuite) TestChangeEventLeavesOtherSubjectsMemoized() {
	s.checker.allowed["analytics"] = true
	s.True(s.gates.Enabled(context.Background(), "user-1", "metrics-pipeline"))
	s.True(s.gates.Enabled(context.Background(), "user-2", "metrics-pipeline"))

	s.checker.allowed["analytics"] = false
	s.Require().NoError(s.gates.HandleChange(context.Background(), models.ChangeEvent{
		Subject: "user-1",
	}))

	s.False(s.gates.Enabled(context.Background(), "user-1", "metrics-pipeline"))
	// user-2's entry was untouched and still serves the memoized answer.
	s.True(s.gates.Enabled(context.Background(), "user-2", "metrics-pipeline"))
}

func (s *GatesSuite) TestMemoExpires() {
	s.checker.allowed["analytics"] = true
	s.True(s.gates.Enabled(context.Background(), "user-1", "metrics-pipeline"))

	s.checker.allowed["analytics"] = false
	s.now = s.now.Add(defaultMemoTTL + time.Second)
	s.False(s.gates.Enabled(context.Background(), "user-1", "metrics-pipeline"))
}

func TestGatesSuite(t *testing.T) {
	suite.Run(t, new(GatesSuite))
}

func TestFailClosedOnCheckerDenial(t *testing.T) {
	reg := registry.New()
	analytics, err := registry.NewCategory("analytics", "Product analytics",
		registry.WithGatedServices("metrics-pipeline"))
	require.NoError(t, err)
	require.NoError(t, reg.Register(analytics))

	// A checker with no state behaves like a store that cannot be read:
	// Allowed fails closed, so the gate does too.
	g := New(reg, &fakeChecker{allowed: map[id.CategoryID]bool{}})
	require.False(t, g.Enabled(context.Background(), "user-1", "metrics-pipeline"))
}
