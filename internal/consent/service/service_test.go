package service

//go:generate mockgen -source=../store/store.go -destination=mocks/mocks.go -package=mocks Store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"consentry/internal/audit"
	"consentry/internal/consent/cache"
	"consentry/internal/consent/models"
	"consentry/internal/consent/region"
	"consentry/internal/consent/registry"
	"consentry/internal/consent/service/mocks"
	"consentry/internal/consent/store"
	"consentry/internal/sentinel"
	id "consentry/pkg/domain"
	dErrors "consentry/pkg/domain-errors"
)

type fakeGeo struct {
	region id.Region
}

func (f *fakeGeo) RegionFor(context.Context, string) (id.Region, error) {
	return f.region, nil
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []models.ChangeEvent
}

func (p *capturingPublisher) Publish(_ context.Context, event models.ChangeEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *capturingPublisher) Events() []models.ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.ChangeEvent(nil), p.events...)
}

// failingPutCache wraps a real cache and starts failing PutView after a set
// number of successful writes. Invalidate keeps working.
type failingPutCache struct {
	cache.Cache
	mu        sync.Mutex
	remaining int
}

func (c *failingPutCache) PutView(ctx context.Context, view *models.SubjectView) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remaining <= 0 {
		return errors.New("cache unavailable")
	}
	c.remaining--
	return c.Cache.PutView(ctx, view)
}

type ServiceSuite struct {
	suite.Suite
	records   *store.MemoryStore
	trail     *audit.MemoryStore
	registry  *registry.Registry
	bus       *capturingPublisher
	viewCache cache.Cache
	service   *Service
	now       time.Time
}

func (s *ServiceSuite) SetupTest() {
	s.records = store.NewMemory()
	s.trail = audit.NewMemory()
	s.bus = &capturingPublisher{}
	s.now = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	s.registry = registry.New()
	necessary, err := registry.NewCategory(models.CategoryNecessary, "Strictly necessary")
	s.Require().NoError(err)
	analytics, err := registry.NewCategory(models.CategoryAnalytics, "Product analytics",
		registry.WithRetention(30*24*time.Hour))
	s.Require().NoError(err)
	marketing, err := registry.NewCategory("marketing", "Marketing communications",
		registry.WithDependencies(models.CategoryAnalytics))
	s.Require().NoError(err)
	s.Require().NoError(s.registry.RegisterAll(necessary, analytics, marketing))

	resolver, err := region.NewResolver(s.registry, []region.Ruleset{
		{
			Region:         "EU",
			DefaultPosture: region.PostureOptIn,
			NotSetMeaning:  models.StateDenied,
			RenewalPeriod:  365 * 24 * time.Hour,
			LegalBasis:     "gdpr",
		},
		{
			Region:         "US-CA",
			DefaultPosture: region.PostureOptOut,
			NotSetMeaning:  models.StateGranted,
			RenewalPeriod:  2 * 365 * 24 * time.Hour,
			LegalBasis:     "ccpa",
		},
	})
	s.Require().NoError(err)

	s.viewCache = cache.NewMemory(time.Minute)
	s.service = NewService(
		NewShardedTx(s.records, s.trail),
		s.records, s.trail, s.registry, resolver,
		WithCache(s.viewCache),
		WithGeolocator(&fakeGeo{region: "EU"}),
		WithPublisher(s.bus),
		WithPolicyVersion("2026-07"),
		WithRegrantCooldown(5*time.Minute),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return s.now }),
	)
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) set(subject id.SubjectID, category id.CategoryID, state models.State, expected int64) (*models.ChangeResult, error) {
	return s.service.Set(context.Background(), subject, models.SetRequest{
		Change:          models.Change{Category: category, State: state},
		ExpectedVersion: expected,
		Metadata:        s.meta(),
	})
}

func (s *ServiceSuite) meta() models.Metadata {
	return models.Metadata{
		Method:    models.MethodBanner,
		Source:    "test",
		IP:        "203.0.113.7",
		UserAgent: "Mozilla/5.0 (Macintosh) Chrome/126.0",
	}
}

func (s *ServiceSuite) historyLen(subject id.SubjectID) int64 {
	n, err := s.trail.CountBySubject(context.Background(), subject)
	s.Require().NoError(err)
	return n
}

// advance moves the test clock past the re-grant cooldown.
func (s *ServiceSuite) advance(d time.Duration) {
	s.now = s.now.Add(d)
}

func (s *ServiceSuite) TestSetReadAfterWrite() {
	subject := id.SubjectID("u1")

	result, err := s.set(subject, models.CategoryAnalytics, models.StateGranted, 0)
	s.Require().NoError(err)
	s.False(result.NoOp)
	s.Equal(models.StateNotSet, result.Previous)
	s.Equal(int64(1), result.Record.Version)
	s.Equal("2026-07", result.Record.PolicyVersion)

	view, err := s.service.Get(context.Background(), subject)
	s.Require().NoError(err)
	s.Equal(models.StateGranted, view.StateOf(models.CategoryAnalytics))
	s.Equal(id.Region("EU"), view.Region)

	state, version, err := s.service.GetCategory(context.Background(), subject, models.CategoryAnalytics)
	s.Require().NoError(err)
	s.Equal(models.StateGranted, state)
	s.Equal(int64(1), version)
}

func (s *ServiceSuite) TestRecordContextIsHashedOnly() {
	subject := id.SubjectID("u-ctx")
	result, err := s.set(subject, models.CategoryAnalytics, models.StateGranted, 0)
	s.Require().NoError(err)

	s.NotEmpty(result.Record.Context.IPHash)
	s.NotEmpty(result.Record.Context.UserAgentHash)
	s.NotContains(result.Record.Context.IPHash, "203.0.113")
	s.NotContains(result.Record.Context.UserAgentHash, "Mozilla")
}

func (s *ServiceSuite) TestNecessaryCannotBeMutated() {
	subject := id.SubjectID("u1")
	for _, state := range []models.State{models.StateDenied, models.StateGranted, models.StateNotSet} {
		_, err := s.set(subject, models.CategoryNecessary, state, 0)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation), "state %s", state)
	}
	s.True(s.service.Allowed(context.Background(), subject, models.CategoryNecessary))

	got, _, err := s.service.GetCategory(context.Background(), subject, models.CategoryNecessary)
	s.Require().NoError(err)
	s.Equal(models.StateGranted, got)
}

func (s *ServiceSuite) TestUnknownCategoryRejected() {
	_, err := s.set("u1", "nonexistent", models.StateGranted, 0)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ServiceSuite) TestDependencyViolation() {
	subject := id.SubjectID("u1")
	_, err := s.set(subject, models.CategoryAnalytics, models.StateDenied, 0)
	s.Require().NoError(err)

	_, err = s.set(subject, "marketing", models.StateGranted, 0)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeDependencyViolation))

	// Target state unchanged by the rejected write.
	state, version, err := s.service.GetCategory(context.Background(), subject, "marketing")
	s.Require().NoError(err)
	s.Equal(models.StateNotSet, state)
	s.Equal(int64(0), version)
}

func (s *ServiceSuite) TestAuditCountMatchesEffectiveMutations() {
	subject := id.SubjectID("u1")

	_, err := s.set(subject, models.CategoryAnalytics, models.StateGranted, 0)
	s.Require().NoError(err)
	_, err = s.set(subject, "marketing", models.StateGranted, 0)
	s.Require().NoError(err)
	s.advance(10 * time.Minute)
	_, err = s.set(subject, "marketing", models.StateDenied, 1)
	s.Require().NoError(err)
	s.Equal(int64(3), s.historyLen(subject))

	// Re-asserting the current value is a no-op: nothing appended, nothing published.
	published := len(s.bus.Events())
	result, err := s.set(subject, "marketing", models.StateDenied, 2)
	s.Require().NoError(err)
	s.True(result.NoOp)
	s.Equal(int64(2), result.Record.Version)
	s.Equal(int64(3), s.historyLen(subject))
	s.Len(s.bus.Events(), published)
}

func (s *ServiceSuite) TestConcurrencyConflict() {
	subject := id.SubjectID("u1")

	_, err := s.set(subject, models.CategoryAnalytics, models.StateGranted, 0)
	s.Require().NoError(err)
	s.advance(10 * time.Minute)
	_, err = s.set(subject, models.CategoryAnalytics, models.StateDenied, 1)
	s.Require().NoError(err)
	s.advance(10 * time.Minute)
	_, err = s.set(subject, models.CategoryAnalytics, models.StateGranted, 2)
	s.Require().NoError(err)

	// Writers A and B both read version 3. A commits first.
	s.advance(10 * time.Minute)
	_, err = s.set(subject, models.CategoryAnalytics, models.StateDenied, 3)
	s.Require().NoError(err)

	_, err = s.set(subject, models.CategoryAnalytics, models.StateGranted, 3)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeConcurrencyConflict))

	// B must re-read: the store holds A's write at version 4.
	state, version, err := s.service.GetCategory(context.Background(), subject, models.CategoryAnalytics)
	s.Require().NoError(err)
	s.Equal(models.StateDenied, state)
	s.Equal(int64(4), version)
}

func (s *ServiceSuite) TestRegrantCooldown() {
	subject := id.SubjectID("u1")

	_, err := s.set(subject, models.CategoryAnalytics, models.StateGranted, 0)
	s.Require().NoError(err)
	s.advance(10 * time.Minute)
	_, err = s.set(subject, models.CategoryAnalytics, models.StateDenied, 1)
	s.Require().NoError(err)

	s.advance(time.Minute)
	_, err = s.set(subject, models.CategoryAnalytics, models.StateGranted, 2)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	s.advance(5 * time.Minute)
	_, err = s.set(subject, models.CategoryAnalytics, models.StateGranted, 2)
	s.Require().NoError(err)
}

func (s *ServiceSuite) TestRegrantImmediatelyAllowedByDefault() {
	// The cooldown is opt-in; without it every state transition is legal.
	svc := NewService(
		NewShardedTx(s.records, s.trail),
		s.records, s.trail, s.registry, s.service.regions,
		WithGeolocator(&fakeGeo{region: "EU"}),
		WithClock(func() time.Time { return s.now }),
	)

	ctx := context.Background()
	set := func(state models.State, expected int64) (*models.ChangeResult, error) {
		return svc.Set(ctx, "u1", models.SetRequest{
			Change:          models.Change{Category: models.CategoryAnalytics, State: state},
			ExpectedVersion: expected,
			Metadata:        s.meta(),
		})
	}

	_, err := set(models.StateGranted, 0)
	s.Require().NoError(err)
	_, err = set(models.StateDenied, 1)
	s.Require().NoError(err)

	s.advance(time.Minute)
	result, err := set(models.StateGranted, 2)
	s.Require().NoError(err)
	s.Equal(int64(3), result.Record.Version)
}

func (s *ServiceSuite) TestFailedWriteThroughInvalidatesCachedView() {
	flaky := &failingPutCache{Cache: cache.NewMemory(time.Minute), remaining: 1}
	svc := NewService(
		NewShardedTx(s.records, s.trail),
		s.records, s.trail, s.registry, s.service.regions,
		WithCache(flaky),
		WithGeolocator(&fakeGeo{region: "EU"}),
		WithClock(func() time.Time { return s.now }),
	)

	ctx := context.Background()
	subject := id.SubjectID("u1")
	set := func(state models.State, expected int64) error {
		_, err := svc.Set(ctx, subject, models.SetRequest{
			Change:          models.Change{Category: models.CategoryAnalytics, State: state},
			ExpectedVersion: expected,
			Metadata:        s.meta(),
		})
		return err
	}

	s.Require().NoError(set(models.StateGranted, 0))
	// The grant is cached; the deny commits but its write-through fails. The
	// entry must be invalidated rather than left serving the stale grant.
	s.Require().NoError(set(models.StateDenied, 1))

	_, err := flaky.Cache.GetView(ctx, subject)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)

	view, err := svc.Get(ctx, subject)
	s.Require().NoError(err)
	s.Equal(models.StateDenied, view.StateOf(models.CategoryAnalytics))
}

func (s *ServiceSuite) TestWriteThroughRejectsStaleView() {
	subject := id.SubjectID("u1")
	_, err := s.set(subject, models.CategoryAnalytics, models.StateGranted, 0)
	s.Require().NoError(err)
	_, err = s.set(subject, models.CategoryAnalytics, models.StateDenied, 1)
	s.Require().NoError(err)

	// A delayed write-through carrying the older view must not clobber the
	// committed deny.
	stale := &models.SubjectView{
		Subject:       subject,
		Region:        "EU",
		PolicyVersion: "2026-07",
		Categories: map[id.CategoryID]models.CategoryState{
			models.CategoryAnalytics: {State: models.StateGranted, Version: 1},
		},
		LoadedAt: s.now,
	}
	s.service.putView(context.Background(), stale)

	cached, err := s.viewCache.GetView(context.Background(), subject)
	s.Require().NoError(err)
	s.Equal(models.StateDenied, cached.StateOf(models.CategoryAnalytics))
	s.Equal(int64(2), cached.Categories[models.CategoryAnalytics].Version)
}

func (s *ServiceSuite) TestUnknownRegionJudgedStrictest() {
	// No geolocator hit: the subject stays unlocated and falls under the
	// strictest ruleset, where every registered category is mandatory.
	svc := NewService(
		NewShardedTx(s.records, s.trail),
		s.records, s.trail, s.registry, s.service.regions,
		WithClock(func() time.Time { return s.now }),
	)

	_, err := svc.Set(context.Background(), "u-nowhere", models.SetRequest{
		Change:          models.Change{Category: models.CategoryAnalytics, State: models.StateGranted},
		ExpectedVersion: 0,
		Metadata:        models.Metadata{Method: models.MethodAPI},
	})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeRegionCompliance))

	// Granting the full mandatory set in one atomic batch satisfies the ruleset.
	_, err = svc.SetBulk(context.Background(), "u-nowhere", models.BulkSetRequest{
		Changes: []models.Change{
			{Category: models.CategoryAnalytics, State: models.StateGranted},
			{Category: "marketing", State: models.StateGranted},
		},
		ExpectedVersions: []int64{0, 0},
		Metadata:         models.Metadata{Method: models.MethodAPI},
	})
	s.Require().NoError(err)
}

func (s *ServiceSuite) TestBulkAtomicOnMidBatchConflict() {
	subject := id.SubjectID("u1")

	_, err := s.service.SetBulk(context.Background(), subject, models.BulkSetRequest{
		Changes: []models.Change{
			{Category: models.CategoryAnalytics, State: models.StateGranted},
			{Category: "marketing", State: models.StateGranted},
		},
		ExpectedVersions: []int64{0, 5},
		Metadata:         s.meta(),
	})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeConcurrencyConflict))

	// Neither change landed and nothing was audited.
	state, _, err := s.service.GetCategory(context.Background(), subject, models.CategoryAnalytics)
	s.Require().NoError(err)
	s.Equal(models.StateNotSet, state)
	s.Equal(int64(0), s.historyLen(subject))
}

func (s *ServiceSuite) TestBulkIntraBatchDependency() {
	subject := id.SubjectID("u1")

	result, err := s.service.SetBulk(context.Background(), subject, models.BulkSetRequest{
		Changes: []models.Change{
			{Category: "marketing", State: models.StateGranted},
			{Category: models.CategoryAnalytics, State: models.StateGranted},
		},
		ExpectedVersions: []int64{0, 0},
		Metadata:         s.meta(),
	})
	s.Require().NoError(err)
	s.Equal(2, result.Applied)
	s.Equal(int64(2), s.historyLen(subject))
	s.Len(s.bus.Events(), 2)
}

func (s *ServiceSuite) TestMigrateLegacyIdempotent() {
	subject := id.SubjectID("legacy-1")

	result, err := s.service.MigrateLegacy(context.Background(), subject, true, models.Metadata{Source: "import"})
	s.Require().NoError(err)
	s.False(result.NoOp)
	s.Equal(models.StateGranted, result.Record.State)
	s.Equal(models.MethodMigration, result.Record.Method)
	s.Equal(int64(1), s.historyLen(subject))

	entries, err := s.trail.Export(context.Background(), subject)
	s.Require().NoError(err)
	s.Equal(audit.KindLegacyMigration, entries[0].Kind)

	// Repeat migrations append nothing, even with a flipped flag.
	for _, enabled := range []bool{true, false} {
		repeat, err := s.service.MigrateLegacy(context.Background(), subject, enabled, models.Metadata{Source: "import"})
		s.Require().NoError(err)
		s.True(repeat.NoOp)
	}
	s.Equal(int64(1), s.historyLen(subject))

	state, _, err := s.service.GetCategory(context.Background(), subject, models.CategoryAnalytics)
	s.Require().NoError(err)
	s.Equal(models.StateGranted, state)
}

func (s *ServiceSuite) TestEraseSubject() {
	subject := id.SubjectID("u-gone")
	_, err := s.set(subject, models.CategoryAnalytics, models.StateGranted, 0)
	s.Require().NoError(err)
	_, err = s.set(subject, "marketing", models.StateGranted, 0)
	s.Require().NoError(err)

	s.Require().NoError(s.service.EraseSubject(context.Background(), subject, "operator-7"))

	// Records are gone; the view is empty apart from the implicit necessary grant.
	view, err := s.service.Get(context.Background(), subject)
	s.Require().NoError(err)
	s.Len(view.Categories, 1)
	s.Equal(models.StateGranted, view.StateOf(models.CategoryNecessary))

	// The trail keeps its length plus the erasure entry, with payloads blanked.
	entries, err := s.trail.Export(context.Background(), subject)
	s.Require().NoError(err)
	s.Require().Len(entries, 3)
	var erasures int
	for _, e := range entries {
		if e.Kind == audit.KindErasure {
			erasures++
			s.Equal("operator-7", e.Actor)
			continue
		}
		s.Empty(e.New, "redacted entry must not keep state")
		s.Empty(e.Actor)
	}
	s.Equal(1, erasures)
}

func (s *ServiceSuite) TestEraseRequiresActor() {
	err := s.service.EraseSubject(context.Background(), "u1", "")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ServiceSuite) TestAllowedResolvesNotSetByRegion() {
	ctx := context.Background()

	// Opt-in region: not_set reads as denied.
	optIn := id.SubjectID("u-eu")
	s.Require().NoError(s.records.PinRegion(ctx, optIn, "EU"))
	s.False(s.service.Allowed(ctx, optIn, models.CategoryAnalytics))

	// Opt-out region: not_set reads as granted.
	optOut := id.SubjectID("u-ca")
	s.Require().NoError(s.records.PinRegion(ctx, optOut, "US-CA"))
	s.True(s.service.Allowed(ctx, optOut, models.CategoryAnalytics))

	// An explicit denial beats the opt-out default.
	s.now = s.now.Add(time.Hour)
	_, err := s.service.Set(ctx, optOut, models.SetRequest{
		Change:          models.Change{Category: models.CategoryAnalytics, State: models.StateDenied},
		ExpectedVersion: 0,
		Metadata:        s.meta(),
	})
	s.Require().NoError(err)
	s.False(s.service.Allowed(ctx, optOut, models.CategoryAnalytics))
}

func (s *ServiceSuite) TestHistoryPaging() {
	subject := id.SubjectID("u1")
	_, err := s.set(subject, models.CategoryAnalytics, models.StateGranted, 0)
	s.Require().NoError(err)
	_, err = s.set(subject, "marketing", models.StateGranted, 0)
	s.Require().NoError(err)
	s.advance(10 * time.Minute)
	_, err = s.set(subject, "marketing", models.StateDenied, 1)
	s.Require().NoError(err)

	page, err := s.service.History(context.Background(), subject, models.HistoryRequest{Limit: 2})
	s.Require().NoError(err)
	s.Require().Len(page.Entries, 2)
	s.NotZero(page.NextSeq)

	rest, err := s.service.History(context.Background(), subject, models.HistoryRequest{Limit: 2, AfterSeq: page.NextSeq})
	s.Require().NoError(err)
	s.Require().Len(rest.Entries, 1)
	s.Greater(rest.Entries[0].Seq, page.Entries[1].Seq)
}

func (s *ServiceSuite) TestEventsCarryTransition() {
	subject := id.SubjectID("u1")
	_, err := s.set(subject, models.CategoryAnalytics, models.StateGranted, 0)
	s.Require().NoError(err)

	events := s.bus.Events()
	s.Require().Len(events, 1)
	s.Equal(subject, events[0].Subject)
	s.Equal(models.CategoryAnalytics, events[0].Category)
	s.Equal(models.StateNotSet, events[0].Previous)
	s.Equal(models.StateGranted, events[0].New)
	s.Equal(int64(1), events[0].Version)
	s.Equal(id.Region("EU"), events[0].Region)
}

// Fail-closed behavior needs an unreadable store, which only a mock can
// provide.
func TestAllowedFailsClosedOnStorageError(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockStore := mocks.NewMockStore(ctrl)
	trail := audit.NewMemory()

	reg := registry.New()
	necessary, err := registry.NewCategory(models.CategoryNecessary, "Strictly necessary")
	require.NoError(t, err)
	analytics, err := registry.NewCategory(models.CategoryAnalytics, "Product analytics")
	require.NoError(t, err)
	require.NoError(t, reg.RegisterAll(necessary, analytics))
	resolver, err := region.NewResolver(reg, nil)
	require.NoError(t, err)

	svc := NewService(NewShardedTx(mockStore, trail), mockStore, trail, reg, resolver)

	mockStore.EXPECT().
		ListBySubject(gomock.Any(), id.SubjectID("u1")).
		Return(nil, errors.New("connection refused"))

	assert.False(t, svc.Allowed(context.Background(), "u1", models.CategoryAnalytics))

	mockStore.EXPECT().
		ListBySubject(gomock.Any(), id.SubjectID("u1")).
		Return(nil, errors.New("connection refused"))

	_, err = svc.Get(context.Background(), "u1")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeStorageFailure))
}
