// Package service orchestrates consent mutations: validation, dependency and
// regional checks, the optimistic version check, the atomic audit append, the
// write-through cache, and event fanout. Stores persist; this package decides.
package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"consentry/internal/audit"
	"consentry/internal/consent/cache"
	"consentry/internal/consent/metrics"
	"consentry/internal/consent/models"
	"consentry/internal/consent/region"
	"consentry/internal/consent/registry"
	"consentry/internal/consent/store"
	"consentry/internal/consent/tracer"
	"consentry/internal/sentinel"
	id "consentry/pkg/domain"
	dErrors "consentry/pkg/domain-errors"
	platformsync "consentry/pkg/platform/sync"
)

// Geolocator resolves an IP to a region code. Consumed as an opaque
// collaborator; this module never implements geolocation itself.
type Geolocator interface {
	RegionFor(ctx context.Context, ip string) (id.Region, error)
}

// Publisher fans a committed change out to in-process subscribers. Publish
// must never fail the mutation that produced the event.
type Publisher interface {
	Publish(ctx context.Context, event models.ChangeEvent)
}

// JobCanceler cancels pending lifecycle jobs during subject erasure.
type JobCanceler interface {
	CancelBySubject(ctx context.Context, subject id.SubjectID) (int, error)
}

// Service is the consent engine: the single write path for consent state and
// the read model in front of it.
type Service struct {
	tx       Tx
	records  store.Store
	trail    audit.Store
	registry *registry.Registry
	regions  *region.Resolver

	cache       cache.Cache
	cacheMu     *platformsync.ShardedMutex
	geo         Geolocator
	bus         Publisher
	jobs        JobCanceler
	metrics     *metrics.Metrics
	tracer      tracer.Tracer
	logger      *slog.Logger
	clock       func() time.Time
	flight      singleflight.Group
	cooldown    time.Duration
	policy      string
	debugRegion bool
}

// Option configures the Service.
type Option func(*Service)

// WithCache sets the subject-view cache.
func WithCache(c cache.Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithGeolocator sets the IP-to-region collaborator.
func WithGeolocator(g Geolocator) Option {
	return func(s *Service) { s.geo = g }
}

// WithPublisher sets the event bus publisher.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.bus = p }
}

// WithJobCanceler sets the lifecycle job canceler used by erasure.
func WithJobCanceler(j JobCanceler) Option {
	return func(s *Service) { s.jobs = j }
}

// WithMetrics sets the metrics instance for the service.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTracer sets the tracer for service mutations.
func WithTracer(t tracer.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// WithLogger sets the logger instance for the service.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithPolicyVersion sets the policy version stamped on new records.
func WithPolicyVersion(v string) Option {
	return func(s *Service) { s.policy = v }
}

// WithRegrantCooldown enables the deny-then-regrant guard: re-granting a
// category within d of denying it is rejected with CodeValidation. The guard
// is off by default; any state transition is otherwise legal.
func WithRegrantCooldown(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.cooldown = d
		}
	}
}

// WithDebugRegionOverride honors the per-request region override from
// metadata. Test environments only.
func WithDebugRegionOverride() Option {
	return func(s *Service) { s.debugRegion = true }
}

// WithClock injects the time source. Tests only.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// NewService wires the consent engine.
func NewService(tx Tx, records store.Store, trail audit.Store, reg *registry.Registry, regions *region.Resolver, opts ...Option) *Service {
	svc := &Service{
		tx:       tx,
		records:  records,
		trail:    trail,
		registry: reg,
		regions:  regions,
		tracer:   tracer.NewNoop(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:    func() time.Time { return time.Now().UTC() },
		cacheMu:  platformsync.NewShardedMutex(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Get returns the full subject view, read-through cached. Concurrent cache
// misses for the same subject collapse into one store load.
func (s *Service) Get(ctx context.Context, subject id.SubjectID) (*models.SubjectView, error) {
	if err := subject.Validate(); err != nil {
		return nil, err
	}
	if s.cache != nil {
		view, err := s.cache.GetView(ctx, subject)
		if err == nil {
			if s.metrics != nil {
				s.metrics.IncrementCacheHits()
			}
			return view, nil
		}
		if !errors.Is(err, sentinel.ErrNotFound) {
			s.logger.WarnContext(ctx, "cache read failed, falling back to store", "subject", subject, "error", err)
		}
		if s.metrics != nil {
			s.metrics.IncrementCacheMisses()
		}
	}

	v, err, _ := s.flight.Do(subject.String(), func() (any, error) {
		return s.loadView(ctx, subject)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.SubjectView), nil
}

// loadView builds the subject view from the store and populates the cache.
func (s *Service) loadView(ctx context.Context, subject id.SubjectID) (*models.SubjectView, error) {
	records, err := s.records.ListBySubject(ctx, subject)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorageFailure, "listing consent records")
	}
	rgn, err := s.records.Region(ctx, subject)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeStorageFailure, "reading subject region")
	}
	view := s.buildView(subject, rgn, records)
	s.putView(ctx, view)
	return view, nil
}

func (s *Service) buildView(subject id.SubjectID, rgn id.Region, records []*models.Record) *models.SubjectView {
	view := &models.SubjectView{
		Subject:       subject,
		Region:        rgn,
		PolicyVersion: s.policy,
		Categories:    make(map[id.CategoryID]models.CategoryState, len(records)+1),
		LoadedAt:      s.clock(),
	}
	for _, r := range records {
		view.Categories[r.Category] = models.CategoryState{
			State:     r.State,
			Version:   r.Version,
			UpdatedAt: r.UpdatedAt,
		}
	}
	view.Categories[models.CategoryNecessary] = models.CategoryState{State: models.StateGranted}
	return view
}

// putView is the write-through. Puts for one subject serialize on the
// subject's shard and never regress: a view older than the cached one is
// dropped. A failed put invalidates the entry so the next read goes to the
// store; a cached grant must not outlive a committed deny.
func (s *Service) putView(ctx context.Context, view *models.SubjectView) {
	if s.cache == nil {
		return
	}
	key := view.Subject.String()
	s.cacheMu.Lock(key)
	defer s.cacheMu.Unlock(key)

	if cached, err := s.cache.GetView(ctx, view.Subject); err == nil && cached.VersionSum() > view.VersionSum() {
		return
	}
	if err := s.cache.PutView(ctx, view); err != nil {
		s.logger.WarnContext(ctx, "cache write failed, invalidating entry", "subject", view.Subject, "error", err)
		if invErr := s.cache.Invalidate(ctx, view.Subject); invErr != nil {
			if s.metrics != nil {
				s.metrics.IncrementCacheInvalidateFailures()
			}
			s.logger.ErrorContext(ctx, "cache invalidation failed, stale view may persist until TTL",
				"subject", view.Subject, "error", invErr)
		}
	}
}

// GetCategory returns the current state and version for one category,
// defaulting to not_set for unknown pairs. The necessary category always
// reads granted.
func (s *Service) GetCategory(ctx context.Context, subject id.SubjectID, category id.CategoryID) (models.State, int64, error) {
	if category != models.CategoryNecessary && !s.registry.Known(category) {
		return "", 0, dErrors.New(dErrors.CodeValidation, "unknown category: "+string(category))
	}
	view, err := s.Get(ctx, subject)
	if err != nil {
		return "", 0, err
	}
	state := view.StateOf(category)
	var version int64
	if cs, ok := view.Categories[category]; ok {
		version = cs.Version
	}
	return state, version, nil
}

// Allowed is the gating read: true iff the category is effectively granted
// for the subject. not_set resolves through the subject's regional ruleset.
// Any read failure answers denied, never granted.
func (s *Service) Allowed(ctx context.Context, subject id.SubjectID, category id.CategoryID) bool {
	if category == models.CategoryNecessary {
		return true
	}
	view, err := s.Get(ctx, subject)
	if err != nil {
		if s.metrics != nil {
			s.metrics.IncrementFailClosedReads()
		}
		s.logger.WarnContext(ctx, "gating read failed closed", "subject", subject, "category", category, "error", err)
		return false
	}
	state := view.StateOf(category)
	if state == models.StateNotSet {
		state = region.EffectiveState(state, s.regions.Resolve(view.Region))
	}
	return state == models.StateGranted
}

// Region returns the subject's pinned region, or RegionUnknown when the
// subject has never been located.
func (s *Service) Region(ctx context.Context, subject id.SubjectID) (id.Region, error) {
	rgn, err := s.records.Region(ctx, subject)
	if errors.Is(err, sentinel.ErrNotFound) {
		return id.RegionUnknown, nil
	}
	if err != nil {
		return id.RegionUnknown, dErrors.Wrap(err, dErrors.CodeStorageFailure, "reading subject region")
	}
	return rgn, nil
}

// HistoryPage is one page of a subject's audit trail. NextSeq is the resume
// token for the following page; zero means the trail is exhausted.
type HistoryPage struct {
	Entries []*audit.Entry
	NextSeq int64
}

// History pages through the subject's audit trail in sequence order.
func (s *Service) History(ctx context.Context, subject id.SubjectID, req models.HistoryRequest) (*HistoryPage, error) {
	if err := subject.Validate(); err != nil {
		return nil, err
	}
	req.Normalize()
	entries, err := s.trail.Query(ctx, subject, audit.Range{Since: req.Since, Until: req.Until}, req.AfterSeq, req.Limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorageFailure, "querying audit trail")
	}
	page := &HistoryPage{Entries: entries}
	if len(entries) == req.Limit {
		page.NextSeq = entries[len(entries)-1].Seq
	}
	return page, nil
}

// ExportAudit returns the subject's full ordered audit history for
// portability packages.
func (s *Service) ExportAudit(ctx context.Context, subject id.SubjectID) ([]*audit.Entry, error) {
	entries, err := s.trail.Export(ctx, subject)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorageFailure, "exporting audit trail")
	}
	return entries, nil
}

// resolveRegion returns the subject's ruleset region: the pinned one when
// present, otherwise geolocated from the request IP and pinned for every
// later mutation. A subject that cannot be located stays RegionUnknown and
// is judged under the strictest fallback.
func (s *Service) resolveRegion(ctx context.Context, subject id.SubjectID, meta models.Metadata) id.Region {
	if s.debugRegion && meta.DebugRegion != id.RegionUnknown {
		return meta.DebugRegion
	}
	rgn, err := s.records.Region(ctx, subject)
	if err == nil && !rgn.IsUnknown() {
		return rgn
	}
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		s.logger.WarnContext(ctx, "region read failed, judging under strictest fallback", "subject", subject, "error", err)
		return id.RegionUnknown
	}
	if s.geo == nil || meta.IP == "" {
		return id.RegionUnknown
	}
	located, err := s.geo.RegionFor(ctx, meta.IP)
	if err != nil || located.IsUnknown() {
		return id.RegionUnknown
	}
	if err := s.records.PinRegion(ctx, subject, located); err != nil {
		s.logger.WarnContext(ctx, "pinning region failed", "subject", subject, "region", located, "error", err)
	}
	return located
}
