// Package gates evaluates consent-based feature gates for downstream
// services. A service is enabled for a subject only when every category
// gating it, together with each category's transitive dependencies, is
// effectively granted. Any read failure disables the service.
package gates

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"consentry/internal/consent/models"
	"consentry/internal/consent/registry"
	id "consentry/pkg/domain"
)

var gateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "consentry_gate_decisions_total",
	Help: "Feature gate decisions by outcome",
}, []string{"outcome"})

// SubscriberName is the bus registration name of the gate memo invalidator.
const SubscriberName = "gate-memo"

const defaultMemoTTL = 30 * time.Second

// Checker is the consent read surface the gate needs. service.Service
// satisfies it.
type Checker interface {
	Allowed(ctx context.Context, subject id.SubjectID, category id.CategoryID) bool
}

type memoKey struct {
	subject id.SubjectID
	service id.ServiceID
}

type memoEntry struct {
	enabled   bool
	expiresAt time.Time
}

// Gates answers Enabled questions with a short-lived per-subject memo. The
// memo is invalidated by consent change events, so the TTL only bounds
// staleness when an event is missed.
type Gates struct {
	registry *registry.Registry
	checker  Checker
	logger   *slog.Logger
	ttl      time.Duration
	clock    func() time.Time

	mu   sync.Mutex
	memo map[memoKey]memoEntry
}

// Option configures Gates.
type Option func(*Gates)

// WithLogger sets the gate logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gates) { g.logger = logger }
}

// WithMemoTTL overrides the memo entry lifetime.
func WithMemoTTL(ttl time.Duration) Option {
	return func(g *Gates) { g.ttl = ttl }
}

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(g *Gates) { g.clock = clock }
}

// New constructs the gate evaluator.
func New(reg *registry.Registry, checker Checker, opts ...Option) *Gates {
	g := &Gates{
		registry: reg,
		checker:  checker,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		ttl:      defaultMemoTTL,
		clock:    time.Now,
		memo:     make(map[memoKey]memoEntry),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Enabled reports whether the service may run for the subject. A service
// gated by no category is always enabled.
func (g *Gates) Enabled(ctx context.Context, subject id.SubjectID, service id.ServiceID) bool {
	key := memoKey{subject: subject, service: service}
	now := g.clock()

	g.mu.Lock()
	if entry, ok := g.memo[key]; ok && now.Before(entry.expiresAt) {
		g.mu.Unlock()
		gateDecisions.WithLabelValues(outcome(entry.enabled)).Inc()
		return entry.enabled
	}
	g.mu.Unlock()

	enabled := g.evaluate(ctx, subject, service)

	g.mu.Lock()
	g.memo[key] = memoEntry{enabled: enabled, expiresAt: now.Add(g.ttl)}
	g.mu.Unlock()

	gateDecisions.WithLabelValues(outcome(enabled)).Inc()
	return enabled
}

func (g *Gates) evaluate(ctx context.Context, subject id.SubjectID, service id.ServiceID) bool {
	for _, category := range g.registry.GatedBy(service) {
		if !g.checker.Allowed(ctx, subject, category) {
			return false
		}
		closure, err := g.registry.DependencyClosure(category)
		if err != nil {
			g.logger.WarnContext(ctx, "gate closure lookup failed",
				"subject", subject, "service", service, "category", category, "error", err)
			return false
		}
		for _, dep := range closure {
			if !g.checker.Allowed(ctx, subject, dep) {
				return false
			}
		}
	}
	return true
}

// HandleChange is the bus subscriber entry point. Any change for a subject
// drops that subject's memo entries; the next Enabled call re-reads.
func (g *Gates) HandleChange(_ context.Context, event models.ChangeEvent) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key := range g.memo {
		if key.subject == event.Subject {
			delete(g.memo, key)
		}
	}
	return nil
}

func outcome(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
