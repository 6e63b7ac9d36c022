package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for consent operations.
type Metrics struct {
	Mutations               *prometheus.CounterVec
	MutationConflicts       prometheus.Counter
	MutationRejections      *prometheus.CounterVec
	NoOpWrites              prometheus.Counter
	FailClosedReads         prometheus.Counter
	CacheHits               prometheus.Counter
	CacheMisses             prometheus.Counter
	CacheInvalidateFailures prometheus.Counter
	MutationLatency         prometheus.Histogram
	ErasuresTotal           prometheus.Counter
	LegacyMigrations        prometheus.Counter
}

// New registers and returns consent metrics collectors.
func New() *Metrics {
	return &Metrics{
		Mutations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "consentry_mutations_total",
			Help: "Total number of committed consent mutations, labeled by category and new state",
		}, []string{"category", "state"}),
		MutationConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "consentry_mutation_conflicts_total",
			Help: "Total number of mutations rejected by the optimistic version check",
		}),
		MutationRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "consentry_mutation_rejections_total",
			Help: "Total number of mutations rejected by validation, labeled by error code",
		}, []string{"code"}),
		NoOpWrites: promauto.NewCounter(prometheus.CounterOpts{
			Name: "consentry_noop_writes_total",
			Help: "Total number of writes re-asserting the current state (no audit entry)",
		}),
		FailClosedReads: promauto.NewCounter(prometheus.CounterOpts{
			Name: "consentry_fail_closed_reads_total",
			Help: "Total number of gating reads answered denied because the store or cache was unreadable",
		}),
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "consentry_cache_hits_total",
			Help: "Total number of subject view cache hits",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "consentry_cache_misses_total",
			Help: "Total number of subject view cache misses",
		}),
		CacheInvalidateFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "consentry_cache_invalidate_failures_total",
			Help: "Total number of failed cache invalidations after a write-through failure",
		}),
		MutationLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "consentry_mutation_latency_seconds",
			Help:    "Latency of consent mutations in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		ErasuresTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "consentry_erasures_total",
			Help: "Total number of subject erasure operations",
		}),
		LegacyMigrations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "consentry_legacy_migrations_total",
			Help: "Total number of legacy boolean migrations applied",
		}),
	}
}

func (m *Metrics) IncrementMutations(category, state string) {
	m.Mutations.WithLabelValues(category, state).Inc()
}

func (m *Metrics) IncrementConflicts() {
	m.MutationConflicts.Inc()
}

func (m *Metrics) IncrementRejections(code string) {
	m.MutationRejections.WithLabelValues(code).Inc()
}

func (m *Metrics) IncrementNoOpWrites() {
	m.NoOpWrites.Inc()
}

func (m *Metrics) IncrementFailClosedReads() {
	m.FailClosedReads.Inc()
}

func (m *Metrics) IncrementCacheHits() {
	m.CacheHits.Inc()
}

func (m *Metrics) IncrementCacheMisses() {
	m.CacheMisses.Inc()
}

func (m *Metrics) IncrementCacheInvalidateFailures() {
	m.CacheInvalidateFailures.Inc()
}

func (m *Metrics) ObserveMutationLatency(seconds float64) {
	m.MutationLatency.Observe(seconds)
}

func (m *Metrics) IncrementErasures() {
	m.ErasuresTotal.Inc()
}

func (m *Metrics) IncrementLegacyMigrations() {
	m.LegacyMigrations.Inc()
}
