package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for event fanout and webhook delivery.
type Metrics struct {
	EventsPublished    prometheus.Counter
	SubscriberErrors   *prometheus.CounterVec
	SubscriberPanics   *prometheus.CounterVec
	WebhookAttempts    prometheus.Counter
	WebhookDeliveries  prometheus.Counter
	WebhookDeadLetters prometheus.Counter
	StaleCancellations prometheus.Counter
	QueueDepth         prometheus.Gauge
	DeliveryLatency    prometheus.Histogram
	QueueDrops         prometheus.Counter
}

// New registers and returns bus metrics collectors.
func New() *Metrics {
	return &Metrics{
		EventsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "consentry_bus_events_published_total",
			Help: "Total number of consent change events published to the bus",
		}),
		SubscriberErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "consentry_bus_subscriber_errors_total",
			Help: "Total number of subscriber errors, labeled by subscriber name",
		}, []string{"subscriber"}),
		SubscriberPanics: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "consentry_bus_subscriber_panics_total",
			Help: "Total number of recovered subscriber panics, labeled by subscriber name",
		}, []string{"subscriber"}),
		WebhookAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "consentry_webhook_attempts_total",
			Help: "Total number of webhook delivery attempts",
		}),
		WebhookDeliveries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "consentry_webhook_deliveries_total",
			Help: "Total number of successful webhook deliveries",
		}),
		WebhookDeadLetters: promauto.NewCounter(prometheus.CounterOpts{
			Name: "consentry_webhook_deadletters_total",
			Help: "Total number of deliveries moved to the dead-letter store",
		}),
		StaleCancellations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "consentry_webhook_stale_cancellations_total",
			Help: "Total number of queued deliveries superseded by a newer event for the same subject and category",
		}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "consentry_webhook_queue_depth",
			Help: "Current number of deliveries waiting across all subscription queues",
		}),
		DeliveryLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "consentry_webhook_delivery_latency_seconds",
			Help:    "Latency from enqueue to delivered, per delivery",
			Buckets: prometheus.DefBuckets,
		}),
		QueueDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "consentry_webhook_queue_drops_total",
			Help: "Total number of deliveries dropped because a subscription queue was full",
		}),
	}
}

func (m *Metrics) IncrementEventsPublished() {
	m.EventsPublished.Inc()
}

func (m *Metrics) IncrementSubscriberErrors(subscriber string) {
	m.SubscriberErrors.WithLabelValues(subscriber).Inc()
}

func (m *Metrics) IncrementSubscriberPanics(subscriber string) {
	m.SubscriberPanics.WithLabelValues(subscriber).Inc()
}

func (m *Metrics) IncrementWebhookAttempts() {
	m.WebhookAttempts.Inc()
}

func (m *Metrics) IncrementWebhookDeliveries() {
	m.WebhookDeliveries.Inc()
}

func (m *Metrics) IncrementWebhookDeadLetters() {
	m.WebhookDeadLetters.Inc()
}

func (m *Metrics) IncrementStaleCancellations() {
	m.StaleCancellations.Inc()
}

func (m *Metrics) IncrementQueueDrops() {
	m.QueueDrops.Inc()
}

func (m *Metrics) AddQueueDepth(delta float64) {
	m.QueueDepth.Add(delta)
}

func (m *Metrics) ObserveDeliveryLatency(seconds float64) {
	m.DeliveryLatency.Observe(seconds)
}
