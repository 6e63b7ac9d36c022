package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	busmetrics "consentry/internal/bus/metrics"
	"consentry/internal/consent/models"
	id "consentry/pkg/domain"
)

const (
	defaultMaxAttempts    = 5
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 60 * time.Second
	defaultTimeout        = 5 * time.Second
	defaultQueueSize      = 256

	// SignatureHeader carries the hex HMAC-SHA256 of the request body,
	// keyed with the subscription secret.
	SignatureHeader = "X-Consent-Signature"
)

// payload is the webhook request body. The subject is pseudonymized so
// downstream services never see raw subject identifiers.
type payload struct {
	SubjectHash string    `json:"subject_hash"`
	Category    string    `json:"category"`
	State       string    `json:"state"`
	Version     int64     `json:"version"`
	Timestamp   time.Time `json:"timestamp"`
}

type delivery struct {
	event      models.ChangeEvent
	superseded atomic.Bool
	enqueuedAt time.Time
}

type queue struct {
	ch chan *delivery

	mu sync.Mutex
	// pending maps an event key to the newest queued delivery for it, so a
	// later change can cancel an older one that has not gone out yet.
	pending map[string]*delivery
}

// Dispatcher delivers change events to webhook subscriptions. Each
// subscription gets its own goroutine and bounded FIFO queue, so one slow
// endpoint never delays another. Delivery is at-least-once: retries use
// exponential backoff up to the subscription's attempt budget, and exhausted
// deliveries are dead-lettered for operator requeue.
// DeliveryDefaults is the delivery policy applied where a subscription does
// not set its own.
type DeliveryDefaults struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
	QueueSize      int
}

type Dispatcher struct {
	subs       Store
	letters    DeadLetterStore
	client     *http.Client
	subjectKey []byte
	defaults   DeliveryDefaults
	logger     *slog.Logger
	metrics    *busmetrics.Metrics

	mu     sync.Mutex
	queues map[id.SubscriptionID]*queue
	closed bool
	wg     sync.WaitGroup
}

// DispatcherOption configures the Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the dispatcher logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithDispatcherMetrics sets the dispatcher metrics.
func WithDispatcherMetrics(m *busmetrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithHTTPClient overrides the delivery HTTP client.
func WithHTTPClient(client *http.Client) DispatcherOption {
	return func(d *Dispatcher) { d.client = client }
}

// WithDeliveryDefaults overrides the built-in delivery policy defaults.
// Zero fields keep their built-in value.
func WithDeliveryDefaults(defaults DeliveryDefaults) DispatcherOption {
	return func(d *Dispatcher) {
		if defaults.MaxAttempts > 0 {
			d.defaults.MaxAttempts = defaults.MaxAttempts
		}
		if defaults.InitialBackoff > 0 {
			d.defaults.InitialBackoff = defaults.InitialBackoff
		}
		if defaults.MaxBackoff > 0 {
			d.defaults.MaxBackoff = defaults.MaxBackoff
		}
		if defaults.Timeout > 0 {
			d.defaults.Timeout = defaults.Timeout
		}
		if defaults.QueueSize > 0 {
			d.defaults.QueueSize = defaults.QueueSize
		}
	}
}

// NewDispatcher constructs a dispatcher. subjectKey is the service-level key
// used to pseudonymize subject identifiers in webhook payloads.
func NewDispatcher(subs Store, letters DeadLetterStore, subjectKey []byte, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		subs:       subs,
		letters:    letters,
		client:     &http.Client{},
		subjectKey: subjectKey,
		defaults: DeliveryDefaults{
			MaxAttempts:    defaultMaxAttempts,
			InitialBackoff: defaultInitialBackoff,
			MaxBackoff:     defaultMaxBackoff,
			Timeout:        defaultTimeout,
			QueueSize:      defaultQueueSize,
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		queues: make(map[id.SubscriptionID]*queue),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HandleChange is the bus subscriber entry point. It fans the event out to
// every active subscription whose category filter matches.
func (d *Dispatcher) HandleChange(ctx context.Context, event models.ChangeEvent) error {
	subs, err := d.subs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active subscriptions: %w", err)
	}
	for _, sub := range subs {
		if !sub.Matches(event.Category) {
			continue
		}
		d.Enqueue(sub, event)
	}
	return nil
}

// Enqueue queues one event for one subscription. A still-pending older
// delivery for the same subject and category is superseded. A full queue
// dead-letters the event with zero attempts, so overflow loss stays visible
// and recoverable through the operator requeue path.
func (d *Dispatcher) Enqueue(sub *Subscription, event models.ChangeEvent) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	q, ok := d.queues[sub.ID]
	if !ok {
		q = &queue{
			ch:      make(chan *delivery, d.defaults.QueueSize),
			pending: make(map[string]*delivery),
		}
		d.queues[sub.ID] = q
		d.wg.Add(1)
		go d.run(sub.ID, q)
	}
	d.mu.Unlock()

	del := &delivery{event: event, enqueuedAt: time.Now()}
	key := event.Key()

	q.mu.Lock()
	if prev, ok := q.pending[key]; ok && prev.event.Seq < event.Seq {
		prev.superseded.Store(true)
		if d.metrics != nil {
			d.metrics.IncrementStaleCancellations()
		}
	}
	q.pending[key] = del
	q.mu.Unlock()

	select {
	case q.ch <- del:
		if d.metrics != nil {
			d.metrics.AddQueueDepth(1)
		}
	default:
		q.mu.Lock()
		if q.pending[key] == del {
			delete(q.pending, key)
		}
		q.mu.Unlock()
		if d.metrics != nil {
			d.metrics.IncrementQueueDrops()
		}
		now := time.Now().UTC()
		d.deadLetter(sub.ID, event, 0, errors.New("subscription queue full"), now, now)
		d.logger.Warn("webhook queue full, dead-lettering event",
			"subscription", sub.ID, "service", sub.ServiceID, "seq", event.Seq)
	}
}

// Stop closes all queues and waits for in-flight deliveries to drain, up to
// the context deadline.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, q := range d.queues {
		close(q.ch)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run(subID id.SubscriptionID, q *queue) {
	defer d.wg.Done()
	for del := range q.ch {
		if d.metrics != nil {
			d.metrics.AddQueueDepth(-1)
		}
		key := del.event.Key()
		q.mu.Lock()
		if q.pending[key] == del {
			delete(q.pending, key)
		}
		q.mu.Unlock()

		if del.superseded.Load() {
			continue
		}
		// Re-read per delivery so endpoint, secret, and active-flag changes
		// made after the worker started apply to queued events.
		sub, err := d.subs.Get(context.Background(), subID)
		if err != nil {
			d.logger.Warn("webhook subscription unavailable, dropping delivery",
				"subscription", subID, "seq", del.event.Seq, "error", err)
			continue
		}
		if !sub.Active {
			continue
		}
		d.deliver(sub, del)
	}
}

func (d *Dispatcher) deliver(sub *Subscription, del *delivery) {
	maxAttempts := sub.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.defaults.MaxAttempts
	}
	backoff := sub.InitialBackoff
	if backoff <= 0 {
		backoff = d.defaults.InitialBackoff
	}
	maxBackoff := sub.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = d.defaults.MaxBackoff
	}

	firstAttempt := time.Now().UTC()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if del.superseded.Load() {
			if d.metrics != nil {
				d.metrics.IncrementStaleCancellations()
			}
			return
		}
		if d.metrics != nil {
			d.metrics.IncrementWebhookAttempts()
		}
		lastErr = d.attempt(sub, del.event)
		if lastErr == nil {
			if err := d.subs.AdvanceCursor(context.Background(), sub.ID, del.event.Seq); err != nil {
				d.logger.Warn("failed to advance subscription cursor",
					"subscription", sub.ID, "seq", del.event.Seq, "error", err)
			}
			if d.metrics != nil {
				d.metrics.IncrementWebhookDeliveries()
				d.metrics.ObserveDeliveryLatency(time.Since(del.enqueuedAt).Seconds())
			}
			return
		}
		if attempt < maxAttempts {
			time.Sleep(backoff)
			backoff = min(backoff*2, maxBackoff)
		}
	}

	d.deadLetter(sub.ID, del.event, maxAttempts, lastErr, firstAttempt, time.Now().UTC())
	d.logger.Warn("webhook delivery exhausted retries",
		"subscription", sub.ID, "service", sub.ServiceID,
		"seq", del.event.Seq, "attempts", maxAttempts, "error", lastErr)
}

func (d *Dispatcher) deadLetter(subID id.SubscriptionID, event models.ChangeEvent, attempts int, cause error, first, last time.Time) {
	letter := &DeadLetter{
		SubscriptionID: subID,
		Event:          event,
		Attempts:       attempts,
		LastError:      cause.Error(),
		FirstAttemptAt: first,
		LastAttemptAt:  last,
	}
	if err := d.letters.Append(context.Background(), letter); err != nil {
		d.logger.Error("failed to dead-letter webhook delivery",
			"subscription", subID, "seq", event.Seq, "error", err)
		return
	}
	if d.metrics != nil {
		d.metrics.IncrementWebhookDeadLetters()
	}
}

func (d *Dispatcher) attempt(sub *Subscription, event models.ChangeEvent) error {
	body, err := json.Marshal(payload{
		SubjectHash: d.pseudonymize(event.Subject),
		Category:    event.Category.String(),
		State:       string(event.New),
		Version:     event.Version,
		Timestamp:   event.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	timeout := sub.Timeout
	if timeout <= 0 {
		timeout = d.defaults.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(sub.Secret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the signature header value for a webhook body: the hex
// HMAC-SHA256 of the body keyed with the subscription secret, prefixed with
// the algorithm name. Receivers recompute it to authenticate the sender.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *Dispatcher) pseudonymize(subject id.SubjectID) string {
	mac := hmac.New(sha256.New, d.subjectKey)
	mac.Write([]byte(subject))
	return hex.EncodeToString(mac.Sum(nil))
}
