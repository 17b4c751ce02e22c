// Package webhook implements the supplemented webhook delivery feature
// (SPEC_FULL.md §4.5): at-least-once notification of a tenant's registered
// endpoints when a job reaches a terminal state, with bounded retry and
// auto-disable after repeated failures. It subscribes to the Event Bus the
// same way the Scheduler does (internal/eventbus's Handler pattern) and
// drains its own retry queue on a timer, mirroring how the Retention Purger
// drains statestore's purge-pending rows.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/r3e-network/dalston/internal/eventbus"
	"github.com/r3e-network/dalston/internal/platform/metrics"
	"github.com/r3e-network/dalston/internal/platform/resilience"
	"github.com/r3e-network/dalston/internal/statestore"
)

// jobStore is the subset of *statestore.Store the dispatcher needs.
type jobStore interface {
	GetJob(ctx context.Context, jobID string) (*statestore.Job, error)
	ListWebhookSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]statestore.WebhookSubscription, error)
	CreateWebhookDelivery(ctx context.Context, params statestore.CreateWebhookDeliveryParams) (*statestore.WebhookDelivery, error)
	ListDueWebhookDeliveries(ctx context.Context, limit int) ([]statestore.WebhookDelivery, error)
	GetWebhookSubscription(ctx context.Context, id string) (*statestore.WebhookSubscription, error)
	MarkWebhookDelivered(ctx context.Context, deliveryID string) error
	RescheduleWebhookDelivery(ctx context.Context, deliveryID string, attempt, maxAttempts int, errMsg string, nextAttemptAt time.Time) error
	RecordWebhookFailure(ctx context.Context, subscriptionID string, autoDisableAfter int) (bool, error)
	RecordWebhookSuccess(ctx context.Context, subscriptionID string) error
}

// jobTerminalEventTypes is the subset of the Event Bus vocabulary this
// package cares about (spec §4.5's "job reaches a terminal state").
var jobTerminalEventTypes = map[eventbus.EventType]string{
	eventbus.EventJobCompleted: "job.completed",
	eventbus.EventJobFailed:    "job.failed",
	eventbus.EventJobCancelled: "job.cancelled",
}

// Config parameterizes a Dispatcher.
type Config struct {
	MaxAttempts      int
	AutoDisableAfter int
	DeliveryTimeout  time.Duration
	// DrainInterval is how often the retry loop sweeps due deliveries.
	DrainInterval time.Duration
	// DrainBatchSize bounds one sweep's work, the same way the Retention
	// Purger's sweep is batch-limited.
	DrainBatchSize int
}

func (c *Config) setDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.AutoDisableAfter <= 0 {
		c.AutoDisableAfter = 20
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = 5 * time.Second
	}
	if c.DrainBatchSize <= 0 {
		c.DrainBatchSize = 100
	}
}

// Dispatcher subscribes to terminal job events, fans each one out to every
// matching enabled subscription as a pending delivery row, and drains that
// queue with bounded exponential backoff.
type Dispatcher struct {
	cfg    Config
	store  jobStore
	client *http.Client
	cb     *resilience.CircuitBreaker
	log    *logrus.Entry
}

// New wires a Dispatcher over an existing statestore.Store.
func New(cfg Config, store jobStore, cb *resilience.CircuitBreaker, log *logrus.Entry) *Dispatcher {
	cfg.setDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{
		cfg:    cfg,
		store:  store,
		client: &http.Client{Timeout: cfg.DeliveryTimeout},
		cb:     cb,
		log:    log,
	}
}

// HandleEvent implements eventbus.Handler: on a terminal job event, enqueue
// one pending delivery per enabled subscription the tenant has registered
// for it. Enqueuing (not delivering inline) keeps the Event Bus's consumer
// loop fast and lets the retry loop own all delivery timing.
func (d *Dispatcher) HandleEvent(ctx context.Context, event eventbus.Event) error {
	eventTypeLabel, ok := jobTerminalEventTypes[event.EventType]
	if !ok {
		return nil
	}

	job, err := d.store.GetJob(ctx, event.JobID)
	if err != nil {
		return fmt.Errorf("webhook: load job %s: %w", event.JobID, err)
	}

	subs, err := d.store.ListWebhookSubscriptionsForEvent(ctx, job.TenantID, eventTypeLabel)
	if err != nil {
		return fmt.Errorf("webhook: list subscriptions for %s: %w", job.TenantID, err)
	}
	if len(subs) == 0 {
		return nil
	}

	payload, err := json.Marshal(jobEventBody{
		EventType: eventTypeLabel,
		JobID:     job.ID,
		TenantID:  job.TenantID,
		Status:    string(job.Status),
		Timestamp: event.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	for _, sub := range subs {
		if _, err := d.store.CreateWebhookDelivery(ctx, statestore.CreateWebhookDeliveryParams{
			SubscriptionID: sub.ID,
			EventID:        event.EventID,
			EventType:      eventTypeLabel,
			JobID:          job.ID,
			Payload:        statestore.JSONB(payload),
		}); err != nil {
			d.log.WithError(err).WithField("subscription_id", sub.ID).Warn("webhook: enqueue delivery failed")
		}
	}
	return nil
}

// jobEventBody is the delivered payload shape: enough for a receiver to act
// without a callback to the Gateway's read API, mirroring the job status
// document's terminal fields (spec §6.1).
type jobEventBody struct {
	EventType string    `json:"event_type"`
	JobID     string    `json:"job_id"`
	TenantID  string    `json:"tenant_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Run drains due deliveries on a timer until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.drain(ctx)
		}
	}
}

// drain delivers every currently-due pending delivery once.
func (d *Dispatcher) drain(ctx context.Context) {
	due, err := d.store.ListDueWebhookDeliveries(ctx, d.cfg.DrainBatchSize)
	if err != nil {
		d.log.WithError(err).Warn("webhook: list due deliveries failed")
		return
	}
	for _, delivery := range due {
		d.attempt(ctx, delivery)
	}
}

// attempt makes one delivery attempt, applying the circuit breaker so a
// wholesale-unreachable network doesn't burn every pending delivery's
// attempt budget in lockstep, and then records the outcome.
func (d *Dispatcher) attempt(ctx context.Context, delivery statestore.WebhookDelivery) {
	sub, err := d.store.GetWebhookSubscription(ctx, delivery.SubscriptionID)
	if err != nil {
		d.log.WithError(err).WithField("delivery_id", delivery.ID).Warn("webhook: load subscription failed")
		return
	}
	if !sub.Enabled {
		// Disabled after this delivery was enqueued; drop it rather than
		// retry forever against an endpoint the tenant's own failures shut off.
		if err := d.store.MarkWebhookDelivered(ctx, delivery.ID); err != nil {
			d.log.WithError(err).WithField("delivery_id", delivery.ID).Warn("webhook: mark skipped-disabled failed")
		}
		return
	}

	sendErr := d.cb.Execute(ctx, func() error {
		return d.send(ctx, sub.URL, delivery.Payload)
	})

	attempt := delivery.Attempt + 1
	if sendErr == nil {
		metrics.RecordWebhookDelivery("delivered")
		if err := d.store.MarkWebhookDelivered(ctx, delivery.ID); err != nil {
			d.log.WithError(err).WithField("delivery_id", delivery.ID).Warn("webhook: mark delivered failed")
		}
		if err := d.store.RecordWebhookSuccess(ctx, sub.ID); err != nil {
			d.log.WithError(err).WithField("subscription_id", sub.ID).Warn("webhook: reset failure count failed")
		}
		return
	}

	metrics.RecordWebhookDelivery("failed")
	backoff := nextBackoff(attempt)
	if err := d.store.RescheduleWebhookDelivery(ctx, delivery.ID, attempt, d.cfg.MaxAttempts, sendErr.Error(), time.Now().Add(backoff)); err != nil {
		d.log.WithError(err).WithField("delivery_id", delivery.ID).Warn("webhook: reschedule failed")
	}

	disabled, err := d.store.RecordWebhookFailure(ctx, sub.ID, d.cfg.AutoDisableAfter)
	if err != nil {
		d.log.WithError(err).WithField("subscription_id", sub.ID).Warn("webhook: record failure failed")
		return
	}
	if disabled {
		d.log.WithField("subscription_id", sub.ID).WithField("url", sub.URL).
			Warn("webhook: subscription auto-disabled after repeated delivery failures")
	}
}

// send performs one HTTP POST of payload to url.
func (d *Dispatcher) send(ctx context.Context, url string, payload statestore.JSONB) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "dalston-webhook/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: deliver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// nextBackoff computes a capped exponential delay for a retry attempt,
// independent of resilience.Retry since each delivery's schedule must
// survive across process restarts as a persisted next_attempt_at rather
// than an in-memory backoff.NewExponentialBackOff() instance.
func nextBackoff(attempt int) time.Duration {
	base := 30 * time.Second
	max := 30 * time.Minute
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}
