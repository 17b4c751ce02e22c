package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/r3e-network/dalston/internal/eventbus"
	"github.com/r3e-network/dalston/internal/platform/resilience"
	"github.com/r3e-network/dalston/internal/statestore"
)

// stubStore is an in-memory jobStore double.
type stubStore struct {
	mu sync.Mutex

	jobs          map[string]*statestore.Job
	subscriptions map[string][]statestore.WebhookSubscription // tenantID -> subs
	subsByID      map[string]*statestore.WebhookSubscription
	deliveries    []statestore.WebhookDelivery

	delivered      []string
	rescheduled    []string
	failuresByID   map[string]int
	autoDisabledID string
}

func newStubStore() *stubStore {
	return &stubStore{
		jobs:          make(map[string]*statestore.Job),
		subscriptions: make(map[string][]statestore.WebhookSubscription),
		subsByID:      make(map[string]*statestore.WebhookSubscription),
		failuresByID:  make(map[string]int),
	}
}

func (s *stubStore) GetJob(ctx context.Context, jobID string) (*statestore.Job, error) {
	return s.jobs[jobID], nil
}

func (s *stubStore) ListWebhookSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]statestore.WebhookSubscription, error) {
	return s.subscriptions[tenantID], nil
}

func (s *stubStore) CreateWebhookDelivery(ctx context.Context, params statestore.CreateWebhookDeliveryParams) (*statestore.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := statestore.WebhookDelivery{
		ID:             params.SubscriptionID + ":" + params.EventID,
		SubscriptionID: params.SubscriptionID,
		EventID:        params.EventID,
		EventType:      params.EventType,
		JobID:          params.JobID,
		Payload:        params.Payload,
		Status:         statestore.WebhookDeliveryStatus("pending"),
	}
	s.deliveries = append(s.deliveries, d)
	return &d, nil
}

func (s *stubStore) ListDueWebhookDeliveries(ctx context.Context, limit int) ([]statestore.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]statestore.WebhookDelivery(nil), s.deliveries...), nil
}

func (s *stubStore) GetWebhookSubscription(ctx context.Context, id string) (*statestore.WebhookSubscription, error) {
	return s.subsByID[id], nil
}

func (s *stubStore) MarkWebhookDelivered(ctx context.Context, deliveryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, deliveryID)
	return nil
}

func (s *stubStore) RescheduleWebhookDelivery(ctx context.Context, deliveryID string, attempt, maxAttempts int, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rescheduled = append(s.rescheduled, deliveryID)
	return nil
}

func (s *stubStore) RecordWebhookFailure(ctx context.Context, subscriptionID string, autoDisableAfter int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failuresByID[subscriptionID]++
	disabled := s.failuresByID[subscriptionID] >= autoDisableAfter
	if disabled {
		s.autoDisabledID = subscriptionID
	}
	return disabled, nil
}

func (s *stubStore) RecordWebhookSuccess(ctx context.Context, subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failuresByID[subscriptionID] = 0
	return nil
}

func testDispatcher(store *stubStore) *Dispatcher {
	return New(Config{}, store, resilience.New(resilience.DefaultConfig()), nil)
}

func TestHandleEvent_EnqueuesOneDeliveryPerMatchingSubscription(t *testing.T) {
	store := newStubStore()
	store.jobs["job-1"] = &statestore.Job{ID: "job-1", TenantID: "tenant-a", Status: statestore.JobCompleted}
	store.subscriptions["tenant-a"] = []statestore.WebhookSubscription{
		{ID: "sub-1", TenantID: "tenant-a", URL: "http://example.invalid/a", Enabled: true},
		{ID: "sub-2", TenantID: "tenant-a", URL: "http://example.invalid/b", Enabled: true},
	}
	d := testDispatcher(store)

	err := d.HandleEvent(context.Background(), eventbus.Event{
		EventID: "evt-1", EventType: eventbus.EventJobCompleted, JobID: "job-1", Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(store.deliveries) != 2 {
		t.Fatalf("deliveries = %d, want 2", len(store.deliveries))
	}
}

func TestHandleEvent_IgnoresNonTerminalEvents(t *testing.T) {
	store := newStubStore()
	store.jobs["job-1"] = &statestore.Job{ID: "job-1", TenantID: "tenant-a"}
	store.subscriptions["tenant-a"] = []statestore.WebhookSubscription{{ID: "sub-1", TenantID: "tenant-a", Enabled: true}}
	d := testDispatcher(store)

	err := d.HandleEvent(context.Background(), eventbus.Event{
		EventID: "evt-1", EventType: eventbus.EventType("task.started"), JobID: "job-1", Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(store.deliveries) != 0 {
		t.Fatalf("expected no deliveries for a non-terminal event, got %d", len(store.deliveries))
	}
}

func TestDrain_SuccessfulDeliveryMarksDeliveredAndResetsFailures(t *testing.T) {
	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newStubStore()
	sub := statestore.WebhookSubscription{ID: "sub-1", TenantID: "tenant-a", URL: srv.URL, Enabled: true}
	store.subsByID["sub-1"] = &sub
	store.failuresByID["sub-1"] = 3
	store.deliveries = []statestore.WebhookDelivery{{ID: "d1", SubscriptionID: "sub-1", Payload: statestore.JSONB(`{}`)}}

	d := testDispatcher(store)
	d.drain(context.Background())

	if len(store.delivered) != 1 || store.delivered[0] != "d1" {
		t.Fatalf("delivered = %v, want [d1]", store.delivered)
	}
	if store.failuresByID["sub-1"] != 0 {
		t.Errorf("failuresByID[sub-1] = %d, want reset to 0 on success", store.failuresByID["sub-1"])
	}
}

func TestDrain_FailedDeliveryReschedulesAndRecordsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := newStubStore()
	sub := statestore.WebhookSubscription{ID: "sub-1", TenantID: "tenant-a", URL: srv.URL, Enabled: true}
	store.subsByID["sub-1"] = &sub
	store.deliveries = []statestore.WebhookDelivery{{ID: "d1", SubscriptionID: "sub-1", Payload: statestore.JSONB(`{}`)}}

	d := testDispatcher(store)
	d.drain(context.Background())

	if len(store.rescheduled) != 1 || store.rescheduled[0] != "d1" {
		t.Fatalf("rescheduled = %v, want [d1]", store.rescheduled)
	}
	if store.failuresByID["sub-1"] != 1 {
		t.Errorf("failuresByID[sub-1] = %d, want 1", store.failuresByID["sub-1"])
	}
}

func TestDrain_AutoDisablesAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := newStubStore()
	sub := statestore.WebhookSubscription{ID: "sub-1", TenantID: "tenant-a", URL: srv.URL, Enabled: true}
	store.subsByID["sub-1"] = &sub
	store.failuresByID["sub-1"] = 1 // one below the 2-failure test threshold

	d := testDispatcher(store)
	d.cfg.AutoDisableAfter = 2
	store.deliveries = []statestore.WebhookDelivery{{ID: "d1", SubscriptionID: "sub-1", Payload: statestore.JSONB(`{}`)}}
	d.drain(context.Background())

	if store.autoDisabledID != "sub-1" {
		t.Fatalf("expected sub-1 to be auto-disabled after reaching the failure threshold")
	}
}

func TestDrain_SkipsDeliveryForDisabledSubscription(t *testing.T) {
	store := newStubStore()
	sub := statestore.WebhookSubscription{ID: "sub-1", TenantID: "tenant-a", URL: "http://example.invalid", Enabled: false}
	store.subsByID["sub-1"] = &sub
	store.deliveries = []statestore.WebhookDelivery{{ID: "d1", SubscriptionID: "sub-1", Payload: statestore.JSONB(`{}`)}}

	d := testDispatcher(store)
	d.drain(context.Background())

	if len(store.delivered) != 1 || store.delivered[0] != "d1" {
		t.Fatalf("expected the delivery to a disabled subscription to be dropped (marked delivered) rather than retried, got delivered=%v rescheduled=%v", store.delivered, store.rescheduled)
	}
}

func TestNextBackoff_CapsAtMax(t *testing.T) {
	if got := nextBackoff(1); got != 30*time.Second {
		t.Errorf("nextBackoff(1) = %v, want 30s", got)
	}
	if got := nextBackoff(20); got != 30*time.Minute {
		t.Errorf("nextBackoff(20) = %v, want capped at 30m", got)
	}
}
