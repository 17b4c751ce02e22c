package enginerun

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/r3e-network/dalston/internal/eventbus"
	"github.com/r3e-network/dalston/internal/registry"
	"github.com/r3e-network/dalston/internal/statestore"
)

// stubStore is a minimal in-memory taskStore double: enough for the Runner
// to exercise LeaseTask's acceptance/rejection and CompleteTask/FailTask's
// lease-holder discard behavior without a live Postgres connection.
type stubStore struct {
	mu          sync.Mutex
	leased      map[string]bool
	completed   []statestore.CompleteTaskParams
	failed      []statestore.FailTaskParams
	cancelled   []string
	rejectLease bool
	maxAttempts int
}

func newStubStore() *stubStore {
	return &stubStore{leased: make(map[string]bool), maxAttempts: 3}
}

func (s *stubStore) LeaseTask(ctx context.Context, taskID, engineInstanceID string, leaseTTL time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejectLease {
		return false, nil
	}
	s.leased[taskID] = true
	return true, nil
}

func (s *stubStore) ExtendLease(ctx context.Context, taskID, engineInstanceID string, leaseTTL time.Duration) (bool, error) {
	return true, nil
}

func (s *stubStore) GetTaskForUpdate(ctx context.Context, taskID string) (*statestore.Task, error) {
	holder := "instance-1"
	return &statestore.Task{ID: taskID, LeaseHolder: &holder, Attempt: 1, MaxAttempts: s.maxAttempts}, nil
}

func (s *stubStore) CompleteTask(ctx context.Context, task *statestore.Task, params statestore.CompleteTaskParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, params)
	return true, nil
}

func (s *stubStore) FailTask(ctx context.Context, task *statestore.Task, params statestore.FailTaskParams) (statestore.TaskStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, params)
	if params.Retryable && task.Attempt < task.MaxAttempts {
		return statestore.TaskReady, true, nil
	}
	return statestore.TaskFailed, true, nil
}

func (s *stubStore) CancelLeasedTask(ctx context.Context, task *statestore.Task, engineInstanceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, task.ID)
	return true, nil
}

// stubQueue hands back one queued lease (set via enqueue) and records
// ack/nack calls, avoiding a live Redis dependency.
type stubQueue struct {
	mu       sync.Mutex
	pending  []*eventbus.Lease
	acked    []string
	nacked   []string
	extended int
}

func (q *stubQueue) enqueue(l *eventbus.Lease) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, l)
}

func (q *stubQueue) Dequeue(ctx context.Context, engineID string, leaseTTL, blockFor time.Duration) (*eventbus.Lease, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		select {
		case <-ctx.Done():
			return nil, false, nil
		case <-time.After(blockFor):
			return nil, false, nil
		}
	}
	l := q.pending[0]
	q.pending = q.pending[1:]
	return l, true, nil
}

func (q *stubQueue) Ack(ctx context.Context, engineID string, lease *eventbus.Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, lease.Message.TaskID)
	return nil
}

func (q *stubQueue) Nack(ctx context.Context, engineID string, lease *eventbus.Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nacked = append(q.nacked, lease.Message.TaskID)
	return nil
}

func (q *stubQueue) ExtendLease(ctx context.Context, engineID, token string, leaseTTL time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.extended++
	return nil
}

type stubBus struct {
	mu        sync.Mutex
	published []eventbus.EventType
	handlers  []eventbus.Handler
}

func (b *stubBus) Publish(ctx context.Context, eventType eventbus.EventType, jobID string, correlationID *string, payload interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, eventType)
	return nil
}

func (b *stubBus) Subscribe(h eventbus.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *stubBus) deliver(event eventbus.Event) {
	b.mu.Lock()
	handlers := append([]eventbus.Handler(nil), b.handlers...)
	b.mu.Unlock()
	for _, h := range handlers {
		_ = h(context.Background(), event)
	}
}

type stubObjects struct {
	mu    sync.Mutex
	puts  int
	store map[string][]byte
}

func newStubObjects() *stubObjects {
	return &stubObjects{store: make(map[string][]byte)}
}

func (o *stubObjects) Fetch(ctx context.Context, uri string) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.store[uri], nil
}

func (o *stubObjects) Put(ctx context.Context, key string, data []byte) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.puts++
	uri := "mem://" + key
	o.store[uri] = data
	return uri, nil
}

func (o *stubObjects) Delete(ctx context.Context, uri string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.store, uri)
	return nil
}

func testMessage(taskID string) eventbus.QueueMessage {
	return eventbus.QueueMessage{
		TaskID:       taskID,
		JobID:        "job-1",
		Stage:        "transcribe",
		EngineID:     "whisper-large-v3",
		Attempt:      1,
		LeaseSeconds: 30,
		Inputs:       []eventbus.QueueMessageInput{{Type: "audio", URI: "mem://audio.wav"}},
	}
}

func TestHandleLease_SuccessPublishesCompletedAndAcks(t *testing.T) {
	store := newStubStore()
	queue := &stubQueue{}
	bus := &stubBus{}
	objects := newStubObjects()

	stage := func(ctx context.Context, item WorkItem) (StageResult, error) {
		return StageResult{Outputs: []StageOutput{{Type: "transcript", Body: []byte("hello")}}}, nil
	}

	r := New(Config{DescriptorID: "whisper-large-v3", InstanceID: "instance-1"},
		store, &fakeInstanceRegistry{}, queue, bus, objects, stage, logrus.NewEntry(logrus.New()))

	lease := &eventbus.Lease{Message: testMessage("task-1"), Token: "tok-1"}
	r.handleLease(context.Background(), lease)

	if len(store.completed) != 1 {
		t.Fatalf("expected 1 CompleteTask call, got %d", len(store.completed))
	}
	if objects.puts != 1 {
		t.Fatalf("expected 1 object write, got %d", objects.puts)
	}
	if len(queue.acked) != 1 || queue.acked[0] != "task-1" {
		t.Fatalf("expected task-1 acked, got %v", queue.acked)
	}
	if len(bus.published) != 1 || bus.published[0] != eventbus.EventTaskCompleted {
		t.Fatalf("expected task.completed published, got %v", bus.published)
	}
}

func TestHandleLease_StageErrorPublishesFailedAndAcks(t *testing.T) {
	store := newStubStore()
	queue := &stubQueue{}
	bus := &stubBus{}
	objects := newStubObjects()

	stage := func(ctx context.Context, item WorkItem) (StageResult, error) {
		return StageResult{}, errors.New("model crashed")
	}

	r := New(Config{DescriptorID: "whisper-large-v3", InstanceID: "instance-1"},
		store, &fakeInstanceRegistry{}, queue, bus, objects, stage, logrus.NewEntry(logrus.New()))

	lease := &eventbus.Lease{Message: testMessage("task-1"), Token: "tok-1"}
	r.handleLease(context.Background(), lease)

	if len(store.failed) != 1 {
		t.Fatalf("expected 1 FailTask call, got %d", len(store.failed))
	}
	if len(bus.published) != 1 || bus.published[0] != eventbus.EventTaskFailed {
		t.Fatalf("expected task.failed published, got %v", bus.published)
	}
	if len(queue.acked) != 1 {
		t.Fatalf("expected ack even on failure (retry is scheduler-driven), got %v", queue.acked)
	}
}

func TestHandleLease_StaleLeaseDropsMessageWithoutInvokingStage(t *testing.T) {
	store := newStubStore()
	store.rejectLease = true
	queue := &stubQueue{}
	bus := &stubBus{}
	objects := newStubObjects()

	called := false
	stage := func(ctx context.Context, item WorkItem) (StageResult, error) {
		called = true
		return StageResult{}, nil
	}

	r := New(Config{DescriptorID: "whisper-large-v3", InstanceID: "instance-1"},
		store, &fakeInstanceRegistry{}, queue, bus, objects, stage, logrus.NewEntry(logrus.New()))

	lease := &eventbus.Lease{Message: testMessage("task-1"), Token: "tok-1"}
	r.handleLease(context.Background(), lease)

	if called {
		t.Fatalf("stage function must not run for a stale lease")
	}
	if len(queue.acked) != 1 {
		t.Fatalf("expected stale lease to be acked (dropped), got %v", queue.acked)
	}
	if len(bus.published) != 0 {
		t.Fatalf("expected no event published for a stale lease, got %v", bus.published)
	}
}

func TestHandleLease_CancelledDuringStagePublishesCancelled(t *testing.T) {
	store := newStubStore()
	queue := &stubQueue{}
	bus := &stubBus{}
	objects := newStubObjects()

	started := make(chan struct{})
	stage := func(ctx context.Context, item WorkItem) (StageResult, error) {
		close(started)
		<-ctx.Done()
		return StageResult{}, ctx.Err()
	}

	r := New(Config{DescriptorID: "whisper-large-v3", InstanceID: "instance-1", HeartbeatInterval: 50 * time.Millisecond},
		store, &fakeInstanceRegistry{}, queue, bus, objects, stage, logrus.NewEntry(logrus.New()))

	lease := &eventbus.Lease{Message: testMessage("task-1"), Token: "tok-1"}

	done := make(chan struct{})
	go func() {
		r.handleLease(context.Background(), lease)
		close(done)
	}()

	<-started
	bus.deliver(eventbus.Event{EventType: eventbus.EventTaskCancelled, JobID: "task-1"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handleLease did not return after cancellation")
	}

	if len(store.cancelled) != 1 || store.cancelled[0] != "task-1" {
		t.Fatalf("expected task-1 cancelled in store, got %v", store.cancelled)
	}
	if len(bus.published) != 1 || bus.published[0] != eventbus.EventTaskCancelled {
		t.Fatalf("expected task.cancelled published, got %v", bus.published)
	}
}

// fakeInstanceRegistry is a no-op instanceRegistry double; these tests
// exercise handleLease directly and never start the registration/heartbeat
// loops, so its calls are never invoked during the assertions above.
type fakeInstanceRegistry struct{}

func (f *fakeInstanceRegistry) Register(ctx context.Context, instanceID, descriptorID string, loadedModel *string, capabilities, languages statestore.JSONB) error {
	return nil
}

func (f *fakeInstanceRegistry) Heartbeat(ctx context.Context, instanceID string, status registry.InstanceStatus) error {
	return nil
}

func (f *fakeInstanceRegistry) Deregister(ctx context.Context, instanceID string) error {
	return nil
}
