// Package enginerun is the Engine Runtime (C7): the stage-agnostic worker
// loop every engine process runs (spec §4.5). cmd/engine wires a concrete
// StageFunc (whisper transcription, forced alignment, diarization, PII
// detection, audio redaction, merge) into a Runner and the loop below
// handles registration, leasing, heartbeats, cancellation, and publishing
// results — identical for every stage.
package enginerun

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/r3e-network/dalston/internal/eventbus"
	"github.com/r3e-network/dalston/internal/objectstore"
	"github.com/r3e-network/dalston/internal/registry"
	"github.com/r3e-network/dalston/internal/statestore"
)

// initialDequeueLeaseTTL is the broker lease a message gets at Dequeue,
// before handleLease learns its lease_seconds and extends the lease to
// match. It is also the lease used when a message declares no positive
// lease_seconds.
const initialDequeueLeaseTTL = 2 * time.Minute

// taskStore is the subset of *statestore.Store the Runner needs, narrowed
// to an interface the same way the Scheduler narrows its own dependencies.
type taskStore interface {
	LeaseTask(ctx context.Context, taskID, engineInstanceID string, leaseTTL time.Duration) (bool, error)
	ExtendLease(ctx context.Context, taskID, engineInstanceID string, leaseTTL time.Duration) (bool, error)
	GetTaskForUpdate(ctx context.Context, taskID string) (*statestore.Task, error)
	CompleteTask(ctx context.Context, task *statestore.Task, params statestore.CompleteTaskParams) (bool, error)
	FailTask(ctx context.Context, task *statestore.Task, params statestore.FailTaskParams) (statestore.TaskStatus, bool, error)
	CancelLeasedTask(ctx context.Context, task *statestore.Task, engineInstanceID string) (bool, error)
}

// instanceRegistry is the subset of *registry.Registry the Runner needs.
type instanceRegistry interface {
	Register(ctx context.Context, instanceID, descriptorID string, loadedModel *string, capabilities, languages statestore.JSONB) error
	Heartbeat(ctx context.Context, instanceID string, status registry.InstanceStatus) error
	Deregister(ctx context.Context, instanceID string) error
}

// queueClient is the subset of *eventbus.EngineQueues the Runner needs.
type queueClient interface {
	Dequeue(ctx context.Context, engineID string, leaseTTL, blockFor time.Duration) (*eventbus.Lease, bool, error)
	Ack(ctx context.Context, engineID string, lease *eventbus.Lease) error
	Nack(ctx context.Context, engineID string, lease *eventbus.Lease) error
	ExtendLease(ctx context.Context, engineID, token string, leaseTTL time.Duration) error
}

// eventPublisher is the subset of *eventbus.Bus the Runner needs to publish
// results; Subscribe lets it also learn of cancel requests for tasks it
// currently holds a lease on (spec §4.5 step 8).
type eventPublisher interface {
	Publish(ctx context.Context, eventType eventbus.EventType, jobID string, correlationID *string, payload interface{}) error
	Subscribe(h eventbus.Handler)
}

// Config parameterizes one Runner instance. DescriptorID names the engine
// descriptor this process serves (spec §3.4); InstanceID is unique per
// process and is what the Engine Registry and task lease_holder column
// track as the "who" of a running task.
type Config struct {
	DescriptorID   string
	InstanceID     string
	LoadedModel    *string
	Capabilities   statestore.JSONB
	Languages      statestore.JSONB
	MaxConcurrency int

	// DequeueBlockFor bounds a single BRPOPLPUSH call so the loop can
	// observe ctx cancellation between polls instead of blocking forever.
	DequeueBlockFor time.Duration
	// HeartbeatInterval is the Engine Registry heartbeat period and the
	// upper bound on the per-task lease extension period (broker and DB
	// row), which is otherwise a third of the task's lease (at least 1s) so
	// at least two heartbeats land before expiry. Defaults to 10s.
	HeartbeatInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 1
	}
	if c.DequeueBlockFor <= 0 {
		c.DequeueBlockFor = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
}

// Runner is the Engine Runtime's worker loop, generic over a StageFunc.
type Runner struct {
	cfg      Config
	store    taskStore
	registry instanceRegistry
	queues   queueClient
	bus      eventPublisher
	objects  objectstore.Store
	stage    StageFunc
	log      *logrus.Entry

	sem chan struct{}

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	active  int
}

// New wires a Runner. store, reg, queues, and bus are the concrete
// *statestore.Store, *registry.Registry, *eventbus.EngineQueues, and
// *eventbus.Bus cmd/engine constructs at startup; stage is the caller's
// engine-specific work function.
func New(cfg Config, store taskStore, reg instanceRegistry, queues queueClient, bus eventPublisher, objects objectstore.Store, stage StageFunc, log *logrus.Entry) *Runner {
	cfg.setDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	r := &Runner{
		cfg:      cfg,
		store:    store,
		registry: reg,
		queues:   queues,
		bus:      bus,
		objects:  objects,
		stage:    stage,
		log:      log,
		sem:      make(chan struct{}, cfg.MaxConcurrency),
		cancels:  make(map[string]context.CancelFunc),
	}
	bus.Subscribe(r.handleBusEvent)
	return r
}

// handleBusEvent watches for task.cancelled notifications the Scheduler
// pushes for tasks this instance currently holds (spec §4.3 step 6 /
// §4.5 step 8). The Scheduler publishes with the task ID in the jobID slot
// (pushCancelToken has no job context at hand), so that is what we match.
func (r *Runner) handleBusEvent(_ context.Context, event eventbus.Event) error {
	if event.EventType != eventbus.EventTaskCancelled {
		return nil
	}
	r.mu.Lock()
	cancel, ok := r.cancels[event.JobID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Run registers the instance and loops dequeuing and processing tasks
// until ctx is cancelled, at which point it deregisters and returns.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.registry.Register(ctx, r.cfg.InstanceID, r.cfg.DescriptorID, r.cfg.LoadedModel, r.cfg.Capabilities, r.cfg.Languages); err != nil {
		return fmt.Errorf("enginerun: register: %w", err)
	}
	r.log.WithField("instance_id", r.cfg.InstanceID).WithField("descriptor_id", r.cfg.DescriptorID).Info("enginerun: registered")

	var wg sync.WaitGroup
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.registryHeartbeatLoop(heartbeatCtx)
	}()

	r.dequeueLoop(ctx)

	stopHeartbeat()
	wg.Wait()

	deregisterCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.registry.Deregister(deregisterCtx, r.cfg.InstanceID); err != nil {
		r.log.WithError(err).Warn("enginerun: deregister failed")
	}
	return nil
}

// registryHeartbeatLoop reports liveness distinctly from readiness: Running
// while at least one task is in flight, Available otherwise (spec §4.5
// "Engines expose readiness... distinctly from liveness").
func (r *Runner) registryHeartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := registry.InstanceAvailable
			r.mu.Lock()
			if r.active > 0 {
				status = registry.InstanceRunning
			}
			r.mu.Unlock()
			if err := r.registry.Heartbeat(ctx, r.cfg.InstanceID, status); err != nil {
				r.log.WithError(err).Warn("enginerun: registry heartbeat failed")
			}
		}
	}
}

// dequeueLoop is the main worker loop: acquire a concurrency permit, pull
// one lease, and hand it to handleLease in its own goroutine so a
// long-running stage function doesn't block the next dequeue.
func (r *Runner) dequeueLoop(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case r.sem <- struct{}{}:
		}

		// The message's declared lease_seconds (spec §6.3) isn't known until
		// after it is dequeued, so the initial lease uses a conservative
		// floor; handleLease extends it to lease_seconds as soon as the task
		// row is leased, and taskHeartbeatLoop keeps renewing it.
		lease, ok, err := r.queues.Dequeue(ctx, r.cfg.DescriptorID, initialDequeueLeaseTTL, r.cfg.DequeueBlockFor)
		if err != nil {
			<-r.sem
			if ctx.Err() != nil {
				return
			}
			r.log.WithError(err).Warn("enginerun: dequeue failed")
			continue
		}
		if !ok {
			<-r.sem
			if ctx.Err() != nil {
				return
			}
			continue
		}

		wg.Add(1)
		go func(lease *eventbus.Lease) {
			defer wg.Done()
			defer func() { <-r.sem }()
			defer func() {
				if rec := recover(); rec != nil {
					r.log.WithField("panic", rec).WithField("task_id", lease.Message.TaskID).Error("enginerun: panic recovered processing task")
				}
			}()
			r.handleLease(ctx, lease)
		}(lease)
	}
}
