// Package sessionrouter is the Session Router (C8): capacity-aware
// allocation of real-time WebSocket transcription sessions to worker
// processes, with periodic health monitoring and orphan reconciliation
// (spec §4.6). Allocation state (per-worker active counts, session
// ownership) is Redis-backed for the same reason the Engine queues are:
// a sub-millisecond atomic counter update on the hot WebSocket-accept
// path, distinct from the durable realtime_sessions audit row statestore
// owns.
package sessionrouter

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/r3e-network/dalston/internal/platform/apierr"
	"github.com/r3e-network/dalston/internal/platform/metrics"
	"github.com/r3e-network/dalston/internal/statestore"
)

// sessionStore is the subset of *statestore.Store the Router needs,
// narrowed the same way Scheduler and Runner narrow their dependencies.
type sessionStore interface {
	CreateSession(ctx context.Context, params statestore.CreateSessionParams) (*statestore.RealtimeSession, error)
	AssignSessionWorker(ctx context.Context, sessionID, workerID string) error
	GetSession(ctx context.Context, sessionID string) (*statestore.RealtimeSession, error)
	UpdateSessionStats(ctx context.Context, sessionID string, stats statestore.SessionStats) error
	EndSession(ctx context.Context, sessionID string, status statestore.SessionStatus, retentionDays int) error
	ListActiveSessionsForWorker(ctx context.Context, workerID string) ([]statestore.RealtimeSession, error)
}

// AllocateParams describes a WebSocket client's requested session.
type AllocateParams struct {
	TenantID      string
	Language      string
	Model         string
	Encoding      string
	SampleRate    int
	RetentionDays int
}

// Allocation is what allocate() hands back to the caller (spec §4.6 and
// §4.8's allocate_session gateway operation).
type Allocation struct {
	SessionID string
	WorkerID  string
	Ticket    string
}

// Config parameterizes a Router.
type Config struct {
	// WorkerHeartbeatTTL is how stale a worker's heartbeat may get before
	// the health monitor marks it unhealthy (spec §5's 30s default).
	WorkerHeartbeatTTL time.Duration
	// ReconcileInterval is the health monitor's tick period (spec §4.6's
	// "every 10s" default).
	ReconcileInterval time.Duration
	// TicketTTL bounds how long an allocate() ticket stays redeemable
	// before the Gateway must have used it to accept the WebSocket.
	TicketTTL time.Duration
}

func (c *Config) setDefaults() {
	if c.WorkerHeartbeatTTL <= 0 {
		c.WorkerHeartbeatTTL = 30 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 10 * time.Second
	}
	if c.TicketTTL <= 0 {
		c.TicketTTL = 30 * time.Second
	}
}

// Router is the Session Router's public surface: allocate/release/
// heartbeat plus the background health monitor.
type Router struct {
	cfg   Config
	store sessionStore
	reg   *workerRegistry
	log   *logrus.Entry
}

// New wires a Router over an existing statestore.Store and Redis client.
func New(cfg Config, store *statestore.Store, rdb *redis.Client, log *logrus.Entry) *Router {
	cfg.setDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Router{cfg: cfg, store: store, reg: newWorkerRegistry(rdb), log: log}
}

// RegisterWorker upserts a worker's declared capacity/capabilities at
// startup, mirroring the Engine Runtime's Register call.
func (r *Router) RegisterWorker(ctx context.Context, w Worker) error {
	return r.reg.registerWorker(ctx, w)
}

// Heartbeat refreshes a worker's liveness (spec §4.6's heartbeat operation).
func (r *Router) Heartbeat(ctx context.Context, workerID string) error {
	return r.reg.heartbeat(ctx, workerID)
}

// DeregisterWorker removes a worker's registry row on graceful shutdown.
// Callers must have already released every session it still owns.
func (r *Router) DeregisterWorker(ctx context.Context, workerID string) error {
	return r.reg.deregister(ctx, workerID)
}

// Allocate implements spec §4.6's allocate operation: pick the
// least-loaded healthy worker whose capabilities match, atomically claim
// a slot, and persist the durable session row.
func (r *Router) Allocate(ctx context.Context, params AllocateParams) (*Allocation, error) {
	start := time.Now()
	defer func() { metrics.RecordSessionAllocation(time.Since(start)) }()

	candidates, err := r.reg.candidates(ctx)
	if err != nil {
		return nil, err
	}

	session, err := r.store.CreateSession(ctx, statestore.CreateSessionParams{
		TenantID:      params.TenantID,
		Language:      params.Language,
		Model:         params.Model,
		Encoding:      params.Encoding,
		SampleRate:    params.SampleRate,
		RetentionDays: params.RetentionDays,
	})
	if err != nil {
		return nil, err
	}

	for _, w := range candidates {
		if w.Status != WorkerAvailable || !w.supports(params.Language, params.Model) {
			continue
		}
		ok, err := r.reg.tryAllocate(ctx, w.ID, session.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Lost the race to another concurrent allocate() call; try the
			// next candidate rather than failing the whole request.
			continue
		}

		if err := r.store.AssignSessionWorker(ctx, session.ID, w.ID); err != nil {
			_ = r.reg.releaseSession(ctx, w.ID, session.ID)
			return nil, err
		}

		ticket := uuid.NewString()
		if err := r.reg.storeTicket(ctx, ticket, session.ID, r.cfg.TicketTTL); err != nil {
			r.log.WithError(err).WithField("session_id", session.ID).Warn("sessionrouter: store ticket failed")
		}

		metrics.SetSessionRouterActiveSessions(w.ID, w.Active+1)
		r.log.WithField("session_id", session.ID).WithField("worker_id", w.ID).Info("sessionrouter: allocated")
		return &Allocation{SessionID: session.ID, WorkerID: w.ID, Ticket: ticket}, nil
	}

	// No healthy worker had spare capacity; the session row already exists
	// (useful for audit purposes) but is immediately ended as an error so
	// it never lingers as a phantom active session.
	_ = r.store.EndSession(ctx, session.ID, statestore.SessionError, params.RetentionDays)
	metrics.RecordSessionTerminal(string(statestore.SessionError))
	return nil, apierr.CapacityExhausted("no healthy real-time worker has spare session capacity")
}

// Redeem validates a ticket returned from Allocate against the WebSocket
// accept path, consuming it so it cannot be reused.
func (r *Router) Redeem(ctx context.Context, ticket string) (string, bool, error) {
	return r.reg.redeemTicket(ctx, ticket)
}

// Release implements spec §4.6's release operation: decrement the
// worker's counter and mark the session row terminal.
func (r *Router) Release(ctx context.Context, sessionID string, status statestore.SessionStatus, retentionDays int) error {
	workerID, ok, err := r.reg.sessionOwner(ctx, sessionID)
	if err != nil {
		return err
	}
	if ok {
		if relErr := r.reg.releaseSession(ctx, workerID, sessionID); relErr != nil {
			r.log.WithError(relErr).WithField("session_id", sessionID).Warn("sessionrouter: release counter failed")
		}
	}
	if err := r.store.EndSession(ctx, sessionID, status, retentionDays); err != nil {
		return err
	}
	metrics.RecordSessionTerminal(string(status))
	return nil
}

// UpdateStats applies a session heartbeat's latest stats (spec §4.6's
// heartbeat operation, the session-level half — worker liveness is
// Heartbeat above).
func (r *Router) UpdateStats(ctx context.Context, sessionID string, stats statestore.SessionStats) error {
	return r.store.UpdateSessionStats(ctx, sessionID, stats)
}

// ListWorkerSessions returns every durable session row a worker currently
// hosts, for the admin/debug surface alongside list_engines/list_tasks.
func (r *Router) ListWorkerSessions(ctx context.Context, workerID string) ([]statestore.RealtimeSession, error) {
	return r.store.ListActiveSessionsForWorker(ctx, workerID)
}

// Run drives the health monitor until ctx is cancelled (spec §4.6: "runs
// on a periodic timer, say every 10s").
func (r *Router) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.reconcile(ctx)
		}
	}
}

// reconcile is one health-monitor tick: sweep stale workers, then scan the
// global active-session set for rows whose durable record has vanished
// (spec §4.6's two reconciliation passes, exercised by the suite's
// "session reconciliation" scenario).
func (r *Router) reconcile(ctx context.Context) {
	stale, err := r.reg.staleWorkers(ctx, r.cfg.WorkerHeartbeatTTL)
	if err != nil {
		r.log.WithError(err).Warn("sessionrouter: list stale workers failed")
	}
	for _, w := range stale {
		r.evictWorker(ctx, w)
	}

	active, err := r.reg.globalActiveSessions(ctx)
	if err != nil {
		r.log.WithError(err).Warn("sessionrouter: list active sessions failed")
		return
	}
	for _, sessionID := range active {
		session, err := r.store.GetSession(ctx, sessionID)
		if err != nil {
			// Missing or unreadable durable row: the owning gateway likely
			// crashed before writing its end record. Orphan-release it so
			// the counter invariant (sum of active == cardinality of the
			// global set) holds again within this tick.
			if relErr := r.reg.orphanRelease(ctx, sessionID); relErr != nil {
				r.log.WithError(relErr).WithField("session_id", sessionID).Warn("sessionrouter: orphan release failed")
			}
			r.log.WithField("session_id", sessionID).Warn("sessionrouter: orphaned session reconciled")
			continue
		}
		if session.Status != statestore.SessionActive {
			// Row was ended through the normal Release path but the Redis
			// side lost the race to observe it; same remedy as a missing row.
			if relErr := r.reg.orphanRelease(ctx, sessionID); relErr != nil {
				r.log.WithError(relErr).WithField("session_id", sessionID).Warn("sessionrouter: stale-active release failed")
			}
		}
	}

	workers, err := r.reg.candidates(ctx)
	if err == nil {
		healthy := 0
		for _, w := range workers {
			if w.Status == WorkerAvailable {
				healthy++
			}
		}
		metrics.SetSessionRouterWorkerCounts(len(workers), healthy)
	}
}

// evictWorker marks workerID unhealthy and interrupts every session it
// owned (spec §4.6: "all sessions it owns are marked interrupted").
func (r *Router) evictWorker(ctx context.Context, w Worker) {
	if err := r.reg.markUnhealthy(ctx, w.ID); err != nil {
		r.log.WithError(err).WithField("worker_id", w.ID).Warn("sessionrouter: mark unhealthy failed")
		return
	}
	sessionIDs, err := r.reg.evictWorkerSessions(ctx, w.ID)
	if err != nil {
		r.log.WithError(err).WithField("worker_id", w.ID).Warn("sessionrouter: evict sessions failed")
		return
	}
	r.log.WithField("worker_id", w.ID).WithField("session_count", len(sessionIDs)).Warn("sessionrouter: worker unhealthy, interrupting sessions")
	for _, sessionID := range sessionIDs {
		if err := r.store.EndSession(ctx, sessionID, statestore.SessionInterrupted, 0); err != nil {
			r.log.WithError(err).WithField("session_id", sessionID).Warn("sessionrouter: interrupt session failed")
			continue
		}
		metrics.RecordSessionTerminal(string(statestore.SessionInterrupted))
	}
}
