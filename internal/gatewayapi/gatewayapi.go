// Package gatewayapi is the Gateway surface (C10): the thin, stateless HTTP
// contract the rest of the core is built to honor (spec §4.8, §6.1). It
// mounts chi routes for submit/get/cancel/list_tasks/list_jobs/list_engines
// directly over internal/scheduler and internal/catalog/internal/registry,
// and a WebSocket route for real-time sessions that delegates allocation
// accounting to the Session Router process over HTTP (sessionapi's own
// surface), the same client/server split internal/sessionapi's doc comment
// describes for the reverse direction. Request parsing here is
// intentionally minimal: authentication, multipart edge cases, and
// signature verification are the explicitly out-of-scope middleware layer
// (spec §1); this package only implements the core contract beneath it.
package gatewayapi

import (
	"context"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/r3e-network/dalston/internal/catalog"
	"github.com/r3e-network/dalston/internal/objectstore"
	"github.com/r3e-network/dalston/internal/platform/ratelimit"
	"github.com/r3e-network/dalston/internal/registry"
	"github.com/r3e-network/dalston/internal/statestore"
)

// jobService is the subset of *scheduler.Scheduler the Gateway needs,
// narrowed the same way internal/sessionapi narrows *sessionrouter.Router
// and internal/dag narrows EngineSelector — so handler tests drive a stub
// instead of a live Postgres-backed Scheduler.
type jobService interface {
	Submit(ctx context.Context, params statestore.CreateJobParams) (*statestore.Job, error)
	Cancel(ctx context.Context, jobID, reason string) error
	Query(ctx context.Context, jobID string) (*statestore.Job, error)
	List(ctx context.Context, filter statestore.JobFilter) ([]statestore.Job, error)
	ListTasks(ctx context.Context, jobID string) ([]statestore.Task, error)
	RetryJob(ctx context.Context, jobID string) (*statestore.Job, error)
}

// graphValidator is *dag.Builder narrowed to the one method the Gateway
// calls synchronously at submit time, to reject a catalog-validation
// failure before a job row ever exists (spec §4.2's "raised synchronously
// during submit; the job is rejected before enqueueing").
type graphValidator interface {
	Build(ctx context.Context, job *statestore.Job) ([]statestore.TaskSpec, error)
}

// engineDirectory is the subset of *registry.Registry the Gateway's
// list_engines handler needs to annotate each catalogued descriptor with
// its live instance status.
type engineDirectory interface {
	ListAll(ctx context.Context) ([]registry.Instance, error)
}

// sessionAllocator is implemented by sessionRouterClient; narrowed for the
// same testability reason as jobService.
type sessionAllocator interface {
	Allocate(ctx context.Context, params allocateSessionParams) (*sessionAllocation, error)
	Redeem(ctx context.Context, ticket string) (string, bool, error)
	Release(ctx context.Context, sessionID, status string, retentionDays int) error
	UpdateStats(ctx context.Context, sessionID string, audioSeconds float64, segments, words int) error
}

// API wires the Gateway surface's handlers onto a chi router.
type API struct {
	jobs      jobService
	validator graphValidator
	catalog   *catalog.Catalog
	engines   engineDirectory
	objects   objectstore.Store
	sessions  sessionAllocator
	limiter   *ratelimit.Registry
	log       *logrus.Entry

	// streamUpgradeTimeout bounds how long the WebSocket handler waits for
	// a client frame before treating the connection as idle.
	streamUpgradeTimeout time.Duration
}

// Config parameterizes an API.
type Config struct {
	StreamIdleTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.StreamIdleTimeout <= 0 {
		c.StreamIdleTimeout = 60 * time.Second
	}
}

// New wires an API over its collaborators.
func New(cfg Config, jobs jobService, validator graphValidator, cat *catalog.Catalog, engines engineDirectory,
	objects objectstore.Store, sessions sessionAllocator, limiter *ratelimit.Registry, log *logrus.Entry) *API {
	cfg.setDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &API{
		jobs:                 jobs,
		validator:            validator,
		catalog:              cat,
		engines:              engines,
		objects:              objects,
		sessions:             sessions,
		limiter:              limiter,
		log:                  log,
		streamUpgradeTimeout: cfg.StreamIdleTimeout,
	}
}

// Mount registers every Gateway route onto r (spec §6.1).
func (a *API) Mount(r chi.Router) {
	r.Post("/v1/audio/transcriptions", a.submit)
	r.Get("/v1/audio/transcriptions", a.listJobs)
	r.Get("/v1/audio/transcriptions/{id}", a.getJob)
	r.Post("/v1/audio/transcriptions/{id}/cancel", a.cancelJob)
	r.Post("/v1/audio/transcriptions/{id}/retry", a.retryJob)
	r.Get("/v1/audio/transcriptions/{id}/tasks", a.listTasks)
	r.Get("/v1/engines", a.listEngines)
	r.Get("/v1/audio/transcriptions/stream", a.stream)
}
