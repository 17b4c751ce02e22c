// Package retention is the Retention Purger (C9): a periodic sweep that
// deletes artifact bodies and scrubs job/session rows past their
// retention-derived purge_after deadline (spec §4.7). It runs on a
// robfig/cron schedule rather than a bare time.Ticker, the same choice
// SPEC_FULL.md's domain stack table makes for the Scheduler's timeout
// sweep, so operators get standard crontab syntax for the sweep cadence.
package retention

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/r3e-network/dalston/internal/objectstore"
	"github.com/r3e-network/dalston/internal/platform/metrics"
	"github.com/r3e-network/dalston/internal/platform/resilience"
	"github.com/r3e-network/dalston/internal/statestore"
)

// purgeStore is the subset of *statestore.Store the Purger needs.
type purgeStore interface {
	ListPurgeablePending(ctx context.Context, limit int) ([]statestore.Artifact, error)
	MarkPurged(ctx context.Context, artifactID string) error
	ListPurgeableSessions(ctx context.Context, limit int) ([]statestore.RealtimeSession, error)
	MarkSessionPurged(ctx context.Context, sessionID string) error
	ListPurgeableJobs(ctx context.Context, limit int) ([]statestore.Job, error)
	MarkJobPurged(ctx context.Context, jobID string) error
}

// Config parameterizes the Purger.
type Config struct {
	// SweepCron is a standard 6-field robfig/cron expression (spec §6.6
	// default: every 15 minutes).
	SweepCron string
	// BatchSize caps how many rows of each resource kind one sweep tick
	// processes, so a backlog doesn't monopolize the connection pool.
	BatchSize int
}

func (c *Config) setDefaults() {
	if c.SweepCron == "" {
		c.SweepCron = "0 */15 * * * *"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
}

// Purger drives the retention sweep.
type Purger struct {
	cfg     Config
	store   purgeStore
	objects objectstore.Store
	cb      *resilience.CircuitBreaker
	cron    *cron.Cron
	log     *logrus.Entry
}

// New wires a Purger over an existing statestore.Store and object store.
func New(cfg Config, store purgeStore, objects objectstore.Store, cb *resilience.CircuitBreaker, log *logrus.Entry) *Purger {
	cfg.setDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Purger{
		cfg:     cfg,
		store:   store,
		objects: objects,
		cb:      cb,
		cron:    cron.New(cron.WithSeconds()),
		log:     log,
	}
}

// Run registers the sweep on its cron schedule and blocks until ctx is
// cancelled, at which point the underlying cron scheduler stops cleanly.
func (p *Purger) Run(ctx context.Context) error {
	if _, err := p.cron.AddFunc(p.cfg.SweepCron, func() { p.Sweep(ctx) }); err != nil {
		return err
	}
	p.cron.Start()
	<-ctx.Done()
	stopCtx := p.cron.Stop()
	<-stopCtx.Done()
	return nil
}

// Sweep runs one pass over artifacts, sessions, and jobs due for purge,
// tolerating per-row failures so one bad object-store delete doesn't stall
// the rest of the batch.
func (p *Purger) Sweep(ctx context.Context) {
	start := time.Now()
	purged := map[string]int{"artifact": 0, "session": 0, "job": 0}

	artifacts, err := p.store.ListPurgeablePending(ctx, p.cfg.BatchSize)
	if err != nil {
		p.log.WithError(err).Warn("retention: list purgeable artifacts failed")
	}
	for _, artifact := range artifacts {
		if err := p.purgeArtifact(ctx, artifact); err != nil {
			p.log.WithError(err).WithField("artifact_id", artifact.ID).Warn("retention: purge artifact failed")
			continue
		}
		purged["artifact"]++
	}

	sessions, err := p.store.ListPurgeableSessions(ctx, p.cfg.BatchSize)
	if err != nil {
		p.log.WithError(err).Warn("retention: list purgeable sessions failed")
	}
	for _, session := range sessions {
		if err := p.store.MarkSessionPurged(ctx, session.ID); err != nil {
			p.log.WithError(err).WithField("session_id", session.ID).Warn("retention: mark session purged failed")
			continue
		}
		purged["session"]++
	}

	jobs, err := p.store.ListPurgeableJobs(ctx, p.cfg.BatchSize)
	if err != nil {
		p.log.WithError(err).Warn("retention: list purgeable jobs failed")
	}
	for _, job := range jobs {
		if err := p.store.MarkJobPurged(ctx, job.ID); err != nil {
			p.log.WithError(err).WithField("job_id", job.ID).Warn("retention: mark job purged failed")
			continue
		}
		purged["job"]++
	}

	metrics.RecordRetentionSweep(purged, time.Since(start))
	p.log.WithField("artifacts", purged["artifact"]).
		WithField("sessions", purged["session"]).
		WithField("jobs", purged["job"]).
		Info("retention: sweep complete")
}

// purgeArtifact deletes the backing object, through the circuit breaker
// since the object store is the one genuinely flaky dependency here, then
// stamps purged_at only once the delete is confirmed (P4).
func (p *Purger) purgeArtifact(ctx context.Context, artifact statestore.Artifact) error {
	if err := p.cb.Execute(ctx, func() error {
		return p.objects.Delete(ctx, artifact.URI)
	}); err != nil {
		return err
	}
	return p.store.MarkPurged(ctx, artifact.ID)
}
