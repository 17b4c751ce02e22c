// Package ratelimit provides per-tenant submission rate limiting for the
// Gateway's job submit endpoint, so one noisy tenant cannot starve the
// orchestrator's submit path for everyone else (spec §5, Non-goal (a) only
// excludes fair-share *scheduling* across already-submitted jobs — it says
// nothing about bounding submission rate, so this still belongs here).
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config controls a single tenant's limiter.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig is a conservative per-tenant default; operators can override
// per tenant via config (spec §6.6).
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10,
		Burst:             20,
	}
}

// TenantLimiter wraps golang.org/x/time/rate for one tenant's submit traffic.
type TenantLimiter struct {
	limiter *rate.Limiter
	config  Config
}

func newTenantLimiter(cfg Config) *TenantLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	return &TenantLimiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		config:  cfg,
	}
}

// Allow reports whether a submission is allowed right now without blocking.
func (t *TenantLimiter) Allow() bool {
	return t.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (t *TenantLimiter) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

// Registry holds one TenantLimiter per tenant, created lazily on first use
// and evicted after a period of inactivity so the map doesn't grow unbounded
// across a long-running gateway process.
type Registry struct {
	mu        sync.Mutex
	limiters  map[string]*tenantEntry
	config    Config
	idleAfter time.Duration
}

type tenantEntry struct {
	limiter  *TenantLimiter
	lastUsed time.Time
}

// NewRegistry creates a per-tenant limiter registry. idleAfter bounds how
// long an unused tenant's limiter is kept before Sweep evicts it.
func NewRegistry(cfg Config, idleAfter time.Duration) *Registry {
	if idleAfter <= 0 {
		idleAfter = time.Hour
	}
	return &Registry{
		limiters:  make(map[string]*tenantEntry),
		config:    cfg,
		idleAfter: idleAfter,
	}
}

// Allow reports whether tenantID may submit right now.
func (r *Registry) Allow(tenantID string) bool {
	return r.forTenant(tenantID).Allow()
}

// Wait blocks tenantID's caller until a submit token is available.
func (r *Registry) Wait(ctx context.Context, tenantID string) error {
	return r.forTenant(tenantID).Wait(ctx)
}

func (r *Registry) forTenant(tenantID string) *TenantLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.limiters[tenantID]
	if !ok {
		entry = &tenantEntry{limiter: newTenantLimiter(r.config)}
		r.limiters[tenantID] = entry
	}
	entry.lastUsed = time.Now()
	return entry.limiter
}

// Sweep evicts limiters idle longer than idleAfter. Intended to be called
// periodically (e.g. from the same cron job driving the retention sweep).
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	cutoff := time.Now().Add(-r.idleAfter)
	for tenantID, entry := range r.limiters {
		if entry.lastUsed.Before(cutoff) {
			delete(r.limiters, tenantID)
			evicted++
		}
	}
	return evicted
}

// TenantCount returns the number of tenants currently tracked.
func (r *Registry) TenantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}
