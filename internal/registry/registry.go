// Package registry is the Engine Registry (C4): the dynamic, heartbeating
// counterpart to the static manifest-loaded Catalog (C1). It tracks which
// engine instances are currently alive and what they can serve, so the DAG
// Builder's engine-selection policy never enqueues work to a catalogued
// engine with nothing actually running behind it (spec §4.2).
package registry

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/dalston/internal/platform/apierr"
	"github.com/r3e-network/dalston/internal/statestore"
)

// InstanceStatus mirrors spec §3.5's instance lifecycle.
type InstanceStatus string

const (
	InstanceAvailable InstanceStatus = "available"
	InstanceRunning   InstanceStatus = "running"
	InstanceUnhealthy InstanceStatus = "unhealthy"
)

// Instance is one running engine process's registry row.
type Instance struct {
	InstanceID    string           `db:"instance_id"`
	DescriptorID  string           `db:"descriptor_id"`
	LoadedModel   *string          `db:"loaded_model"`
	Status        InstanceStatus   `db:"status"`
	Capabilities  statestore.JSONB `db:"capabilities"`
	Languages     statestore.JSONB `db:"languages"`
	RegisteredAt  time.Time        `db:"registered_at"`
	LastHeartbeat time.Time        `db:"last_heartbeat"`
}

const instanceColumns = `instance_id, descriptor_id, loaded_model, status,
	capabilities, languages, registered_at, last_heartbeat`

// Registry is the Engine Registry's store, a thin domain layer over the
// engine_instances table statestore's migrations create. It is a distinct
// Go package from statestore because its rows are ephemeral fleet state
// (ttl-heartbeat, never retained) rather than the durable job/task record
// statestore guards with row locks and invariants — it has no row-lock
// contract to share with that package's transaction plumbing.
type Registry struct {
	db *sqlx.DB
}

// New wraps the State Store's connection pool; the Engine Registry shares
// the one Postgres instance rather than running its own.
func New(store *statestore.Store) *Registry {
	return &Registry{db: store.DB()}
}

// Register inserts or refreshes an engine instance row at worker startup
// (spec §4.5 step 1). A restarted instance with the same ID simply
// re-registers; a crash that never sends a final heartbeat is detected by
// Sweep instead.
func (r *Registry) Register(ctx context.Context, instanceID, descriptorID string, loadedModel *string, capabilities, languages statestore.JSONB) error {
	now := time.Now().UTC()
	const query = `
		INSERT INTO engine_instances (instance_id, descriptor_id, loaded_model,
			status, capabilities, languages, registered_at, last_heartbeat)
		VALUES (:instance_id, :descriptor_id, :loaded_model, :status,
			:capabilities, :languages, :registered_at, :last_heartbeat)
		ON CONFLICT (instance_id) DO UPDATE SET
			descriptor_id = EXCLUDED.descriptor_id,
			loaded_model = EXCLUDED.loaded_model,
			status = EXCLUDED.status,
			capabilities = EXCLUDED.capabilities,
			languages = EXCLUDED.languages,
			last_heartbeat = EXCLUDED.last_heartbeat`

	instance := Instance{
		InstanceID:    instanceID,
		DescriptorID:  descriptorID,
		LoadedModel:   loadedModel,
		Status:        InstanceAvailable,
		Capabilities:  capabilities,
		Languages:     languages,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}

	if _, err := sqlx.NamedExecContext(ctx, r.db, query, instance); err != nil {
		return apierr.TransientIO("registry.register", err)
	}
	return nil
}

// Heartbeat refreshes an instance's last_heartbeat and sets its status to
// the reported one, which also replaces an unhealthy mark left by a prior
// sweep.
func (r *Registry) Heartbeat(ctx context.Context, instanceID string, status InstanceStatus) error {
	query := `UPDATE engine_instances SET last_heartbeat = $1, status = $2 WHERE instance_id = $3`
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), time.Now().UTC(), status, instanceID); err != nil {
		return apierr.TransientIO("registry.heartbeat", err)
	}
	return nil
}

// Deregister removes an instance row on graceful worker shutdown.
func (r *Registry) Deregister(ctx context.Context, instanceID string) error {
	query := `DELETE FROM engine_instances WHERE instance_id = $1`
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), instanceID); err != nil {
		return apierr.TransientIO("registry.deregister", err)
	}
	return nil
}

// Get loads a single instance by ID.
func (r *Registry) Get(ctx context.Context, instanceID string) (*Instance, error) {
	var inst Instance
	query := `SELECT ` + instanceColumns + ` FROM engine_instances WHERE instance_id = $1`
	if err := sqlx.GetContext(ctx, r.db, &inst, r.db.Rebind(query), instanceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.NotFound("engine_instance", instanceID)
		}
		return nil, apierr.TransientIO("registry.get", err)
	}
	return &inst, nil
}

// ListHealthyByDescriptor returns every non-expired, non-unhealthy instance
// of a given engine descriptor — the DAG Builder's engine-selection policy
// filters Catalog candidates down to this set before choosing one (spec
// §4.2: "Selection prefers registered (healthy) engines over merely
// catalogued ones").
func (r *Registry) ListHealthyByDescriptor(ctx context.Context, descriptorID string, heartbeatTTL time.Duration) ([]Instance, error) {
	var instances []Instance
	cutoff := time.Now().UTC().Add(-heartbeatTTL)
	query := `SELECT ` + instanceColumns + ` FROM engine_instances
		WHERE descriptor_id = $1 AND status != $2 AND last_heartbeat >= $3`
	if err := sqlx.SelectContext(ctx, r.db, &instances, r.db.Rebind(query), descriptorID, InstanceUnhealthy, cutoff); err != nil {
		return nil, apierr.TransientIO("registry.list_healthy_by_descriptor", err)
	}
	return instances, nil
}

// ListAll returns every registered instance, for the admin/status surface.
func (r *Registry) ListAll(ctx context.Context) ([]Instance, error) {
	var instances []Instance
	query := `SELECT ` + instanceColumns + ` FROM engine_instances ORDER BY descriptor_id, instance_id`
	if err := sqlx.SelectContext(ctx, r.db, &instances, r.db.Rebind(query)); err != nil {
		return nil, apierr.TransientIO("registry.list_all", err)
	}
	return instances, nil
}

// Sweep marks every instance whose heartbeat has passed heartbeatTTL as
// unhealthy (spec §3.5: "considered dead when heartbeat expires"). Called
// on a periodic timer by the owning cmd/ binary. Returns the instance IDs
// newly marked, so a caller can log or emit a metric without a second query.
func (r *Registry) Sweep(ctx context.Context, heartbeatTTL time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-heartbeatTTL)
	var ids []string
	selectQuery := `SELECT instance_id FROM engine_instances WHERE status != $1 AND last_heartbeat < $2`
	if err := sqlx.SelectContext(ctx, r.db, &ids, r.db.Rebind(selectQuery), InstanceUnhealthy, cutoff); err != nil {
		return nil, apierr.TransientIO("registry.sweep.select", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	updateQuery := `UPDATE engine_instances SET status = $1 WHERE status != $1 AND last_heartbeat < $2`
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(updateQuery), InstanceUnhealthy, cutoff); err != nil {
		return nil, apierr.TransientIO("registry.sweep.update", err)
	}
	return ids, nil
}
