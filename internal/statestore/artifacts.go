package statestore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/dalston/internal/platform/apierr"
)

const artifactColumns = `id, tenant_id, owner_type, owner_id, artifact_type, uri,
	sensitivity, store, ttl_seconds, size_bytes, created_at, available_at,
	purge_after, purged_at`

// CreateArtifactParams describes one artifact to register (spec §3.3).
type CreateArtifactParams struct {
	TenantID     string
	OwnerType    string
	OwnerID      string
	ArtifactType string
	URI          string
	Sensitivity  ArtifactSensitivity
	Store        bool
	TTLSeconds   *int
	SizeBytes    *int64
}

// CreateArtifact registers a new immutable artifact row. The
// UNIQUE(owner_type, owner_id, artifact_type, uri) constraint enforces I4:
// a fresh URI is required on every write, including retries.
func (s *Store) CreateArtifact(ctx context.Context, params CreateArtifactParams) (*Artifact, error) {
	now := time.Now().UTC()
	artifact := &Artifact{
		ID:           uuid.NewString(),
		TenantID:     params.TenantID,
		OwnerType:    params.OwnerType,
		OwnerID:      params.OwnerID,
		ArtifactType: params.ArtifactType,
		URI:          params.URI,
		Sensitivity:  params.Sensitivity,
		Store:        params.Store,
		TTLSeconds:   params.TTLSeconds,
		SizeBytes:    params.SizeBytes,
		CreatedAt:    now,
		AvailableAt:  &now,
	}

	const query = `
		INSERT INTO artifact_objects (id, tenant_id, owner_type, owner_id,
			artifact_type, uri, sensitivity, store, ttl_seconds, size_bytes,
			created_at, available_at)
		VALUES (:id, :tenant_id, :owner_type, :owner_id, :artifact_type, :uri,
			:sensitivity, :store, :ttl_seconds, :size_bytes, :created_at, :available_at)`

	if err := sqlxNamedExec(ctx, s.ext(ctx), query, artifact); err != nil {
		if isUniqueViolation(err) {
			return nil, apierr.InvariantViolation("duplicate artifact URI for owner", err).
				WithDetails("owner_type", params.OwnerType).
				WithDetails("owner_id", params.OwnerID).
				WithDetails("artifact_type", params.ArtifactType)
		}
		return nil, apierr.TransientIO("statestore.create_artifact", err)
	}
	return artifact, nil
}

// GetArtifact loads a single artifact by ID.
func (s *Store) GetArtifact(ctx context.Context, artifactID string) (*Artifact, error) {
	var artifact Artifact
	query := `SELECT ` + artifactColumns + ` FROM artifact_objects WHERE id = $1`
	if err := sqlxGet(ctx, s.ext(ctx), &artifact, query, artifactID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.NotFound("artifact", artifactID)
		}
		return nil, apierr.TransientIO("statestore.get_artifact", err)
	}
	return &artifact, nil
}

// ListArtifactsForOwner returns every artifact belonging to a job or session.
func (s *Store) ListArtifactsForOwner(ctx context.Context, ownerType, ownerID string) ([]Artifact, error) {
	var artifacts []Artifact
	query := `SELECT ` + artifactColumns + ` FROM artifact_objects WHERE owner_type = $1 AND owner_id = $2`
	if err := sqlxSelect(ctx, s.ext(ctx), &artifacts, query, ownerType, ownerID); err != nil {
		return nil, apierr.TransientIO("statestore.list_artifacts_for_owner", err)
	}
	return artifacts, nil
}

// SetArtifactPurgeAfter stamps the retention-derived purge deadline at
// creation of the owning job/session's retention snapshot.
func (s *Store) SetArtifactPurgeAfter(ctx context.Context, artifactID string, purgeAfter *time.Time) error {
	query := `UPDATE artifact_objects SET purge_after = $1 WHERE id = $2`
	ext := s.ext(ctx)
	if _, err := ext.ExecContext(ctx, ext.Rebind(query), purgeAfter, artifactID); err != nil {
		return apierr.TransientIO("statestore.set_artifact_purge_after", err)
	}
	return nil
}

// ListPurgeablePending returns artifacts due for purge (spec §4.7): all
// rows with purge_after <= now and purged_at IS NULL, oldest first, capped
// at limit so a sweep never monopolizes the connection pool.
func (s *Store) ListPurgeablePending(ctx context.Context, limit int) ([]Artifact, error) {
	var artifacts []Artifact
	query := `SELECT ` + artifactColumns + ` FROM artifact_objects
		WHERE purge_after IS NOT NULL AND purge_after <= $1 AND purged_at IS NULL
		ORDER BY purge_after ASC LIMIT $2`
	if err := sqlxSelect(ctx, s.ext(ctx), &artifacts, query, time.Now().UTC(), limit); err != nil {
		return nil, apierr.TransientIO("statestore.list_purgeable_pending", err)
	}
	return artifacts, nil
}

// MarkPurged sets purged_at once the object storage delete has succeeded
// (P4: purged_at is set iff the backing object is absent). Not updated
// until the caller confirms deletion.
func (s *Store) MarkPurged(ctx context.Context, artifactID string) error {
	now := time.Now().UTC()
	query := `UPDATE artifact_objects SET purged_at = $1 WHERE id = $2`
	ext := s.ext(ctx)
	if _, err := ext.ExecContext(ctx, ext.Rebind(query), now, artifactID); err != nil {
		return apierr.TransientIO("statestore.mark_purged", err)
	}
	return nil
}
