package statestore

import (
	"context"
	"testing"

	"github.com/lib/pq"

	"github.com/r3e-network/dalston/internal/platform/apierr"
)

func TestCreateArtifact_DuplicateURISurfacesAsInvariantViolation(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO artifact_objects`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint \"artifact_objects_owner_uri_unique\""})

	_, err := s.CreateArtifact(ctx, CreateArtifactParams{
		TenantID:     "tenant-a",
		OwnerType:    "job",
		OwnerID:      "job-1",
		ArtifactType: "transcript",
		URI:          "s3://bucket/existing.json",
		Sensitivity:  SensitivityMetadata,
	})
	if err == nil {
		t.Fatal("expected a duplicate-URI error")
	}
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeInvariantViolation {
		t.Fatalf("expected CodeInvariantViolation, got %#v", err)
	}
}
