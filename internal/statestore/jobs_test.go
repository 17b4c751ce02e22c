package statestore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/r3e-network/dalston/internal/platform/apierr"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(sqlx.NewDb(db, "postgres")), mock
}

// jobRow builds a full row matching jobColumnNames, with nullable/aggregate
// fields defaulted to NULL, for the given identity.
func jobRow(id, tenantID string, correlationID *string, createdAt time.Time) []interface{} {
	return []interface{}{
		id, tenantID, correlationID, string(JobPending), "s3://bucket/audio.wav", "fast",
		"en", string(SpeakerDetectionNone), string(TimestampNone), false,
		false, nil, 30, nil,
		nil, nil, 0.0, nil, nil,
		nil, nil, nil, nil, nil, 0,
		nil, nil, nil, createdAt, nil,
		nil, nil,
	}
}

func TestCreateJob_NewCorrelationID(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	corrID := "corr-1"
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE tenant_id = \$1 AND correlation_id = \$2`).
		WithArgs("tenant-a", corrID).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO jobs`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	job, err := s.CreateJob(ctx, CreateJobParams{
		TenantID:       "tenant-a",
		CorrelationID:  &corrID,
		SourceURI:      "s3://bucket/audio.wav",
		RequestedModel: "fast",
		RetentionDays:  30,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.Status != JobPending {
		t.Fatalf("expected pending status, got %s", job.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateJob_DuplicateCorrelationIDReturnsExisting(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	corrID := "corr-2"
	now := time.Now().UTC()
	rows := sqlmock.NewRows(jobColumnNames).AddRow(jobRow("existing-job", "tenant-a", &corrID, now)...)
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE tenant_id = \$1 AND correlation_id = \$2`).
		WithArgs("tenant-a", corrID).
		WillReturnRows(rows)

	job, err := s.CreateJob(ctx, CreateJobParams{
		TenantID:      "tenant-a",
		CorrelationID: &corrID,
		SourceURI:     "s3://bucket/audio.wav",
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.ID != "existing-job" {
		t.Fatalf("expected the pre-existing job to be returned, got %q", job.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateJob_RaceLoserReReadsWinner(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	corrID := "corr-3"
	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE tenant_id = \$1 AND correlation_id = \$2`).
		WithArgs("tenant-a", corrID).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO jobs`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	rows := sqlmock.NewRows(jobColumnNames).AddRow(jobRow("winner-job", "tenant-a", &corrID, now)...)
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE tenant_id = \$1 AND correlation_id = \$2`).
		WithArgs("tenant-a", corrID).
		WillReturnRows(rows)

	job, err := s.CreateJob(ctx, CreateJobParams{
		TenantID:      "tenant-a",
		CorrelationID: &corrID,
		SourceURI:     "s3://bucket/audio.wav",
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.ID != "winner-job" {
		t.Fatalf("expected to read back the race winner, got %q", job.ID)
	}
}

func TestTransitionJobStatus_RejectsSecondTerminalTransition(t *testing.T) {
	s, _ := newMockStore(t)
	ctx := context.Background()

	job := &Job{ID: "job-1", Status: JobCompleted}
	err := s.TransitionJobStatus(ctx, job, JobFailed)
	if err == nil {
		t.Fatal("expected an error transitioning out of a terminal status")
	}
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeInvariantViolation {
		t.Fatalf("expected CodeInvariantViolation, got %#v", err)
	}
}

func TestRetryJob_RejectsNonTerminalOrCancelledJob(t *testing.T) {
	s, _ := newMockStore(t)
	ctx := context.Background()

	running := &Job{ID: "job-1", Status: JobRunning}
	if err := s.RetryJob(ctx, running); err == nil {
		t.Fatal("expected retry of a running job to be rejected")
	}

	cancelled := &Job{ID: "job-2", Status: JobCancelled}
	if err := s.RetryJob(ctx, cancelled); err == nil {
		t.Fatal("expected retry of a cancelled job to be rejected")
	}
}

func TestCompleteJob_RequiresTranscriptURI(t *testing.T) {
	s, _ := newMockStore(t)
	ctx := context.Background()

	job := &Job{ID: "job-1", Status: JobRunning}
	err := s.CompleteJob(ctx, job, JobResult{})
	if err == nil {
		t.Fatal("expected CompleteJob without a transcript URI to fail")
	}
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeInvariantViolation {
		t.Fatalf("expected CodeInvariantViolation, got %#v", err)
	}
}
