package statestore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/dalston/internal/platform/apierr"
)

// CreateJobParams is the validated shape of one submit() call (spec §4.3).
type CreateJobParams struct {
	TenantID             string
	CorrelationID        *string
	SourceURI            string
	RequestedModel       string
	RequestedLanguage    string
	SpeakerDetection     SpeakerDetection
	TimestampGranularity TimestampGranularity
	PIIDetection         bool
	RedactPIIAudio       bool
	PIIRedactionMode     *string
	RetentionDays        int
	// AudioDuration/AudioChannels/SampleRate are optional metadata derived
	// from the uploaded file (spec §3.1's "derived audio metadata"). The
	// Gateway fills these in from a cheap container-header probe before
	// Submit so speaker_detection=per_channel's fan-out width and the task
	// timeout formula (spec §4.3) have real values at DAG-build time, since
	// the DAG is built once, synchronously, before prepare ever runs.
	AudioDuration *float64
	AudioChannels *int
	SampleRate    *int
}

const jobColumns = `id, tenant_id, correlation_id, status, source_uri, requested_model,
	requested_language, speaker_detection, timestamp_granularity, pii_detection,
	redact_pii_audio, pii_redaction_mode, retention_days, audio_duration,
	audio_channels, sample_rate, progress_percent, current_stage, transcript_uri,
	result_language, word_count, segment_count, speaker_count, error, retry_count,
	retention_snapshot, purge_after, purged_at, created_at, started_at,
	completed_at, retried_at`

// CreateJob inserts a new job in status pending. If params.CorrelationID is
// set and a job with that (tenant_id, correlation_id) pair already exists,
// returns the existing job instead of inserting a duplicate (L1: idempotent
// submit).
func (s *Store) CreateJob(ctx context.Context, params CreateJobParams) (*Job, error) {
	if params.CorrelationID != nil {
		if existing, err := s.getJobByCorrelationID(ctx, params.TenantID, *params.CorrelationID); err == nil {
			return existing, nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.TransientIO("statestore.create_job.correlation_lookup", err)
		}
	}

	job := &Job{
		ID:                   uuid.NewString(),
		TenantID:             params.TenantID,
		CorrelationID:        params.CorrelationID,
		Status:               JobPending,
		SourceURI:            params.SourceURI,
		RequestedModel:       params.RequestedModel,
		RequestedLanguage:    params.RequestedLanguage,
		SpeakerDetection:     params.SpeakerDetection,
		TimestampGranularity: params.TimestampGranularity,
		PIIDetection:         params.PIIDetection,
		RedactPIIAudio:       params.RedactPIIAudio,
		PIIRedactionMode:     params.PIIRedactionMode,
		RetentionDays:        params.RetentionDays,
		AudioDuration:        params.AudioDuration,
		AudioChannels:        params.AudioChannels,
		SampleRate:           params.SampleRate,
		ProgressPercent:      0,
		CreatedAt:            time.Now().UTC(),
	}

	const query = `
		INSERT INTO jobs (id, tenant_id, correlation_id, status, source_uri,
			requested_model, requested_language, speaker_detection,
			timestamp_granularity, pii_detection, redact_pii_audio,
			pii_redaction_mode, retention_days, audio_duration, audio_channels,
			sample_rate, progress_percent, created_at)
		VALUES (:id, :tenant_id, :correlation_id, :status, :source_uri,
			:requested_model, :requested_language, :speaker_detection,
			:timestamp_granularity, :pii_detection, :redact_pii_audio,
			:pii_redaction_mode, :retention_days, :audio_duration, :audio_channels,
			:sample_rate, :progress_percent, :created_at)`

	if err := sqlxNamedExec(ctx, s.ext(ctx), query, job); err != nil {
		if isUniqueViolation(err) && params.CorrelationID != nil {
			existing, lookupErr := s.getJobByCorrelationID(ctx, params.TenantID, *params.CorrelationID)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, apierr.TransientIO("statestore.create_job.insert", err)
	}

	return job, nil
}

func (s *Store) getJobByCorrelationID(ctx context.Context, tenantID, correlationID string) (*Job, error) {
	var job Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE tenant_id = $1 AND correlation_id = $2`
	if err := sqlxGet(ctx, s.ext(ctx), &job, query, tenantID, correlationID); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJobForUpdate loads a job row with a row lock held for the lifetime of
// the enclosing transaction (ctx must carry one via WithTx). This is the
// read side of the Scheduler's "transactional read-modify-write" (spec §4.3
// step 1) and the mechanism that serializes all mutation of a single job.
func (s *Store) GetJobForUpdate(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 FOR UPDATE`
	if err := sqlxGet(ctx, s.ext(ctx), &job, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.NotFound("job", jobID)
		}
		return nil, apierr.TransientIO("statestore.get_job_for_update", err)
	}
	return &job, nil
}

// GetJob loads a job without taking a row lock, for read-only queries.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	if err := sqlxGet(ctx, s.ext(ctx), &job, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.NotFound("job", jobID)
		}
		return nil, apierr.TransientIO("statestore.get_job", err)
	}
	return &job, nil
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	TenantID string
	Status   []JobStatus
	Limit    int
	Offset   int
}

// ListJobs returns a tenant's jobs, optionally narrowed by status, newest first.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE tenant_id = $1`
	args := []interface{}{filter.TenantID}

	if len(filter.Status) > 0 {
		query += ` AND status = ANY($2)`
		statuses := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			statuses[i] = string(st)
		}
		args = append(args, pqStringArray(statuses))
		query += ` ORDER BY created_at DESC LIMIT $3 OFFSET $4`
		args = append(args, limit, filter.Offset)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		args = append(args, limit, filter.Offset)
	}

	var jobs []Job
	if err := sqlxSelect(ctx, s.ext(ctx), &jobs, query, args...); err != nil {
		return nil, apierr.TransientIO("statestore.list_jobs", err)
	}
	return jobs, nil
}

// TransitionJobStatus moves a job to newStatus, enforcing I3 (monotonic
// status: no writes once terminal, see P3). Must be called with a job row
// already locked via GetJobForUpdate in the same transaction.
func (s *Store) TransitionJobStatus(ctx context.Context, job *Job, newStatus JobStatus) error {
	if job.Status.IsTerminal() {
		return apierr.InvariantViolation("job already terminal", nil).
			WithDetails("job_id", job.ID).WithDetails("status", string(job.Status))
	}

	now := time.Now().UTC()
	set := map[string]interface{}{"status": newStatus}

	switch newStatus {
	case JobRunning:
		if job.StartedAt == nil {
			set["started_at"] = now
		}
	case JobCompleted, JobFailed, JobCancelled:
		set["completed_at"] = now
	}

	if err := s.updateJobFields(ctx, job.ID, set); err != nil {
		return err
	}
	job.Status = newStatus
	return nil
}

// UpdateJobProgress persists the recomputed progress percent and current
// stage label (spec §4.3 step 7). Never changes status.
func (s *Store) UpdateJobProgress(ctx context.Context, jobID string, percent float64, currentStage *string) error {
	return s.updateJobFields(ctx, jobID, map[string]interface{}{
		"progress_percent": percent,
		"current_stage":    currentStage,
	})
}

// CompleteJob finalizes a job as completed with its result fields (I: (b)
// completed requires a non-empty transcript URI — enforced by the caller
// constructing result).
type JobResult struct {
	TranscriptURI string
	Language      string
	WordCount     int
	SegmentCount  int
	SpeakerCount  int
}

func (s *Store) CompleteJob(ctx context.Context, job *Job, result JobResult) error {
	if result.TranscriptURI == "" {
		return apierr.InvariantViolation("completing job without transcript URI", nil).
			WithDetails("job_id", job.ID)
	}
	if err := s.TransitionJobStatus(ctx, job, JobCompleted); err != nil {
		return err
	}
	completedAt := time.Now().UTC()
	if job.CompletedAt != nil {
		completedAt = *job.CompletedAt
	}
	return s.updateJobFields(ctx, job.ID, map[string]interface{}{
		"transcript_uri":   result.TranscriptURI,
		"result_language":  result.Language,
		"word_count":       result.WordCount,
		"segment_count":    result.SegmentCount,
		"speaker_count":    result.SpeakerCount,
		"progress_percent": 100.0,
		"purge_after":      SetJobPurgeAfter(job, completedAt),
	})
}

// FailJob finalizes a job as failed with an error string (I: (c) failed
// requires an error or reason string).
func (s *Store) FailJob(ctx context.Context, job *Job, reason string) error {
	if reason == "" {
		reason = "unspecified failure"
	}
	if err := s.TransitionJobStatus(ctx, job, JobFailed); err != nil {
		return err
	}
	completedAt := time.Now().UTC()
	if job.CompletedAt != nil {
		completedAt = *job.CompletedAt
	}
	return s.updateJobFields(ctx, job.ID, map[string]interface{}{
		"error":       reason,
		"purge_after": SetJobPurgeAfter(job, completedAt),
	})
}

// CancelJob finalizes a job as cancelled with a reason string.
func (s *Store) CancelJob(ctx context.Context, job *Job, reason string) error {
	if reason == "" {
		reason = "cancelled by operator request"
	}
	if err := s.TransitionJobStatus(ctx, job, JobCancelled); err != nil {
		return err
	}
	completedAt := time.Now().UTC()
	if job.CompletedAt != nil {
		completedAt = *job.CompletedAt
	}
	return s.updateJobFields(ctx, job.ID, map[string]interface{}{
		"error":       reason,
		"purge_after": SetJobPurgeAfter(job, completedAt),
	})
}

// SetJobPurgeAfter stamps the retention-derived purge deadline (spec §4.7):
// 0 => now (transient), -1 => nil (keep forever), N => completedAt + N days.
func SetJobPurgeAfter(job *Job, completedAt time.Time) *time.Time {
	return retentionPurgeAfter(job.RetentionDays, completedAt)
}

// ListPurgeableJobs returns jobs due for retention purge (spec §4.7),
// mirroring ListPurgeableSessions: the Retention Purger scrubs a job's
// retained result fields once its own purge_after elapses, independent of
// the artifact_objects sweep it already drives via ListPurgeablePending.
func (s *Store) ListPurgeableJobs(ctx context.Context, limit int) ([]Job, error) {
	var jobs []Job
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE purge_after IS NOT NULL AND purge_after <= $1 AND purged_at IS NULL
		ORDER BY purge_after ASC LIMIT $2`
	if err := sqlxSelect(ctx, s.ext(ctx), &jobs, query, time.Now().UTC(), limit); err != nil {
		return nil, apierr.TransientIO("statestore.list_purgeable_jobs", err)
	}
	return jobs, nil
}

// MarkJobPurged scrubs a job's retained transcript fields and sets
// purged_at, leaving the row itself (and its audit trail) intact — only the
// content spec §4.7 designates as purgeable is cleared.
func (s *Store) MarkJobPurged(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	query := `UPDATE jobs SET transcript_uri = NULL, purged_at = $1 WHERE id = $2`
	ext := s.ext(ctx)
	if _, err := ext.ExecContext(ctx, ext.Rebind(query), now, jobID); err != nil {
		return apierr.TransientIO("statestore.mark_job_purged", err)
	}
	return nil
}

// RetryJob implements the supplemented job-level retry operation: restart
// from the first non-completed stage, reusing artifacts from tasks already
// `completed` (see DESIGN.md's Open Question decision). The caller
// (Scheduler) is responsible for re-deriving and re-enqueuing the affected
// tasks; this method only updates the job's bookkeeping fields.
func (s *Store) RetryJob(ctx context.Context, job *Job) error {
	if !job.Status.IsTerminal() || job.Status == JobCancelled {
		return apierr.InvariantViolation("retry requested on a non-terminal or cancelled job", nil).
			WithDetails("job_id", job.ID).WithDetails("status", string(job.Status))
	}
	now := time.Now().UTC()
	if err := s.updateJobFields(ctx, job.ID, map[string]interface{}{
		"status":       JobRunning,
		"retry_count":  job.RetryCount + 1,
		"retried_at":   now,
		"error":        nil,
		"completed_at": nil,
	}); err != nil {
		return err
	}
	job.Status = JobRunning
	job.RetryCount++
	job.RetriedAt = &now
	job.Error = nil
	job.CompletedAt = nil
	return nil
}

func (s *Store) updateJobFields(ctx context.Context, jobID string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	set, args := buildSetClause(fields, 2)
	query := `UPDATE jobs SET ` + set + ` WHERE id = $1`
	args = append([]interface{}{jobID}, args...)
	if _, err := s.ext(ctx).ExecContext(ctx, s.ext(ctx).Rebind(query), args...); err != nil {
		return apierr.TransientIO("statestore.update_job_fields", err)
	}
	return nil
}
