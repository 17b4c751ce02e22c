package statestore

// jobColumnNames mirrors jobColumns as a literal []string for sqlmock.NewRows,
// since sqlmock needs the column list independent of the SQL string.
var jobColumnNames = []string{
	"id", "tenant_id", "correlation_id", "status", "source_uri", "requested_model",
	"requested_language", "speaker_detection", "timestamp_granularity", "pii_detection",
	"redact_pii_audio", "pii_redaction_mode", "retention_days", "audio_duration",
	"audio_channels", "sample_rate", "progress_percent", "current_stage", "transcript_uri",
	"result_language", "word_count", "segment_count", "speaker_count", "error", "retry_count",
	"retention_snapshot", "purge_after", "purged_at", "created_at", "started_at",
	"completed_at", "retried_at",
}

// taskColumnNames mirrors taskColumns as a literal []string for sqlmock.NewRows.
var taskColumnNames = []string{
	"id", "job_id", "stage", "engine_id", "status", "attempt", "max_attempts",
	"lease_holder", "lease_deadline", "inputs", "outputs", "depends_on", "error", "error_kind",
	"retryable", "timeout_s", "created_at", "ready_at", "started_at", "completed_at",
}
