package statestore

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// JSONB stores an arbitrary JSON document in a jsonb column. nil marshals to
// SQL NULL; Scan accepts []byte, string, or nil.
type JSONB json.RawMessage

func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return []byte(j), nil
}

func (j *JSONB) Scan(src interface{}) error {
	if src == nil {
		*j = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("statestore: cannot scan %T into JSONB", src)
	}
	return nil
}

// MarshalJSON renders j as the raw JSON document it holds, rather than the
// byte-slice base64 encoding encoding/json would otherwise produce.
func (j JSONB) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return []byte(j), nil
}

// UnmarshalJSON stores data verbatim as the JSONB's raw document.
func (j *JSONB) UnmarshalJSON(data []byte) error {
	*j = append((*j)[:0], data...)
	return nil
}

// MarshalJSONB marshals v into a JSONB column value.
func MarshalJSONB(v interface{}) (JSONB, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return JSONB(b), nil
}

// JobStatus enumerates the job lifecycle (spec §3.1).
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobRunning    JobStatus = "running"
	JobCancelling JobStatus = "cancelling"
	JobCancelled  JobStatus = "cancelled"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// IsTerminal reports whether status admits no further transitions (I3).
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCancelled, JobCompleted, JobFailed:
		return true
	default:
		return false
	}
}

// SpeakerDetection enumerates the job's diarization request mode.
type SpeakerDetection string

const (
	SpeakerDetectionNone       SpeakerDetection = "none"
	SpeakerDetectionDiarize    SpeakerDetection = "diarize"
	SpeakerDetectionPerChannel SpeakerDetection = "per_channel"
)

// TimestampGranularity enumerates the requested transcript timestamp detail.
type TimestampGranularity string

const (
	TimestampNone    TimestampGranularity = "none"
	TimestampSegment TimestampGranularity = "segment"
	TimestampWord    TimestampGranularity = "word"
)

// Job is the durable row backing one transcription request (spec §3.1, §6.5).
type Job struct {
	ID                   string               `db:"id" json:"id"`
	TenantID             string               `db:"tenant_id" json:"tenant_id"`
	CorrelationID        *string              `db:"correlation_id" json:"correlation_id,omitempty"`
	Status               JobStatus            `db:"status" json:"status"`
	SourceURI            string               `db:"source_uri" json:"source_uri"`
	RequestedModel       string               `db:"requested_model" json:"requested_model"`
	RequestedLanguage    string               `db:"requested_language" json:"requested_language"`
	SpeakerDetection     SpeakerDetection     `db:"speaker_detection" json:"speaker_detection"`
	TimestampGranularity TimestampGranularity `db:"timestamp_granularity" json:"timestamp_granularity"`
	PIIDetection         bool                 `db:"pii_detection" json:"pii_detection"`
	RedactPIIAudio       bool                 `db:"redact_pii_audio" json:"redact_pii_audio"`
	PIIRedactionMode     *string              `db:"pii_redaction_mode" json:"pii_redaction_mode,omitempty"`
	RetentionDays        int                  `db:"retention_days" json:"retention_days"`
	AudioDuration        *float64             `db:"audio_duration" json:"audio_duration,omitempty"`
	AudioChannels        *int                 `db:"audio_channels" json:"audio_channels,omitempty"`
	SampleRate           *int                 `db:"sample_rate" json:"sample_rate,omitempty"`
	ProgressPercent      float64              `db:"progress_percent" json:"progress_percent"`
	CurrentStage         *string              `db:"current_stage" json:"current_stage,omitempty"`
	TranscriptURI        *string              `db:"transcript_uri" json:"transcript_uri,omitempty"`
	ResultLanguage       *string              `db:"result_language" json:"result_language,omitempty"`
	WordCount            *int                 `db:"word_count" json:"word_count,omitempty"`
	SegmentCount         *int                 `db:"segment_count" json:"segment_count,omitempty"`
	SpeakerCount         *int                 `db:"speaker_count" json:"speaker_count,omitempty"`
	Error                *string              `db:"error" json:"error,omitempty"`
	RetryCount           int                  `db:"retry_count" json:"retry_count"`
	RetentionSnapshot    JSONB                `db:"retention_snapshot" json:"retention_snapshot,omitempty"`
	PurgeAfter           *time.Time           `db:"purge_after" json:"purge_after,omitempty"`
	PurgedAt             *time.Time           `db:"purged_at" json:"purged_at,omitempty"`
	CreatedAt            time.Time            `db:"created_at" json:"created_at"`
	StartedAt            *time.Time           `db:"started_at" json:"started_at,omitempty"`
	CompletedAt          *time.Time           `db:"completed_at" json:"completed_at,omitempty"`
	RetriedAt            *time.Time           `db:"retried_at" json:"retried_at,omitempty"`
}

// TaskStatus enumerates the task lifecycle (spec §3.2).
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether status admits no further scheduler-driven transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped, TaskCancelled:
		return true
	default:
		return false
	}
}

// IsTerminalSuccess reports whether a downstream task may treat this as a
// satisfied dependency (spec §4.3 step 3).
func (s TaskStatus) IsTerminalSuccess() bool {
	return s == TaskCompleted || s == TaskSkipped
}

// Task is one DAG node dispatched to one engine (spec §3.2, §6.5). The
// UNIQUE(job_id, stage) constraint enforcing I1 lives in the schema.
type Task struct {
	ID            string     `db:"id" json:"id"`
	JobID         string     `db:"job_id" json:"job_id"`
	Stage         string     `db:"stage" json:"stage"`
	EngineID      *string    `db:"engine_id" json:"engine_id,omitempty"`
	Status        TaskStatus `db:"status" json:"status"`
	Attempt       int        `db:"attempt" json:"attempt"`
	MaxAttempts   int        `db:"max_attempts" json:"max_attempts"`
	LeaseHolder   *string    `db:"lease_holder" json:"lease_holder,omitempty"`
	LeaseDeadline *time.Time `db:"lease_deadline" json:"lease_deadline,omitempty"`
	Inputs        JSONB      `db:"inputs" json:"inputs,omitempty"`
	Outputs       JSONB      `db:"outputs" json:"outputs,omitempty"`
	DependsOn     JSONB      `db:"depends_on" json:"depends_on,omitempty"`
	Error         *string    `db:"error" json:"error,omitempty"`
	ErrorKind     *string    `db:"error_kind" json:"error_kind,omitempty"`
	Retryable     bool       `db:"retryable" json:"retryable"`
	TimeoutS      int        `db:"timeout_s" json:"timeout_s"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	ReadyAt       *time.Time `db:"ready_at" json:"ready_at,omitempty"`
	StartedAt     *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt   *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// ArtifactSensitivity labels how cautious downstream handling must be.
type ArtifactSensitivity string

const (
	SensitivityRawPII   ArtifactSensitivity = "raw_pii"
	SensitivityRedacted ArtifactSensitivity = "redacted"
	SensitivityMetadata ArtifactSensitivity = "metadata"
)

// Artifact is an immutable byte blob reference produced by one task and
// consumed by downstream tasks (spec §3.3, §6.5). URI is stable for the
// artifact's lifetime (I4); retries always write to a fresh URI.
type Artifact struct {
	ID           string              `db:"id" json:"id"`
	TenantID     string              `db:"tenant_id" json:"tenant_id"`
	OwnerType    string              `db:"owner_type" json:"owner_type"` // "job" or "session"
	OwnerID      string              `db:"owner_id" json:"owner_id"`
	ArtifactType string              `db:"artifact_type" json:"artifact_type"`
	URI          string              `db:"uri" json:"uri"`
	Sensitivity  ArtifactSensitivity `db:"sensitivity" json:"sensitivity"`
	Store        bool                `db:"store" json:"store"`
	TTLSeconds   *int                `db:"ttl_seconds" json:"ttl_seconds,omitempty"`
	SizeBytes    *int64              `db:"size_bytes" json:"size_bytes,omitempty"`
	CreatedAt    time.Time           `db:"created_at" json:"created_at"`
	AvailableAt  *time.Time          `db:"available_at" json:"available_at,omitempty"`
	PurgeAfter   *time.Time          `db:"purge_after" json:"purge_after,omitempty"`
	PurgedAt     *time.Time          `db:"purged_at" json:"purged_at,omitempty"`
}

// SessionStatus enumerates the real-time session lifecycle (spec §3.6).
type SessionStatus string

const (
	SessionActive      SessionStatus = "active"
	SessionCompleted    SessionStatus = "completed"
	SessionError        SessionStatus = "error"
	SessionInterrupted  SessionStatus = "interrupted"
)

// RealtimeSession is the durable record of one WebSocket streaming session
// (spec §3.6, §6.5). The live allocation counters live in the Session
// Router's Redis state, not here; this row is the audit/retention record.
type RealtimeSession struct {
	ID                   string        `db:"id" json:"id"`
	TenantID             string        `db:"tenant_id" json:"tenant_id"`
	Status               SessionStatus `db:"status" json:"status"`
	WorkerID             *string       `db:"worker_id" json:"worker_id,omitempty"`
	Language             string        `db:"language" json:"language"`
	Model                string        `db:"model" json:"model"`
	Encoding             string        `db:"encoding" json:"encoding"`
	SampleRate           int           `db:"sample_rate" json:"sample_rate"`
	AudioDurationSeconds float64       `db:"audio_duration_seconds" json:"audio_duration_seconds"`
	SegmentCount         int           `db:"segment_count" json:"segment_count"`
	WordCount            int           `db:"word_count" json:"word_count"`
	RetentionDays        int           `db:"retention_days" json:"retention_days"`
	PurgeAfter           *time.Time    `db:"purge_after" json:"purge_after,omitempty"`
	PurgedAt             *time.Time    `db:"purged_at" json:"purged_at,omitempty"`
	StartedAt            time.Time     `db:"started_at" json:"started_at"`
	EndedAt              *time.Time    `db:"ended_at" json:"ended_at,omitempty"`
}

// WebhookDeliveryStatus enumerates one delivery attempt's outcome.
type WebhookDeliveryStatus string

const (
	WebhookDeliveryPending   WebhookDeliveryStatus = "pending"
	WebhookDeliveryDelivered WebhookDeliveryStatus = "delivered"
	WebhookDeliveryFailed    WebhookDeliveryStatus = "failed"
)

// WebhookSubscription is a tenant-declared endpoint to notify on terminal
// job events (supplemented feature, SPEC_FULL.md §4.5). Signature
// verification of the delivered payload is out of scope (spec §1); Secret
// exists only so a future HMAC header could be added without a schema
// change.
type WebhookSubscription struct {
	ID                  string         `db:"id" json:"id"`
	TenantID            string         `db:"tenant_id" json:"tenant_id"`
	URL                 string         `db:"url" json:"url"`
	EventTypes          pq.StringArray `db:"event_types" json:"event_types"`
	Secret              *string        `db:"secret" json:"-"`
	Enabled             bool           `db:"enabled" json:"enabled"`
	ConsecutiveFailures int            `db:"consecutive_failures" json:"consecutive_failures"`
	DisabledAt          *time.Time     `db:"disabled_at" json:"disabled_at,omitempty"`
	CreatedAt           time.Time      `db:"created_at" json:"created_at"`
}

// WebhookDelivery is one attempt (or pending attempt) to notify a
// subscription of a single event. The UNIQUE(subscription_id, event_id)
// constraint makes re-processing the same outbox event after a crash a
// no-op insert rather than a duplicate delivery.
type WebhookDelivery struct {
	ID             string                `db:"id"`
	SubscriptionID string                `db:"subscription_id"`
	EventID        string                `db:"event_id"`
	EventType      string                `db:"event_type"`
	JobID          string                `db:"job_id"`
	Payload        JSONB                 `db:"payload"`
	Status         WebhookDeliveryStatus `db:"status"`
	Attempt        int                   `db:"attempt"`
	LastError      *string               `db:"last_error"`
	NextAttemptAt  time.Time             `db:"next_attempt_at"`
	DeliveredAt    *time.Time            `db:"delivered_at"`
	CreatedAt      time.Time             `db:"created_at"`
}

// AuditLogEntry is an append-only audit trail row (spec §6.5). The schema
// enforces append-only semantics with a database rule; this struct only
// ever participates in inserts and reads.
type AuditLogEntry struct {
	ID            int64     `db:"id"`
	Timestamp     time.Time `db:"timestamp"`
	CorrelationID *string   `db:"correlation_id"`
	TenantID      *string   `db:"tenant_id"`
	ActorType     string    `db:"actor_type"`
	ActorID       *string   `db:"actor_id"`
	Action        string    `db:"action"`
	ResourceType  string    `db:"resource_type"`
	ResourceID    string    `db:"resource_id"`
	Detail        JSONB     `db:"detail"`
	IPAddress     *string   `db:"ip_address"`
	UserAgent     *string   `db:"user_agent"`
}
