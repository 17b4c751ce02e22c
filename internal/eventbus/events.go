// Package eventbus is the Event Bus (C3): a durable, at-least-once stream
// of job/task lifecycle events, plus the per-engine-descriptor FIFO work
// queues the Scheduler dispatches tasks onto.
package eventbus

import (
	"encoding/json"
	"time"
)

// EventType enumerates the Scheduler's input/output event vocabulary
// (spec §6.2). New values are additive only.
type EventType string

const (
	EventJobCreated          EventType = "job.created"
	EventJobCancelRequested  EventType = "job.cancel_requested"
	EventJobCompleted        EventType = "job.completed"
	EventJobFailed           EventType = "job.failed"
	EventJobCancelled        EventType = "job.cancelled"
	EventTaskReady           EventType = "task.ready"
	EventTaskStarted         EventType = "task.started"
	EventTaskCompleted       EventType = "task.completed"
	EventTaskFailed          EventType = "task.failed"
	EventTaskCancelled       EventType = "task.cancelled"
	EventTaskHeartbeatExpired EventType = "task.heartbeat_expired"
)

// Event is the envelope every lifecycle event carries (spec §6.2).
type Event struct {
	EventID       string          `json:"event_id" db:"event_id"`
	EventType     EventType       `json:"event_type" db:"event_type"`
	JobID         string          `json:"job_id" db:"job_id"`
	Timestamp     time.Time       `json:"timestamp" db:"timestamp"`
	CorrelationID *string         `json:"correlation_id,omitempty" db:"correlation_id"`
	Payload       json.RawMessage `json:"payload" db:"payload"`
}

// TaskReadyPayload is the payload of an EventTaskReady event: enough for
// the Scheduler to push a queue message without re-reading the task row.
type TaskReadyPayload struct {
	TaskID   string `json:"task_id"`
	Stage    string `json:"stage"`
	EngineID string `json:"engine_id"`
}

// TaskCompletedPayload mirrors the engine result message's success shape
// (spec §6.4) for the event that announces it downstream.
type TaskCompletedPayload struct {
	TaskID  string `json:"task_id"`
	Attempt int    `json:"attempt"`
}

// TaskFailedPayload mirrors the engine result message's failure shape.
type TaskFailedPayload struct {
	TaskID       string `json:"task_id"`
	Attempt      int    `json:"attempt"`
	ErrorKind    string `json:"error_kind"`
	ErrorMessage string `json:"error_message"`
	Retryable    bool   `json:"retryable"`
}

// JobCancelRequestedPayload carries the operator-supplied reason for a
// cancel request.
type JobCancelRequestedPayload struct {
	Reason string `json:"reason,omitempty"`
}
