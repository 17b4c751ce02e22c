package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/dalston/internal/catalog"
	"github.com/r3e-network/dalston/internal/dag"
	"github.com/r3e-network/dalston/internal/eventbus"
	"github.com/r3e-network/dalston/internal/platform/apierr"
	"github.com/r3e-network/dalston/internal/statestore"
)

func newMockStore(t *testing.T) (*statestore.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return statestore.NewWithDB(sqlx.NewDb(db, "postgres")), mock
}

var jobColumnNames = []string{
	"id", "tenant_id", "correlation_id", "status", "source_uri", "requested_model",
	"requested_language", "speaker_detection", "timestamp_granularity", "pii_detection",
	"redact_pii_audio", "pii_redaction_mode", "retention_days", "audio_duration",
	"audio_channels", "sample_rate", "progress_percent", "current_stage", "transcript_uri",
	"result_language", "word_count", "segment_count", "speaker_count", "error", "retry_count",
	"retention_snapshot", "purge_after", "purged_at", "created_at", "started_at",
	"completed_at", "retried_at",
}

var taskColumnNames = []string{
	"id", "job_id", "stage", "engine_id", "status", "attempt", "max_attempts",
	"lease_holder", "lease_deadline", "inputs", "outputs", "depends_on", "error", "error_kind",
	"retryable", "timeout_s", "created_at", "ready_at", "started_at", "completed_at",
}

func jobRow(id string, status statestore.JobStatus, createdAt time.Time) []interface{} {
	return []interface{}{
		id, "tenant-1", nil, string(status), "s3://bucket/audio.wav", "fast",
		"en", string(statestore.SpeakerDetectionNone), string(statestore.TimestampSegment), false,
		false, nil, 30, nil,
		nil, nil, 0.0, nil, nil,
		nil, nil, nil, nil, nil, 0,
		nil, nil, nil, createdAt, nil,
		nil, nil,
	}
}

func taskRow(id, jobID, stage string, engineID *string, status statestore.TaskStatus, dependsOn []string, outputs interface{}, createdAt time.Time) []interface{} {
	dependsOnJSON, _ := json.Marshal(dependsOn)
	var outputsJSON []byte
	if outputs != nil {
		outputsJSON, _ = json.Marshal(outputs)
	}
	return []interface{}{
		id, jobID, stage, engineID, string(status), 0, 3,
		nil, nil, nil, outputsJSON, dependsOnJSON, nil, nil,
		false, 60, createdAt, nil, nil, nil,
	}
}

// stubBus is a recording double for the Scheduler's eventBus dependency.
type stubBus struct {
	published []eventbus.Event
}

func (b *stubBus) Publish(ctx context.Context, eventType eventbus.EventType, jobID string, correlationID *string, payload interface{}) error {
	data, _ := json.Marshal(payload)
	b.published = append(b.published, eventbus.Event{EventType: eventType, JobID: jobID, CorrelationID: correlationID, Payload: data})
	return nil
}

func (b *stubBus) Subscribe(h eventbus.Handler) {}

func (b *stubBus) has(eventType eventbus.EventType) bool {
	for _, e := range b.published {
		if e.EventType == eventType {
			return true
		}
	}
	return false
}

// stubQueues is a recording double for the Scheduler's engineQueues dependency.
type stubQueues struct {
	enqueued []eventbus.QueueMessage
}

func (q *stubQueues) Enqueue(ctx context.Context, msg eventbus.QueueMessage) error {
	q.enqueued = append(q.enqueued, msg)
	return nil
}

func newTestScheduler(store *statestore.Store) (*Scheduler, *stubBus, *stubQueues) {
	sel := dag.New(engineSelectorStub{}, dag.PolicyWait)
	bus := &stubBus{}
	queues := &stubQueues{}
	s := &Scheduler{store: store, builder: sel, bus: bus, queues: queues}
	return s, bus, queues
}

type engineSelectorStub struct{}

func (engineSelectorStub) Select(ctx context.Context, stage, language string, required []string) (catalog.EngineDescriptor, bool, error) {
	return catalog.EngineDescriptor{ID: "generic-engine", RTFCPU: 0.5}, true, nil
}

func TestSubmit_PersistsJobAndPublishesJobCreated(t *testing.T) {
	store, mock := newMockStore(t)
	s, bus, _ := newTestScheduler(store)

	mock.ExpectExec(`INSERT INTO jobs`).WillReturnResult(sqlmock.NewResult(1, 1))

	job, err := s.Submit(context.Background(), statestore.CreateJobParams{
		TenantID:  "tenant-1",
		SourceURI: "s3://bucket/audio.wav",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != statestore.JobPending {
		t.Fatalf("expected a freshly submitted job to be pending, got %s", job.Status)
	}
	if !bus.has(eventbus.EventJobCreated) {
		t.Fatal("expected job.created to be published")
	}
}

func TestCancel_RejectsAlreadyTerminalJob(t *testing.T) {
	store, mock := newMockStore(t)
	s, _, _ := newTestScheduler(store)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(jobRow("job-1", statestore.JobCompleted, time.Now().UTC())...))
	mock.ExpectRollback()

	err := s.Cancel(context.Background(), "job-1", "operator request")
	if err == nil {
		t.Fatal("expected an error cancelling an already-terminal job")
	}
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeAlreadyTerminal {
		t.Fatalf("expected CodeAlreadyTerminal, got %#v", err)
	}
}

func TestCancel_TransitionsToCancellingAndPublishes(t *testing.T) {
	store, mock := newMockStore(t)
	s, bus, _ := newTestScheduler(store)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(jobRow("job-1", statestore.JobRunning, time.Now().UTC())...))
	mock.ExpectExec(`UPDATE jobs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.Cancel(context.Background(), "job-1", "operator request"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !bus.has(eventbus.EventJobCancelRequested) {
		t.Fatal("expected job.cancel_requested to be published")
	}
}

func TestHandleJobCreated_BuildsPersistsAndEnqueuesSourceTasks(t *testing.T) {
	store, mock := newMockStore(t)
	s, bus, queues := newTestScheduler(store)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(jobRow("job-1", statestore.JobPending, now)...))
	mock.ExpectQuery(`SELECT .* FROM tasks WHERE job_id = \$1`).
		WillReturnRows(sqlmock.NewRows(taskColumnNames)) // no existing tasks
	mock.ExpectExec(`INSERT INTO tasks`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO tasks`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO tasks`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE tasks SET status = \$1, ready_at = \$2 WHERE id = ANY`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE jobs SET`).WillReturnResult(sqlmock.NewResult(0, 1)) // TransitionJobStatus -> running
	mock.ExpectExec(`UPDATE jobs SET`).WillReturnResult(sqlmock.NewResult(0, 1)) // UpdateJobProgress
	mock.ExpectCommit()

	event := eventbus.Event{EventType: eventbus.EventJobCreated, JobID: "job-1"}
	if err := s.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent(job.created): %v", err)
	}

	if len(queues.enqueued) != 1 {
		t.Fatalf("expected exactly the source (prepare) task to be enqueued, got %d", len(queues.enqueued))
	}
	if queues.enqueued[0].Stage != "prepare" {
		t.Fatalf("expected prepare to be the task enqueued first, got %s", queues.enqueued[0].Stage)
	}
	if !bus.has(eventbus.EventTaskReady) {
		t.Fatal("expected task.ready to be published")
	}
}

func TestHandleJobCreated_SkipsWhenJobAlreadyScheduled(t *testing.T) {
	store, mock := newMockStore(t)
	s, bus, queues := newTestScheduler(store)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(jobRow("job-1", statestore.JobRunning, time.Now().UTC())...))
	mock.ExpectCommit()

	event := eventbus.Event{EventType: eventbus.EventJobCreated, JobID: "job-1"}
	if err := s.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent(job.created): %v", err)
	}
	if len(queues.enqueued) != 0 || len(bus.published) != 0 {
		t.Fatal("expected a redelivered job.created for an already-running job to be a no-op")
	}
}

func TestHandleTaskCompleted_EnqueuesNewlyReadyDownstreamTask(t *testing.T) {
	store, mock := newMockStore(t)
	s, _, queues := newTestScheduler(store)
	now := time.Now().UTC()
	engineID := "generic-engine"

	prepareOutputs := []eventbus.QueueMessageInput{{Type: "audio", URI: "s3://bucket/prepared.wav"}}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(jobRow("job-1", statestore.JobRunning, now)...))
	mock.ExpectQuery(`SELECT .* FROM tasks WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(taskColumnNames).AddRow(
			taskRow("task-prepare", "job-1", "prepare", &engineID, statestore.TaskCompleted, nil, prepareOutputs, now)...))
	mock.ExpectQuery(`SELECT .* FROM tasks WHERE job_id = \$1`).
		WillReturnRows(sqlmock.NewRows(taskColumnNames).
			AddRow(taskRow("task-prepare", "job-1", "prepare", &engineID, statestore.TaskCompleted, nil, prepareOutputs, now)...).
			AddRow(taskRow("task-transcribe", "job-1", "transcribe", &engineID, statestore.TaskPending, []string{"prepare"}, nil, now)...))
	mock.ExpectExec(`UPDATE tasks SET status = \$1, ready_at = \$2 WHERE id = ANY`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .* FROM tasks WHERE job_id = \$1`).
		WillReturnRows(sqlmock.NewRows(taskColumnNames).
			AddRow(taskRow("task-prepare", "job-1", "prepare", &engineID, statestore.TaskCompleted, nil, prepareOutputs, now)...).
			AddRow(taskRow("task-transcribe", "job-1", "transcribe", &engineID, statestore.TaskReady, []string{"prepare"}, nil, now)...))
	mock.ExpectExec(`UPDATE jobs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	payload, _ := json.Marshal(eventbus.TaskCompletedPayload{TaskID: "task-prepare"})
	event := eventbus.Event{EventType: eventbus.EventTaskCompleted, JobID: "job-1", Payload: payload}
	if err := s.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent(task.completed): %v", err)
	}

	if len(queues.enqueued) != 1 {
		t.Fatalf("expected the now-ready transcribe task to be enqueued, got %d", len(queues.enqueued))
	}
	msg := queues.enqueued[0]
	if msg.Stage != "transcribe" {
		t.Fatalf("expected transcribe to be enqueued, got %s", msg.Stage)
	}
	if len(msg.Inputs) != 1 || msg.Inputs[0].URI != "s3://bucket/prepared.wav" {
		t.Fatalf("expected transcribe's inputs to carry prepare's output descriptor, got %#v", msg.Inputs)
	}
}

func TestHandleTaskCompleted_FinalizesJobWhenMergeCompletes(t *testing.T) {
	store, mock := newMockStore(t)
	s, bus, _ := newTestScheduler(store)
	now := time.Now().UTC()
	engineID := "generic-engine"

	mergeOutputs := []eventbus.QueueMessageInput{{Type: "transcript", URI: "s3://bucket/transcript.json"}}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(jobRow("job-1", statestore.JobRunning, now)...))
	mock.ExpectQuery(`SELECT .* FROM tasks WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(taskColumnNames).AddRow(
			taskRow("task-merge", "job-1", "merge", &engineID, statestore.TaskCompleted, []string{"transcribe"}, mergeOutputs, now)...))
	mock.ExpectQuery(`SELECT .* FROM tasks WHERE job_id = \$1`).
		WillReturnRows(sqlmock.NewRows(taskColumnNames).AddRow(
			taskRow("task-merge", "job-1", "merge", &engineID, statestore.TaskCompleted, []string{"transcribe"}, mergeOutputs, now)...))
	mock.ExpectExec(`UPDATE jobs SET`).WillReturnResult(sqlmock.NewResult(0, 1)) // CompleteJob -> TransitionJobStatus
	mock.ExpectExec(`UPDATE jobs SET`).WillReturnResult(sqlmock.NewResult(0, 1)) // CompleteJob -> result fields
	mock.ExpectExec(`UPDATE jobs SET`).WillReturnResult(sqlmock.NewResult(0, 1)) // UpdateJobProgress
	mock.ExpectCommit()

	payload, _ := json.Marshal(eventbus.TaskCompletedPayload{TaskID: "task-merge"})
	event := eventbus.Event{EventType: eventbus.EventTaskCompleted, JobID: "job-1", Payload: payload}
	if err := s.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent(task.completed on merge): %v", err)
	}
	if !bus.has(eventbus.EventJobCompleted) {
		t.Fatal("expected job.completed to be published once merge finishes")
	}
}

func TestHandleTaskFailed_ReEnqueuesOnRetry(t *testing.T) {
	store, mock := newMockStore(t)
	s, _, queues := newTestScheduler(store)
	now := time.Now().UTC()
	engineID := "generic-engine"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(jobRow("job-1", statestore.JobRunning, now)...))
	mock.ExpectQuery(`SELECT .* FROM tasks WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(taskColumnNames).AddRow(
			taskRow("task-transcribe", "job-1", "transcribe", &engineID, statestore.TaskReady, []string{"prepare"}, nil, now)...))
	mock.ExpectQuery(`SELECT .* FROM tasks WHERE job_id = \$1`).
		WillReturnRows(sqlmock.NewRows(taskColumnNames).AddRow(
			taskRow("task-prepare", "job-1", "prepare", &engineID, statestore.TaskCompleted, nil,
				[]eventbus.QueueMessageInput{{Type: "audio", URI: "s3://bucket/prepared.wav"}}, now)...))
	mock.ExpectCommit()

	payload, _ := json.Marshal(eventbus.TaskFailedPayload{TaskID: "task-transcribe", ErrorKind: "engine_transient", Retryable: true})
	event := eventbus.Event{EventType: eventbus.EventTaskFailed, JobID: "job-1", Payload: payload}
	if err := s.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent(task.failed, retryable): %v", err)
	}
	if len(queues.enqueued) != 1 {
		t.Fatalf("expected the retried task to be re-enqueued, got %d", len(queues.enqueued))
	}
}

func TestHandleTaskFailed_CascadeCancelsJobWhenExhausted(t *testing.T) {
	store, mock := newMockStore(t)
	s, bus, _ := newTestScheduler(store)
	now := time.Now().UTC()
	engineID := "generic-engine"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(jobRow("job-1", statestore.JobRunning, now)...))
	mock.ExpectQuery(`SELECT .* FROM tasks WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(taskColumnNames).AddRow(
			taskRow("task-transcribe", "job-1", "transcribe", &engineID, statestore.TaskFailed, []string{"prepare"}, nil, now)...))
	mock.ExpectExec(`UPDATE tasks SET status = \$1 WHERE job_id = \$2 AND status IN`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .* FROM tasks WHERE job_id = \$1 AND status = \$2`).
		WillReturnRows(sqlmock.NewRows(taskColumnNames)) // no running tasks
	mock.ExpectExec(`UPDATE jobs SET`).WillReturnResult(sqlmock.NewResult(0, 1)) // FailJob -> TransitionJobStatus
	mock.ExpectExec(`UPDATE jobs SET`).WillReturnResult(sqlmock.NewResult(0, 1)) // FailJob -> error field
	mock.ExpectCommit()

	payload, _ := json.Marshal(eventbus.TaskFailedPayload{TaskID: "task-transcribe", ErrorKind: "engine_permanent", Retryable: false})
	event := eventbus.Event{EventType: eventbus.EventTaskFailed, JobID: "job-1", Payload: payload}
	if err := s.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent(task.failed, exhausted): %v", err)
	}
	if !bus.has(eventbus.EventJobFailed) {
		t.Fatal("expected job.failed to be published once retries are exhausted")
	}
}

func TestHandleCancelRequested_CascadeCancelsAndFinalizesWhenAllTerminal(t *testing.T) {
	store, mock := newMockStore(t)
	s, bus, _ := newTestScheduler(store)
	now := time.Now().UTC()
	engineID := "generic-engine"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(jobRow("job-1", statestore.JobCancelling, now)...))
	mock.ExpectExec(`UPDATE tasks SET status = \$1 WHERE job_id = \$2 AND status IN`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .* FROM tasks WHERE job_id = \$1 AND status = \$2`).
		WillReturnRows(sqlmock.NewRows(taskColumnNames)) // nothing still running
	mock.ExpectQuery(`SELECT .* FROM tasks WHERE job_id = \$1`).
		WillReturnRows(sqlmock.NewRows(taskColumnNames).AddRow(
			taskRow("task-prepare", "job-1", "prepare", &engineID, statestore.TaskCancelled, nil, nil, now)...))
	mock.ExpectExec(`UPDATE jobs SET`).WillReturnResult(sqlmock.NewResult(0, 1)) // CancelJob -> TransitionJobStatus
	mock.ExpectExec(`UPDATE jobs SET`).WillReturnResult(sqlmock.NewResult(0, 1)) // CancelJob -> error field
	mock.ExpectCommit()

	event := eventbus.Event{EventType: eventbus.EventJobCancelRequested, JobID: "job-1"}
	if err := s.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent(job.cancel_requested): %v", err)
	}
	if !bus.has(eventbus.EventJobCancelled) {
		t.Fatal("expected job.cancelled once every task reaches a terminal status")
	}
}

func TestHandleTaskCancelled_FinalizesCancellingJobOnceLastTaskSettles(t *testing.T) {
	store, mock := newMockStore(t)
	s, bus, _ := newTestScheduler(store)
	now := time.Now().UTC()
	engineID := "generic-engine"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM tasks WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(taskColumnNames).AddRow(
			taskRow("task-transcribe", "job-1", "transcribe", &engineID, statestore.TaskCancelled, nil, nil, now)...))
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(jobRow("job-1", statestore.JobCancelling, now)...))
	mock.ExpectQuery(`SELECT .* FROM tasks WHERE job_id = \$1`).
		WillReturnRows(sqlmock.NewRows(taskColumnNames).AddRow(
			taskRow("task-transcribe", "job-1", "transcribe", &engineID, statestore.TaskCancelled, nil, nil, now)...))
	mock.ExpectExec(`UPDATE jobs SET`).WillReturnResult(sqlmock.NewResult(0, 1)) // CancelJob -> TransitionJobStatus
	mock.ExpectExec(`UPDATE jobs SET`).WillReturnResult(sqlmock.NewResult(0, 1)) // CancelJob -> error field
	mock.ExpectCommit()

	// event.JobID actually carries the task ID here, matching pushCancelToken's convention.
	event := eventbus.Event{EventType: eventbus.EventTaskCancelled, JobID: "task-transcribe"}
	if err := s.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent(task.cancelled): %v", err)
	}
	if !bus.has(eventbus.EventJobCancelled) {
		t.Fatal("expected job.cancelled once the last outstanding task finishes cancelling")
	}
}

func TestHandleTaskCancelled_IgnoresTaskOfNonCancellingJob(t *testing.T) {
	store, mock := newMockStore(t)
	s, bus, _ := newTestScheduler(store)
	now := time.Now().UTC()
	engineID := "generic-engine"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM tasks WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(taskColumnNames).AddRow(
			taskRow("task-transcribe", "job-1", "transcribe", &engineID, statestore.TaskCancelled, nil, nil, now)...))
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(jobRow("job-1", statestore.JobRunning, now)...))
	mock.ExpectCommit()

	event := eventbus.Event{EventType: eventbus.EventTaskCancelled, JobID: "task-transcribe"}
	if err := s.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent(task.cancelled): %v", err)
	}
	if bus.has(eventbus.EventJobCancelled) {
		t.Fatal("a running job's own task transitions should never trigger job.cancelled")
	}
}

func TestReadyDownstreamTasks_RequiresAllDependenciesTerminalSuccess(t *testing.T) {
	tasks := []statestore.Task{
		{ID: "a", Stage: "prepare", Status: statestore.TaskCompleted},
		{ID: "b", Stage: "transcribe", Status: statestore.TaskPending, DependsOn: mustJSON([]string{"prepare"})},
		{ID: "c", Stage: "diarize", Status: statestore.TaskPending, DependsOn: mustJSON([]string{"prepare"})},
		{ID: "d", Stage: "merge", Status: statestore.TaskPending, DependsOn: mustJSON([]string{"transcribe", "diarize"})},
	}
	ready := readyDownstreamTasks(tasks)
	if len(ready) != 2 {
		t.Fatalf("expected transcribe and diarize to be ready, got %d: %#v", len(ready), ready)
	}
	for _, r := range ready {
		if r.Stage == "merge" {
			t.Fatal("merge should not be ready until both transcribe and diarize complete")
		}
	}
}

func TestTasksWithNoDependencies_ReturnsOnlySources(t *testing.T) {
	tasks := []statestore.Task{
		{ID: "a", Stage: "prepare"},
		{ID: "b", Stage: "transcribe", DependsOn: mustJSON([]string{"prepare"})},
	}
	sources := tasksWithNoDependencies(tasks)
	if len(sources) != 1 || sources[0].Stage != "prepare" {
		t.Fatalf("expected only prepare to be a source task, got %#v", sources)
	}
}

func TestRetryJob_ResetsTasksAndReEnqueuesSourceStage(t *testing.T) {
	store, mock := newMockStore(t)
	s, _, queues := newTestScheduler(store)
	now := time.Now().UTC()
	engineID := "generic-engine"

	failedJob := jobRow("job-1", statestore.JobFailed, now)
	failedJob[24] = 1 // retry_count

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(failedJob...))
	mock.ExpectExec(`UPDATE jobs SET`).WillReturnResult(sqlmock.NewResult(0, 1)) // RetryJob
	mock.ExpectExec(`UPDATE tasks SET status = \$1, attempt = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 1)) // ResetTasksForRetry
	mock.ExpectQuery(`SELECT .* FROM tasks WHERE job_id = \$1`).
		WillReturnRows(sqlmock.NewRows(taskColumnNames).AddRow(
			taskRow("task-prepare", "job-1", "prepare", &engineID, statestore.TaskPending, nil, nil, now)...))
	mock.ExpectExec(`UPDATE tasks SET status = \$1, ready_at = \$2 WHERE id = ANY`).
		WillReturnResult(sqlmock.NewResult(0, 1)) // MarkTasksReady
	mock.ExpectExec(`UPDATE jobs SET`).WillReturnResult(sqlmock.NewResult(0, 1)) // UpdateJobProgress
	mock.ExpectCommit()

	job, err := s.RetryJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	if job.Status != statestore.JobRunning {
		t.Fatalf("status = %s, want running", job.Status)
	}
	if len(queues.enqueued) != 1 || queues.enqueued[0].Stage != "prepare" {
		t.Fatalf("expected the reset prepare task to be re-enqueued, got %#v", queues.enqueued)
	}
}

func mustJSON(v interface{}) statestore.JSONB {
	data, err := statestore.MarshalJSONB(v)
	if err != nil {
		panic(err)
	}
	return data
}
