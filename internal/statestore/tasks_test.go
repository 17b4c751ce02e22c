package statestore

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/r3e-network/dalston/internal/platform/apierr"
)

func TestCreateTasks_UniqueViolationSurfacesAsInvariantViolation(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO tasks`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint \"tasks_job_stage_unique\""})

	_, err := s.CreateTasks(ctx, "job-1", []TaskSpec{{Stage: "transcribe"}})
	if err == nil {
		t.Fatal("expected a unique-violation error")
	}
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeInvariantViolation {
		t.Fatalf("expected CodeInvariantViolation, got %#v", err)
	}
	if apiErr.Details["job_id"] != "job-1" || apiErr.Details["stage"] != "transcribe" {
		t.Fatalf("expected job_id/stage details, got %#v", apiErr.Details)
	}
}

func TestLeaseTask_GuardsOnOwnershipAndDeadline(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE tasks SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.LeaseTask(ctx, "task-1", "engine-a", 5*time.Minute)
	if err != nil {
		t.Fatalf("LeaseTask: %v", err)
	}
	if !ok {
		t.Fatal("expected the lease to be acquired")
	}

	mock.ExpectExec(`UPDATE tasks SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = s.LeaseTask(ctx, "task-1", "engine-b", 5*time.Minute)
	if err != nil {
		t.Fatalf("LeaseTask: %v", err)
	}
	if ok {
		t.Fatal("expected a concurrent lease attempt to be rejected")
	}
}

func TestCompleteTask_DiscardsStaleLeaseHolder(t *testing.T) {
	s, _ := newMockStore(t)
	ctx := context.Background()

	holder := "engine-a"
	task := &Task{ID: "task-1", LeaseHolder: &holder, Status: TaskRunning}

	applied, err := s.CompleteTask(ctx, task, CompleteTaskParams{EngineInstanceID: "engine-b"})
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if applied {
		t.Fatal("expected a stale completer's report to be discarded")
	}
	if task.Status != TaskRunning {
		t.Fatalf("expected task status unchanged, got %s", task.Status)
	}
}

func TestCompleteTask_AppliesForCurrentLeaseHolder(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	holder := "engine-a"
	task := &Task{ID: "task-1", LeaseHolder: &holder, Status: TaskRunning}

	mock.ExpectExec(`UPDATE tasks SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	applied, err := s.CompleteTask(ctx, task, CompleteTaskParams{EngineInstanceID: "engine-a", Outputs: map[string]string{"transcript_uri": "s3://out"}})
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if !applied {
		t.Fatal("expected the current lease holder's completion to apply")
	}
	if task.Status != TaskCompleted {
		t.Fatalf("expected task completed, got %s", task.Status)
	}
}

func TestFailTask_DiscardsStaleLeaseHolder(t *testing.T) {
	s, _ := newMockStore(t)
	ctx := context.Background()

	holder := "engine-a"
	task := &Task{ID: "task-1", LeaseHolder: &holder, Status: TaskRunning, Attempt: 1, MaxAttempts: 3}

	status, applied, err := s.FailTask(ctx, task, FailTaskParams{EngineInstanceID: "engine-b", Retryable: true})
	if err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	if applied {
		t.Fatal("expected a stale failure report to be discarded")
	}
	if status != TaskRunning {
		t.Fatalf("expected unchanged status, got %s", status)
	}
}

func TestFailTask_RetriesWhenAttemptsRemain(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	holder := "engine-a"
	task := &Task{ID: "task-1", LeaseHolder: &holder, Status: TaskRunning, Attempt: 1, MaxAttempts: 3}

	mock.ExpectExec(`UPDATE tasks SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	status, applied, err := s.FailTask(ctx, task, FailTaskParams{EngineInstanceID: "engine-a", Retryable: true, ErrorKind: "engine_transient", ErrorMessage: "timeout"})
	if err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	if !applied || status != TaskReady {
		t.Fatalf("expected a retry to ready, got status=%s applied=%v", status, applied)
	}
}

func TestFailTask_PermanentWhenAttemptsExhausted(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	holder := "engine-a"
	task := &Task{ID: "task-1", LeaseHolder: &holder, Status: TaskRunning, Attempt: 3, MaxAttempts: 3}

	mock.ExpectExec(`UPDATE tasks SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	status, applied, err := s.FailTask(ctx, task, FailTaskParams{EngineInstanceID: "engine-a", Retryable: true, ErrorKind: "engine_transient", ErrorMessage: "timeout"})
	if err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	if !applied || status != TaskFailed {
		t.Fatalf("expected a permanent failure, got status=%s applied=%v", status, applied)
	}
}

func TestJobProgress_EmptyTaskList(t *testing.T) {
	percent, stage := JobProgress(nil)
	if percent != 0 || stage != nil {
		t.Fatalf("expected 0%%/nil stage for no tasks, got %v %v", percent, stage)
	}
}

func TestJobProgress_PartiallyTerminal(t *testing.T) {
	now := time.Now().UTC()
	tasks := []Task{
		{Stage: "prepare", Status: TaskCompleted, CreatedAt: now, CompletedAt: &now},
		{Stage: "transcribe", Status: TaskRunning, CreatedAt: now.Add(time.Second)},
		{Stage: "merge", Status: TaskPending, CreatedAt: now.Add(2 * time.Second)},
	}
	percent, stage := JobProgress(tasks)
	if percent < 33.0 || percent > 33.4 {
		t.Fatalf("expected ~33.3%%, got %v", percent)
	}
	if stage == nil || *stage != "transcribe" {
		t.Fatalf("expected current stage transcribe, got %v", stage)
	}
}

func TestJobProgress_AllTerminalReportsLastCompletedStage(t *testing.T) {
	now := time.Now().UTC()
	earlier := now.Add(-time.Minute)
	tasks := []Task{
		{Stage: "prepare", Status: TaskCompleted, CreatedAt: earlier, CompletedAt: &earlier},
		{Stage: "merge", Status: TaskCompleted, CreatedAt: now, CompletedAt: &now},
	}
	percent, stage := JobProgress(tasks)
	if percent != 100 {
		t.Fatalf("expected 100%%, got %v", percent)
	}
	if stage == nil || *stage != "merge" {
		t.Fatalf("expected merge as the last-completed stage, got %v", stage)
	}
}
