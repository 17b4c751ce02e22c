package statestore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/dalston/internal/platform/apierr"
)

const taskColumns = `id, job_id, stage, engine_id, status, attempt, max_attempts,
	lease_holder, lease_deadline, inputs, outputs, depends_on, error, error_kind,
	retryable, timeout_s, created_at, ready_at, started_at, completed_at`

// TaskSpec is one DAG Builder output node, persisted by CreateTasks.
type TaskSpec struct {
	Stage       string
	EngineID    *string
	DependsOn   []string
	Inputs      interface{}
	TimeoutS    int
	MaxAttempts int
}

// CreateTasks bulk-inserts the DAG Builder's plan for a job. Relies on I1:
// the UNIQUE(job_id, stage) constraint. On a unique-constraint violation the
// caller (Scheduler) is the race loser and must re-read the persisted graph
// with ListTasksForJob instead of retrying the insert (spec §4.3 step 2).
func (s *Store) CreateTasks(ctx context.Context, jobID string, specs []TaskSpec) ([]Task, error) {
	tasks := make([]Task, 0, len(specs))
	now := time.Now().UTC()

	for _, spec := range specs {
		dependsOn, err := MarshalJSONB(spec.DependsOn)
		if err != nil {
			return nil, apierr.InvariantViolation("marshal task depends_on", err)
		}
		inputs, err := MarshalJSONB(spec.Inputs)
		if err != nil {
			return nil, apierr.InvariantViolation("marshal task inputs", err)
		}
		maxAttempts := spec.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 3
		}

		task := Task{
			ID:          uuid.NewString(),
			JobID:       jobID,
			Stage:       spec.Stage,
			EngineID:    spec.EngineID,
			Status:      TaskPending,
			Attempt:     0,
			MaxAttempts: maxAttempts,
			Inputs:      inputs,
			DependsOn:   dependsOn,
			TimeoutS:    spec.TimeoutS,
			CreatedAt:   now,
		}

		const query = `
			INSERT INTO tasks (id, job_id, stage, engine_id, status, attempt,
				max_attempts, inputs, depends_on, timeout_s, created_at)
			VALUES (:id, :job_id, :stage, :engine_id, :status, :attempt,
				:max_attempts, :inputs, :depends_on, :timeout_s, :created_at)`

		if err := sqlxNamedExec(ctx, s.ext(ctx), query, task); err != nil {
			if isUniqueViolation(err) {
				return nil, apierr.InvariantViolation("duplicate (job_id, stage) task row", err).
					WithDetails("job_id", jobID).WithDetails("stage", spec.Stage)
			}
			return nil, apierr.TransientIO("statestore.create_tasks", err)
		}
		tasks = append(tasks, task)
	}

	return tasks, nil
}

// ListTasksForJob returns every task for a job, stage order undefined —
// callers reconstruct the DAG from DependsOn.
func (s *Store) ListTasksForJob(ctx context.Context, jobID string) ([]Task, error) {
	var tasks []Task
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE job_id = $1`
	if err := sqlxSelect(ctx, s.ext(ctx), &tasks, query, jobID); err != nil {
		return nil, apierr.TransientIO("statestore.list_tasks_for_job", err)
	}
	return tasks, nil
}

// GetTaskForUpdate loads a task row with a row lock, for use inside a
// transaction that also holds the parent job's lock.
func (s *Store) GetTaskForUpdate(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1 FOR UPDATE`
	if err := sqlxGet(ctx, s.ext(ctx), &task, query, taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.NotFound("task", taskID)
		}
		return nil, apierr.TransientIO("statestore.get_task_for_update", err)
	}
	return &task, nil
}

// MarkTasksReady promotes the named tasks to ready (all their dependencies
// are now terminal-success) and stamps ready_at. Only tasks still pending
// are changed; the updated rows are not returned.
func (s *Store) MarkTasksReady(ctx context.Context, taskIDs []string) error {
	if len(taskIDs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	query := `UPDATE tasks SET status = $1, ready_at = $2 WHERE id = ANY($3) AND status = $4`
	ext := s.ext(ctx)
	if _, err := ext.ExecContext(ctx, ext.Rebind(query), TaskReady, now, pqStringArray(taskIDs), TaskPending); err != nil {
		return apierr.TransientIO("statestore.mark_tasks_ready", err)
	}
	return nil
}

// LeaseTask acquires or renews a lease for an engine instance attempting to
// run task (I2: at most one live lease holder at a time). Returns false if
// the task is not in a leaseable state or is already leased by someone else.
func (s *Store) LeaseTask(ctx context.Context, taskID, engineInstanceID string, leaseTTL time.Duration) (bool, error) {
	deadline := time.Now().UTC().Add(leaseTTL)
	query := `
		UPDATE tasks SET status = $1, lease_holder = $2, lease_deadline = $3,
			attempt = attempt + 1, started_at = COALESCE(started_at, $4)
		WHERE id = $5 AND status IN ($6, $1)
			AND (lease_holder IS NULL OR lease_holder = $2 OR lease_deadline < $4)`
	ext := s.ext(ctx)
	now := time.Now().UTC()
	res, err := ext.ExecContext(ctx, ext.Rebind(query),
		TaskRunning, engineInstanceID, deadline, now, taskID, TaskReady)
	if err != nil {
		return false, apierr.TransientIO("statestore.lease_task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apierr.TransientIO("statestore.lease_task.rows_affected", err)
	}
	return n > 0, nil
}

// ExtendLease renews an already-held lease (spec §4.5 step 7 heartbeat).
func (s *Store) ExtendLease(ctx context.Context, taskID, engineInstanceID string, leaseTTL time.Duration) (bool, error) {
	deadline := time.Now().UTC().Add(leaseTTL)
	query := `UPDATE tasks SET lease_deadline = $1 WHERE id = $2 AND lease_holder = $3 AND status = $4`
	ext := s.ext(ctx)
	res, err := ext.ExecContext(ctx, ext.Rebind(query), deadline, taskID, engineInstanceID, TaskRunning)
	if err != nil {
		return false, apierr.TransientIO("statestore.extend_lease", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CompleteTaskParams carries the engine's result message (spec §6.4) into a
// task-completion transition.
type CompleteTaskParams struct {
	EngineInstanceID string
	Outputs          interface{}
	// Skipped marks the task TaskSkipped instead of TaskCompleted: the stage
	// function determined its work was a no-op (e.g. audio_redact finding no
	// PII to redact, spec §4.2's "may be skipped... without failing the
	// job"). IsTerminalSuccess treats the two identically for dependency
	// satisfaction.
	Skipped bool
}

// CompleteTask marks a task completed (or skipped) if the caller still owns
// its lease (stale/duplicate deliveries are silently discarded per L2).
// Writes output descriptors atomically with the status change (I4).
func (s *Store) CompleteTask(ctx context.Context, task *Task, params CompleteTaskParams) (bool, error) {
	if task.LeaseHolder == nil || *task.LeaseHolder != params.EngineInstanceID {
		return false, nil // stale completer, discard per spec §4.3 step 3
	}
	outputs, err := MarshalJSONB(params.Outputs)
	if err != nil {
		return false, apierr.InvariantViolation("marshal task outputs", err)
	}
	status := TaskCompleted
	if params.Skipped {
		status = TaskSkipped
	}
	now := time.Now().UTC()
	query := `
		UPDATE tasks SET status = $1, outputs = $2, completed_at = $3,
			lease_holder = NULL, lease_deadline = NULL
		WHERE id = $4 AND lease_holder = $5`
	ext := s.ext(ctx)
	res, err := ext.ExecContext(ctx, ext.Rebind(query), status, outputs, now, task.ID, params.EngineInstanceID)
	if err != nil {
		return false, apierr.TransientIO("statestore.complete_task", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	task.Status = status
	task.Outputs = outputs
	task.CompletedAt = &now
	task.LeaseHolder = nil
	task.LeaseDeadline = nil
	return true, nil
}

// FailTaskParams carries the engine's failure result message (spec §6.4).
type FailTaskParams struct {
	EngineInstanceID string
	ErrorKind        string
	ErrorMessage     string
	Retryable        bool
}

// FailTask records a task failure from the lease holder. Returns the
// updated status (TaskFailed if attempts are exhausted or the failure is
// not retryable, TaskReady otherwise) so the Scheduler's retry policy (spec
// §4.3 "Retry policy") can decide whether to cascade a job failure.
func (s *Store) FailTask(ctx context.Context, task *Task, params FailTaskParams) (TaskStatus, bool, error) {
	if task.LeaseHolder == nil || *task.LeaseHolder != params.EngineInstanceID {
		return task.Status, false, nil
	}

	willRetry := params.Retryable && task.Attempt < task.MaxAttempts
	newStatus := TaskFailed
	now := time.Now().UTC()

	ext := s.ext(ctx)
	var err error
	var res sql.Result
	if willRetry {
		newStatus = TaskReady
		query := `
			UPDATE tasks SET status = $1, error = $2, error_kind = $3, retryable = $4,
				lease_holder = NULL, lease_deadline = NULL, ready_at = $5
			WHERE id = $6 AND lease_holder = $7`
		res, err = ext.ExecContext(ctx, ext.Rebind(query), newStatus, params.ErrorMessage, params.ErrorKind, params.Retryable, now, task.ID, params.EngineInstanceID)
	} else {
		query := `
			UPDATE tasks SET status = $1, error = $2, error_kind = $3, retryable = $4,
				lease_holder = NULL, lease_deadline = NULL, completed_at = $5
			WHERE id = $6 AND lease_holder = $7`
		res, err = ext.ExecContext(ctx, ext.Rebind(query), newStatus, params.ErrorMessage, params.ErrorKind, params.Retryable, now, task.ID, params.EngineInstanceID)
	}
	if err != nil {
		return task.Status, false, apierr.TransientIO("statestore.fail_task", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return task.Status, false, nil
	}

	task.Status = newStatus
	errMsg := params.ErrorMessage
	task.Error = &errMsg
	task.Retryable = params.Retryable
	task.LeaseHolder = nil
	task.LeaseDeadline = nil
	return newStatus, true, nil
}

// CancelLeasedTask marks a currently running task cancelled from the lease
// holder's side (spec §4.5 step 8: the engine observed its cancel token and
// aborted cleanly). Stale/duplicate callers are discarded the same way
// CompleteTask and FailTask discard them.
func (s *Store) CancelLeasedTask(ctx context.Context, task *Task, engineInstanceID string) (bool, error) {
	if task.LeaseHolder == nil || *task.LeaseHolder != engineInstanceID {
		return false, nil
	}
	now := time.Now().UTC()
	query := `
		UPDATE tasks SET status = $1, completed_at = $2, lease_holder = NULL, lease_deadline = NULL
		WHERE id = $3 AND lease_holder = $4`
	ext := s.ext(ctx)
	res, err := ext.ExecContext(ctx, ext.Rebind(query), TaskCancelled, now, task.ID, engineInstanceID)
	if err != nil {
		return false, apierr.TransientIO("statestore.cancel_leased_task", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RestoreExpiredLease reverts a task whose lease expired without completion
// back to ready for re-enqueue (spec §4.3 step 5, "task.heartbeat_expired").
func (s *Store) RestoreExpiredLease(ctx context.Context, taskID string) (bool, error) {
	now := time.Now().UTC()
	query := `
		UPDATE tasks SET status = $1, lease_holder = NULL, lease_deadline = NULL, ready_at = $2
		WHERE id = $3 AND status = $4 AND lease_deadline < $2`
	ext := s.ext(ctx)
	res, err := ext.ExecContext(ctx, ext.Rebind(query), TaskReady, now, taskID, TaskRunning)
	if err != nil {
		return false, apierr.TransientIO("statestore.restore_expired_lease", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListExpiredLeases finds tasks whose lease deadline has passed, for the
// Scheduler's periodic sweep.
func (s *Store) ListExpiredLeases(ctx context.Context, limit int) ([]Task, error) {
	var tasks []Task
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = $1 AND lease_deadline < $2 LIMIT $3`
	if err := sqlxSelect(ctx, s.ext(ctx), &tasks, query, TaskRunning, time.Now().UTC(), limit); err != nil {
		return nil, apierr.TransientIO("statestore.list_expired_leases", err)
	}
	return tasks, nil
}

// CancelNonTerminalTasks marks every pending/ready task for a job cancelled,
// and returns the IDs of running tasks so the caller can push cancel tokens
// to their owning engines (spec §4.3 step 6, §5 cancellation semantics).
func (s *Store) CancelNonTerminalTasks(ctx context.Context, jobID string) (runningTaskIDs []string, err error) {
	ext := s.ext(ctx)

	cancelQuery := `UPDATE tasks SET status = $1 WHERE job_id = $2 AND status IN ($3, $4)`
	if _, err := ext.ExecContext(ctx, ext.Rebind(cancelQuery), TaskCancelled, jobID, TaskPending, TaskReady); err != nil {
		return nil, apierr.TransientIO("statestore.cancel_non_terminal_tasks", err)
	}

	var running []Task
	runningQuery := `SELECT ` + taskColumns + ` FROM tasks WHERE job_id = $1 AND status = $2`
	if err := sqlxSelect(ctx, ext, &running, runningQuery, jobID, TaskRunning); err != nil {
		return nil, apierr.TransientIO("statestore.list_running_tasks", err)
	}
	ids := make([]string, len(running))
	for i, t := range running {
		ids[i] = t.ID
	}
	return ids, nil
}

// ResetTasksForRetry reverts every non-completed task of a job back to
// pending, clearing its error/lease/timing fields so the scheduler can
// re-derive readiness and re-enqueue it just like a freshly built task,
// while leaving already-completed tasks (and their outputs) untouched so
// downstream stages can still consume them, per RetryJob's reuse-what-
// succeeded contract.
func (s *Store) ResetTasksForRetry(ctx context.Context, jobID string) ([]Task, error) {
	query := `
		UPDATE tasks SET status = $1, attempt = 0, lease_holder = NULL,
			lease_deadline = NULL, error = NULL, error_kind = NULL,
			ready_at = NULL, started_at = NULL, completed_at = NULL
		WHERE job_id = $2 AND status NOT IN ($3, $4)`
	ext := s.ext(ctx)
	if _, err := ext.ExecContext(ctx, ext.Rebind(query), TaskPending, jobID, TaskCompleted, TaskSkipped); err != nil {
		return nil, apierr.TransientIO("statestore.reset_tasks_for_retry", err)
	}
	return s.ListTasksForJob(ctx, jobID)
}

// AllTasksTerminal reports whether every task for a job has reached a
// terminal status, the condition that finalizes a cancelling job.
func (s *Store) AllTasksTerminal(ctx context.Context, jobID string) (bool, error) {
	var nonTerminal int
	query := `SELECT COUNT(*) FROM tasks WHERE job_id = $1 AND status IN ($2, $3, $4)`
	ext := s.ext(ctx)
	if err := sqlxGet(ctx, ext, &nonTerminal, query, jobID, TaskPending, TaskReady, TaskRunning); err != nil {
		return false, apierr.TransientIO("statestore.all_tasks_terminal", err)
	}
	return nonTerminal == 0, nil
}

// JobProgress computes (#terminal tasks)/(#tasks) and the current stage
// label per spec §4.3 step 7: the stage of the earliest non-terminal task,
// or nil if every task is terminal.
func JobProgress(tasks []Task) (percent float64, currentStage *string) {
	if len(tasks) == 0 {
		return 0, nil
	}
	terminal := 0
	var earliestNonTerminal *Task
	for i := range tasks {
		t := &tasks[i]
		if t.Status.IsTerminal() {
			terminal++
			continue
		}
		if earliestNonTerminal == nil || t.CreatedAt.Before(earliestNonTerminal.CreatedAt) {
			earliestNonTerminal = t
		}
	}
	percent = float64(terminal) / float64(len(tasks)) * 100
	if earliestNonTerminal != nil {
		currentStage = &earliestNonTerminal.Stage
	} else {
		// every task terminal: report the label of the task that finished last
		last := tasks[0]
		for _, t := range tasks[1:] {
			if t.CompletedAt != nil && (last.CompletedAt == nil || t.CompletedAt.After(*last.CompletedAt)) {
				last = t
			}
		}
		stage := last.Stage
		currentStage = &stage
	}
	return percent, currentStage
}
