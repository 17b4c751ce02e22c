// Package scheduler is the Scheduler (C6): the single-writer event-driven
// loop that turns job.created/task.completed/task.failed/
// task.heartbeat_expired/job.cancel_requested events into task rows, engine
// queue enqueues, and job-state transitions (spec §4.3).
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/r3e-network/dalston/internal/dag"
	"github.com/r3e-network/dalston/internal/eventbus"
	"github.com/r3e-network/dalston/internal/platform/apierr"
	"github.com/r3e-network/dalston/internal/statestore"
)

// eventBus is the subset of *eventbus.Bus the Scheduler needs, narrowed to
// an interface (the same dependency-inversion the DAG Builder applies to
// EngineSelector) so unit tests can drive HandleEvent without a live
// Postgres LISTEN connection.
type eventBus interface {
	Publish(ctx context.Context, eventType eventbus.EventType, jobID string, correlationID *string, payload interface{}) error
	Subscribe(h eventbus.Handler)
}

// engineQueues is the subset of *eventbus.EngineQueues the Scheduler needs.
type engineQueues interface {
	Enqueue(ctx context.Context, msg eventbus.QueueMessage) error
}

// Scheduler owns the orchestrator's core algorithm. One instance per
// orchestrator replica; each replica's Event Bus delivers every event to
// its Scheduler, and replicas are made safe to run concurrently by I1's
// unique-constraint race handling (see handleJobCreated).
type Scheduler struct {
	store   *statestore.Store
	builder *dag.Builder
	bus     eventBus
	queues  engineQueues
	log     *logrus.Entry
}

// New wires a Scheduler over bus without subscribing it: a process that
// runs the event loop calls bus.Subscribe(s.HandleEvent) itself, while a
// process that only submits/cancels/queries jobs leaves it unsubscribed.
func New(store *statestore.Store, builder *dag.Builder, bus *eventbus.Bus, queues *eventbus.EngineQueues, log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{store: store, builder: builder, bus: bus, queues: queues, log: log}
}

// publish emits an event, bridging statestore's and eventbus's independent
// per-package transaction contexts so a Publish issued inside a
// store.WithTx block writes to the outbox on that same transaction (see
// eventbus.Bus.Publish's doc comment: the event must never outlive a
// rolled-back mutation).
func (s *Scheduler) publish(ctx context.Context, eventType eventbus.EventType, jobID string, correlationID *string, payload interface{}) error {
	if tx := statestore.TxFromContext(ctx); tx != nil {
		ctx = eventbus.ContextWithTx(ctx, tx)
	}
	return s.bus.Publish(ctx, eventType, jobID, correlationID, payload)
}

// Submit validates and persists a new job and emits job.created (spec §4.3
// "submit"). Idempotent on params.CorrelationID via statestore.CreateJob's
// L1 guarantee; handleJobCreated is itself idempotent against redelivery or
// a correlation-ID hit for an already-scheduled job, so re-publishing here
// unconditionally is safe.
func (s *Scheduler) Submit(ctx context.Context, params statestore.CreateJobParams) (*statestore.Job, error) {
	job, err := s.store.CreateJob(ctx, params)
	if err != nil {
		return nil, err
	}
	if err := s.publish(ctx, eventbus.EventJobCreated, job.ID, job.CorrelationID, struct{}{}); err != nil {
		return nil, apierr.TransientIO("scheduler.submit.publish", err)
	}
	return job, nil
}

// Cancel transitions a non-terminal job to cancelling and emits job.cancel_requested
// (spec §4.3 "cancel"). Returns apierr.CodeAlreadyTerminal if the job has
// already reached a terminal status.
func (s *Scheduler) Cancel(ctx context.Context, jobID, reason string) error {
	return s.store.WithTx(ctx, func(ctx context.Context) error {
		job, err := s.store.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return apierr.AlreadyTerminal(jobID)
		}
		if err := s.store.TransitionJobStatus(ctx, job, statestore.JobCancelling); err != nil {
			return err
		}
		payload := eventbus.JobCancelRequestedPayload{Reason: reason}
		return s.publish(ctx, eventbus.EventJobCancelRequested, jobID, job.CorrelationID, payload)
	})
}

// RetryJob implements the supplemented job-level retry operation (spec.md
// §4 item 4): restart a terminal, non-cancelled job from its first
// non-completed stage, reusing the outputs of tasks that already completed.
// Mirrors handleJobCreated's ready/enqueue sequence, but over the reset task
// set rather than a freshly built one, and enqueues immediately rather than
// waiting for a task.completed delivery for a dependency that already
// finished before the retry.
func (s *Scheduler) RetryJob(ctx context.Context, jobID string) (*statestore.Job, error) {
	var job *statestore.Job
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		job, err = s.store.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if err := s.store.RetryJob(ctx, job); err != nil {
			return err
		}
		tasks, err := s.store.ResetTasksForRetry(ctx, job.ID)
		if err != nil {
			return err
		}
		if err := s.readyAndEnqueue(ctx, job, retryReadyTasks(tasks)); err != nil {
			return err
		}
		return s.recomputeProgress(ctx, job.ID, tasks)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// retryReadyTasks returns every task RetryJob just reset to pending whose
// dependencies (if any) are already satisfied — either a source task with no
// dependencies, or a downstream task whose upstream stages had already
// completed before the retry and so will never re-fire a task.completed
// event to ready it the normal way.
func retryReadyTasks(tasks []statestore.Task) []statestore.Task {
	var ready []statestore.Task
	for _, t := range tasksWithNoDependencies(tasks) {
		if t.Status == statestore.TaskPending {
			ready = append(ready, t)
		}
	}
	ready = append(ready, readyDownstreamTasks(tasks)...)
	return ready
}

// Query is a thin read-only passthrough, kept on Scheduler so gateway
// handlers depend on one collaborator for both mutation and lookup.
func (s *Scheduler) Query(ctx context.Context, jobID string) (*statestore.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// List is a thin read-only passthrough.
func (s *Scheduler) List(ctx context.Context, filter statestore.JobFilter) ([]statestore.Job, error) {
	return s.store.ListJobs(ctx, filter)
}

// ListTasks is a thin read-only passthrough for the gateway's list_tasks
// operation (spec §4.8).
func (s *Scheduler) ListTasks(ctx context.Context, jobID string) ([]statestore.Task, error) {
	return s.store.ListTasksForJob(ctx, jobID)
}

// HandleEvent is the core algorithm's dispatcher (spec §4.3 "On each event
// the scheduler:"), registered as an eventbus.Handler. Event types the
// scheduler itself only emits (task.ready, task.started, task.cancelled,
// job.completed, job.failed, job.cancelled) are no-ops here.
func (s *Scheduler) HandleEvent(ctx context.Context, event eventbus.Event) error {
	switch event.EventType {
	case eventbus.EventJobCreated:
		return s.handleJobCreated(ctx, event)
	case eventbus.EventTaskCompleted:
		return s.handleTaskCompleted(ctx, event)
	case eventbus.EventTaskFailed:
		return s.handleTaskFailed(ctx, event)
	case eventbus.EventTaskHeartbeatExpired:
		return s.handleHeartbeatExpired(ctx, event)
	case eventbus.EventJobCancelRequested:
		return s.handleCancelRequested(ctx, event)
	case eventbus.EventTaskCancelled:
		return s.handleTaskCancelled(ctx, event)
	default:
		return nil
	}
}

// handleJobCreated implements spec §4.3 step 2.
func (s *Scheduler) handleJobCreated(ctx context.Context, event eventbus.Event) error {
	return s.store.WithTx(ctx, func(ctx context.Context) error {
		job, err := s.store.GetJobForUpdate(ctx, event.JobID)
		if err != nil {
			return err
		}
		if job.Status != statestore.JobPending {
			return nil // already scheduled by a prior delivery or replica
		}

		existing, err := s.store.ListTasksForJob(ctx, job.ID)
		if err != nil {
			return err
		}

		var tasks []statestore.Task
		if len(existing) > 0 {
			tasks = existing
		} else {
			specs, err := s.builder.Build(ctx, job)
			if err != nil {
				return s.store.FailJob(ctx, job, err.Error())
			}
			tasks, err = s.store.CreateTasks(ctx, job.ID, specs)
			if err != nil {
				apiErr, ok := apierr.As(err)
				if !ok || apiErr.Code != apierr.CodeInvariantViolation {
					return err
				}
				// Race loser on the UNIQUE(job_id, stage) constraint: another
				// replica won, rerun the loop on the graph it persisted.
				tasks, err = s.store.ListTasksForJob(ctx, job.ID)
				if err != nil {
					return err
				}
			}
		}

		sourceTasks := tasksWithNoDependencies(tasks)
		if err := s.readyAndEnqueue(ctx, job, sourceTasks); err != nil {
			return err
		}

		if err := s.store.TransitionJobStatus(ctx, job, statestore.JobRunning); err != nil {
			return err
		}
		return s.recomputeProgress(ctx, job.ID, tasks)
	})
}

// handleTaskCompleted implements spec §4.3 step 3.
func (s *Scheduler) handleTaskCompleted(ctx context.Context, event eventbus.Event) error {
	var payload eventbus.TaskCompletedPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("scheduler: unmarshal task.completed payload: %w", err)
	}

	return s.store.WithTx(ctx, func(ctx context.Context) error {
		job, err := s.store.GetJobForUpdate(ctx, event.JobID)
		if err != nil {
			return err
		}
		task, err := s.store.GetTaskForUpdate(ctx, payload.TaskID)
		if err != nil {
			return err
		}
		// Completion (and its lease-ownership check) is applied by the
		// caller that invoked CompleteTask before publishing this event;
		// by the time the scheduler observes it the row is already
		// terminal. A stale/duplicate delivery is simply a no-op here.
		if task.Status != statestore.TaskCompleted {
			return nil
		}

		allTasks, err := s.store.ListTasksForJob(ctx, job.ID)
		if err != nil {
			return err
		}

		if task.Stage == stageMergeLabel {
			return s.finalizeJob(ctx, job, allTasks)
		}

		ready := readyDownstreamTasks(allTasks)
		if err := s.readyAndEnqueue(ctx, job, ready); err != nil {
			return err
		}
		return s.recomputeProgress(ctx, job.ID, allTasks)
	})
}

const stageMergeLabel = "merge"

// handleTaskFailed implements spec §4.3 step 4 ("retry policy" is already
// applied by statestore.FailTask; the scheduler only reacts to the result).
func (s *Scheduler) handleTaskFailed(ctx context.Context, event eventbus.Event) error {
	var payload eventbus.TaskFailedPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("scheduler: unmarshal task.failed payload: %w", err)
	}

	return s.store.WithTx(ctx, func(ctx context.Context) error {
		job, err := s.store.GetJobForUpdate(ctx, event.JobID)
		if err != nil {
			return err
		}
		task, err := s.store.GetTaskForUpdate(ctx, payload.TaskID)
		if err != nil {
			return err
		}

		switch task.Status {
		case statestore.TaskReady:
			// FailTask restored it for retry; re-enqueue.
			return s.enqueueTask(ctx, job, task)
		case statestore.TaskFailed:
			if _, err := s.store.CancelNonTerminalTasks(ctx, job.ID); err != nil {
				return err
			}
			reason := fmt.Sprintf("task %s (%s) failed: %s", task.ID, task.Stage, payload.ErrorMessage)
			if err := s.store.FailJob(ctx, job, reason); err != nil {
				return err
			}
			return s.publish(ctx, eventbus.EventJobFailed, job.ID, job.CorrelationID, struct{ Reason string }{Reason: reason})
		default:
			return nil // stale/duplicate delivery, already resolved
		}
	})
}

// handleHeartbeatExpired implements spec §4.3 step 5.
func (s *Scheduler) handleHeartbeatExpired(ctx context.Context, event eventbus.Event) error {
	var payload eventbus.TaskFailedPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("scheduler: unmarshal task.heartbeat_expired payload: %w", err)
	}
	return s.RestoreExpiredTask(ctx, event.JobID, payload.TaskID)
}

// RestoreExpiredTask reverts one lease-expired task to ready and re-enqueues
// it, called either from handleHeartbeatExpired or directly by a periodic
// lease sweep (see SweepExpiredLeases).
func (s *Scheduler) RestoreExpiredTask(ctx context.Context, jobID, taskID string) error {
	return s.store.WithTx(ctx, func(ctx context.Context) error {
		restored, err := s.store.RestoreExpiredLease(ctx, taskID)
		if err != nil {
			return err
		}
		if !restored {
			return nil
		}
		job, err := s.store.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		task, err := s.store.GetTaskForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		return s.enqueueTask(ctx, job, task)
	})
}

// SweepExpiredLeases finds every task whose lease has expired without
// completion and restores it, independent of any event delivery. Called on
// a timer by the owning cmd/ binary.
func (s *Scheduler) SweepExpiredLeases(ctx context.Context, limit int) (int, error) {
	expired, err := s.store.ListExpiredLeases(ctx, limit)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, task := range expired {
		if err := s.RestoreExpiredTask(ctx, task.JobID, task.ID); err != nil {
			s.log.WithError(err).WithField("task_id", task.ID).Warn("scheduler: failed to restore expired lease")
			continue
		}
		restored++
	}
	return restored, nil
}

// handleCancelRequested implements spec §4.3 step 6.
func (s *Scheduler) handleCancelRequested(ctx context.Context, event eventbus.Event) error {
	return s.store.WithTx(ctx, func(ctx context.Context) error {
		job, err := s.store.GetJobForUpdate(ctx, event.JobID)
		if err != nil {
			return err
		}
		if job.Status != statestore.JobCancelling {
			return nil
		}

		runningTaskIDs, err := s.store.CancelNonTerminalTasks(ctx, job.ID)
		if err != nil {
			return err
		}
		for _, taskID := range runningTaskIDs {
			if err := s.pushCancelToken(ctx, taskID); err != nil {
				s.log.WithError(err).WithField("task_id", taskID).Warn("scheduler: failed to push cancel token")
			}
		}

		allTasks, err := s.store.ListTasksForJob(ctx, job.ID)
		if err != nil {
			return err
		}
		return s.finalizeCancelIfTerminal(ctx, job, allTasks)
	})
}

// pushCancelToken notifies a running task's engine to stop cooperatively
// (spec §4.3 step 6, §5 cancellation semantics). Engines poll their
// cancel_channel; there is no queue message to retract, only a signal. The
// event's job-ID slot carries the task ID rather than a job ID — there is no
// dedicated field for it on eventbus.Event, and task.cancelled's only other
// consumer (enginerun's in-process context cancellation) keys off the same
// slot — so handleTaskCancelled below has to resolve the task to its job
// itself rather than trusting event.JobID.
func (s *Scheduler) pushCancelToken(ctx context.Context, taskID string) error {
	return s.publish(ctx, eventbus.EventTaskCancelled, taskID, nil, struct{ TaskID string }{TaskID: taskID})
}

// handleTaskCancelled re-checks a cancelling job once one of its tasks
// finishes cooperatively cancelling (pushed here by pushCancelToken, or by
// the engine's own cancelTask when it notices its context was cancelled
// first). Without this, a job cancelled while a task is running never
// advances past cancelling once that task settles: handleCancelRequested
// only checks allTerminal at the instant cancel was requested, and nothing
// else re-checks it afterward. event.JobID actually holds the task ID (see
// pushCancelToken); the task row is the only way back to the real job ID.
func (s *Scheduler) handleTaskCancelled(ctx context.Context, event eventbus.Event) error {
	taskID := event.JobID
	var payload struct {
		TaskID string `json:"TaskID"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err == nil && payload.TaskID != "" {
		taskID = payload.TaskID
	}

	return s.store.WithTx(ctx, func(ctx context.Context) error {
		task, err := s.store.GetTaskForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		job, err := s.store.GetJobForUpdate(ctx, task.JobID)
		if err != nil {
			return err
		}
		if job.Status != statestore.JobCancelling {
			return nil
		}
		allTasks, err := s.store.ListTasksForJob(ctx, job.ID)
		if err != nil {
			return err
		}
		return s.finalizeCancelIfTerminal(ctx, job, allTasks)
	})
}

// finalizeCancelIfTerminal implements spec §4.3 step 6's tail: once every
// task belonging to a cancelling job has reached a terminal status, cancel
// the job itself and emit job.cancelled; otherwise just refresh progress and
// wait for the next task.cancelled/task.completed/task.failed delivery.
func (s *Scheduler) finalizeCancelIfTerminal(ctx context.Context, job *statestore.Job, tasks []statestore.Task) error {
	if !allTerminal(tasks) {
		return s.recomputeProgress(ctx, job.ID, tasks)
	}
	if err := s.store.CancelJob(ctx, job, "job cancelled"); err != nil {
		return err
	}
	return s.publish(ctx, eventbus.EventJobCancelled, job.ID, job.CorrelationID, struct{}{})
}

// finalizeJob completes a job once its merge task has completed (spec
// §4.3 step 3's "If the completed task is merge, finalize the job").
func (s *Scheduler) finalizeJob(ctx context.Context, job *statestore.Job, tasks []statestore.Task) error {
	var merge *statestore.Task
	for i := range tasks {
		if tasks[i].Stage == stageMergeLabel {
			merge = &tasks[i]
			break
		}
	}
	if merge == nil {
		return apierr.InvariantViolation("finalizing job with no merge task", nil).WithDetails("job_id", job.ID)
	}

	var outputs []eventbus.QueueMessageInput
	if len(merge.Outputs) > 0 {
		if err := json.Unmarshal(merge.Outputs, &outputs); err != nil {
			return apierr.InvariantViolation("unmarshal merge outputs", err)
		}
	}

	result := statestore.JobResult{}
	for _, o := range outputs {
		if o.Type == "transcript" {
			result.TranscriptURI = o.URI
		}
	}
	if result.TranscriptURI == "" && len(outputs) > 0 {
		result.TranscriptURI = outputs[0].URI
	}

	if err := s.store.CompleteJob(ctx, job, result); err != nil {
		return err
	}
	if err := s.recomputeProgress(ctx, job.ID, tasks); err != nil {
		return err
	}
	return s.publish(ctx, eventbus.EventJobCompleted, job.ID, job.CorrelationID, struct{}{})
}

// recomputeProgress implements spec §4.3 step 7.
func (s *Scheduler) recomputeProgress(ctx context.Context, jobID string, tasks []statestore.Task) error {
	percent, currentStage := statestore.JobProgress(tasks)
	return s.store.UpdateJobProgress(ctx, jobID, percent, currentStage)
}

// readyAndEnqueue marks tasks ready and pushes each to its engine queue.
func (s *Scheduler) readyAndEnqueue(ctx context.Context, job *statestore.Job, tasks []statestore.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	if err := s.store.MarkTasksReady(ctx, ids); err != nil {
		return err
	}
	for i := range tasks {
		if err := s.enqueueTask(ctx, job, &tasks[i]); err != nil {
			return err
		}
	}
	return nil
}

// enqueueTask pushes one task onto its selected engine's queue (spec §6.3)
// and emits task.ready for observability.
func (s *Scheduler) enqueueTask(ctx context.Context, job *statestore.Job, task *statestore.Task) error {
	if task.EngineID == nil || *task.EngineID == "" {
		return apierr.InvariantViolation("task has no selected engine", nil).
			WithDetails("task_id", task.ID).WithDetails("stage", task.Stage)
	}

	inputs, err := resolveTaskInputs(ctx, s.store, job, task)
	if err != nil {
		return err
	}

	msg := eventbus.QueueMessage{
		TaskID:        task.ID,
		JobID:         job.ID,
		Stage:         task.Stage,
		EngineID:      *task.EngineID,
		Attempt:       task.Attempt + 1,
		LeaseSeconds:  task.TimeoutS,
		Inputs:        inputs,
		CancelChannel: fmt.Sprintf("dalston:cancel:%s", task.ID),
	}
	if err := s.queues.Enqueue(ctx, msg); err != nil {
		return apierr.TransientIO("scheduler.enqueue_task", err)
	}

	payload := eventbus.TaskReadyPayload{TaskID: task.ID, Stage: task.Stage, EngineID: *task.EngineID}
	return s.publish(ctx, eventbus.EventTaskReady, job.ID, job.CorrelationID, payload)
}

// resolveTaskInputs derives a task's input artifacts: the job's source
// audio for prepare (the one stage with no dependencies), or the flattened
// output descriptors of every dependency otherwise.
func resolveTaskInputs(ctx context.Context, store *statestore.Store, job *statestore.Job, task *statestore.Task) ([]eventbus.QueueMessageInput, error) {
	var dependsOn []string
	if len(task.DependsOn) > 0 {
		if err := json.Unmarshal(task.DependsOn, &dependsOn); err != nil {
			return nil, apierr.InvariantViolation("unmarshal task depends_on", err)
		}
	}
	if len(dependsOn) == 0 {
		return []eventbus.QueueMessageInput{{Type: "audio", URI: job.SourceURI}}, nil
	}

	deps, err := store.ListTasksForJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	byStage := make(map[string]statestore.Task, len(deps))
	for _, t := range deps {
		byStage[t.Stage] = t
	}

	var inputs []eventbus.QueueMessageInput
	for _, stage := range dependsOn {
		dep, ok := byStage[stage]
		if !ok || len(dep.Outputs) == 0 {
			continue
		}
		var outs []eventbus.QueueMessageInput
		if err := json.Unmarshal(dep.Outputs, &outs); err != nil {
			return nil, apierr.InvariantViolation("unmarshal dependency outputs", err)
		}
		inputs = append(inputs, outs...)
	}
	return inputs, nil
}

// tasksWithNoDependencies returns the DAG's source tasks.
func tasksWithNoDependencies(tasks []statestore.Task) []statestore.Task {
	var sources []statestore.Task
	for _, t := range tasks {
		var deps []string
		if len(t.DependsOn) > 0 {
			_ = json.Unmarshal(t.DependsOn, &deps)
		}
		if len(deps) == 0 {
			sources = append(sources, t)
		}
	}
	return sources
}

// readyDownstreamTasks returns every pending task whose dependencies are
// now all terminal-success (spec §4.3 step 3).
func readyDownstreamTasks(tasks []statestore.Task) []statestore.Task {
	byStage := make(map[string]statestore.Task, len(tasks))
	for _, t := range tasks {
		byStage[t.Stage] = t
	}

	var ready []statestore.Task
	for _, t := range tasks {
		if t.Status != statestore.TaskPending {
			continue
		}
		var deps []string
		if len(t.DependsOn) > 0 {
			_ = json.Unmarshal(t.DependsOn, &deps)
		}
		if len(deps) == 0 {
			continue
		}
		allSatisfied := true
		for _, depStage := range deps {
			dep, ok := byStage[depStage]
			if !ok || !dep.Status.IsTerminalSuccess() {
				allSatisfied = false
				break
			}
		}
		if allSatisfied {
			ready = append(ready, t)
		}
	}
	return ready
}

// allTerminal reports whether every task in tasks has reached a terminal status.
func allTerminal(tasks []statestore.Task) bool {
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return true
}
