package enginerun

import (
	"context"
	"fmt"
	"time"

	"github.com/r3e-network/dalston/internal/eventbus"
	"github.com/r3e-network/dalston/internal/platform/apierr"
	"github.com/r3e-network/dalston/internal/statestore"
)

// handleLease runs the full per-task sequence (spec §4.5 steps 2-8) for one
// dequeued message: acquire the row-level task lease, fetch inputs, invoke
// the stage function under a cancellable context, write outputs, publish
// the result, and ack the queue message. Every exit path acks or nacks
// exactly once.
func (r *Runner) handleLease(ctx context.Context, lease *eventbus.Lease) {
	msg := lease.Message

	leaseTTL := time.Duration(msg.LeaseSeconds) * time.Second
	if leaseTTL <= 0 {
		leaseTTL = initialDequeueLeaseTTL
	}

	leased, err := r.store.LeaseTask(ctx, msg.TaskID, r.cfg.InstanceID, leaseTTL)
	if err != nil {
		r.log.WithError(err).WithField("task_id", msg.TaskID).Warn("enginerun: lease task row failed, nacking")
		if nackErr := r.queues.Nack(ctx, r.cfg.DescriptorID, lease); nackErr != nil {
			r.log.WithError(nackErr).Warn("enginerun: nack failed")
		}
		return
	}
	if !leased {
		// Stale or duplicate delivery (the task row already moved on, e.g.
		// a prior attempt completed or another instance holds it): drop the
		// message per the idempotence requirement in spec §4.5.
		r.ackOrLog(ctx, lease)
		return
	}

	if err := r.queues.ExtendLease(ctx, r.cfg.DescriptorID, lease.Token, leaseTTL); err != nil {
		r.log.WithError(err).WithField("task_id", msg.TaskID).Warn("enginerun: align broker lease to task timeout failed")
	}

	taskCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancels[msg.TaskID] = cancel
	r.active++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.cancels, msg.TaskID)
		r.active--
		r.mu.Unlock()
		cancel()
	}()

	stopHeartbeat := make(chan struct{})
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		r.taskHeartbeatLoop(taskCtx, msg.TaskID, lease.Token, leaseTTL, stopHeartbeat)
	}()
	defer func() {
		close(stopHeartbeat)
		<-heartbeatDone
	}()

	item, err := r.fetchInputs(taskCtx, msg)
	if err != nil {
		r.failTask(ctx, msg, "fetch_inputs_failed", err.Error(), true, lease)
		return
	}

	if taskCtx.Err() != nil {
		r.cancelTask(ctx, msg, lease)
		return
	}

	result, stageErr := r.stage(taskCtx, item)
	if stageErr != nil {
		if taskCtx.Err() != nil {
			r.cancelTask(ctx, msg, lease)
			return
		}
		kind, message, retryable := classifyStageError(stageErr)
		r.failTask(ctx, msg, kind, message, retryable, lease)
		return
	}
	if taskCtx.Err() != nil {
		r.cancelTask(ctx, msg, lease)
		return
	}

	r.completeTask(ctx, msg, result, lease)
}

// fetchInputs reads every declared input's body from object storage (spec
// §4.5 step 3).
func (r *Runner) fetchInputs(ctx context.Context, msg eventbus.QueueMessage) (WorkItem, error) {
	inputs := make([]InputArtifact, 0, len(msg.Inputs))
	for _, in := range msg.Inputs {
		body, err := r.objects.Fetch(ctx, in.URI)
		if err != nil {
			return WorkItem{}, fmt.Errorf("fetch input %s: %w", in.URI, err)
		}
		inputs = append(inputs, InputArtifact{Type: in.Type, URI: in.URI, Checksum: in.Checksum, Body: body})
	}
	return WorkItem{
		TaskID:     msg.TaskID,
		JobID:      msg.JobID,
		Stage:      msg.Stage,
		EngineID:   msg.EngineID,
		Attempt:    msg.Attempt,
		Inputs:     inputs,
		Parameters: msg.Parameters,
	}, nil
}

// taskHeartbeatLoop extends both the broker lease and the task row's
// lease_deadline at a cadence well inside leaseTTL (spec §4.5 step 7).
func (r *Runner) taskHeartbeatLoop(ctx context.Context, taskID, token string, leaseTTL time.Duration, stop <-chan struct{}) {
	interval := leaseTTL / 3
	if interval < time.Second {
		interval = time.Second
	}
	if interval > r.cfg.HeartbeatInterval {
		interval = r.cfg.HeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := r.queues.ExtendLease(ctx, r.cfg.DescriptorID, token, leaseTTL); err != nil {
				r.log.WithError(err).WithField("task_id", taskID).Debug("enginerun: extend broker lease failed")
			}
			if _, err := r.store.ExtendLease(ctx, taskID, r.cfg.InstanceID, leaseTTL); err != nil {
				r.log.WithError(err).WithField("task_id", taskID).Debug("enginerun: extend task row lease failed")
			}
		}
	}
}

// attemptScopedKey derives an object storage key that is unique per
// (job, task, attempt) so a retried or duplicated attempt never collides
// with a previous attempt's partial writes (spec §4.5's idempotence
// requirement).
func attemptScopedKey(msg eventbus.QueueMessage, outputType string, index int) string {
	return fmt.Sprintf("%s/%s/attempt-%d/%s-%d", msg.JobID, msg.TaskID, msg.Attempt, outputType, index)
}

func (r *Runner) completeTask(ctx context.Context, msg eventbus.QueueMessage, result StageResult, lease *eventbus.Lease) {
	outputs := make([]eventbus.QueueMessageInput, 0, len(result.Outputs))
	for i, out := range result.Outputs {
		uri, err := r.objects.Put(ctx, attemptScopedKey(msg, out.Type, i), out.Body)
		if err != nil {
			r.failTask(ctx, msg, "write_output_failed", err.Error(), true, lease)
			return
		}
		outputs = append(outputs, eventbus.QueueMessageInput{Type: out.Type, URI: uri})
	}

	task := &statestore.Task{ID: msg.TaskID, LeaseHolder: &r.cfg.InstanceID}
	ok, err := r.store.CompleteTask(ctx, task, statestore.CompleteTaskParams{
		EngineInstanceID: r.cfg.InstanceID,
		Outputs:          outputs,
		Skipped:          result.Skipped,
	})
	if err != nil {
		r.log.WithError(err).WithField("task_id", msg.TaskID).Error("enginerun: complete task failed")
		r.ackOrLog(ctx, lease)
		return
	}
	if !ok {
		// Lease was lost (expired and reclaimed) between finishing the
		// stage function and writing the result; the row has already moved
		// on without us, so there is nothing more to do.
		r.ackOrLog(ctx, lease)
		return
	}

	payload := eventbus.TaskCompletedPayload{TaskID: msg.TaskID, Attempt: msg.Attempt}
	if err := r.bus.Publish(ctx, eventbus.EventTaskCompleted, msg.JobID, nil, payload); err != nil {
		r.log.WithError(err).WithField("task_id", msg.TaskID).Error("enginerun: publish task.completed failed")
	}
	r.ackOrLog(ctx, lease)
}

func (r *Runner) failTask(ctx context.Context, msg eventbus.QueueMessage, kind, message string, retryable bool, lease *eventbus.Lease) {
	task, err := r.store.GetTaskForUpdate(ctx, msg.TaskID)
	if err != nil {
		r.log.WithError(err).WithField("task_id", msg.TaskID).Error("enginerun: reload task before failing it")
		r.ackOrLog(ctx, lease)
		return
	}

	if _, _, err := r.store.FailTask(ctx, task, statestore.FailTaskParams{
		EngineInstanceID: r.cfg.InstanceID,
		ErrorKind:        kind,
		ErrorMessage:     message,
		Retryable:        retryable,
	}); err != nil {
		r.log.WithError(err).WithField("task_id", msg.TaskID).Error("enginerun: fail task failed")
		r.ackOrLog(ctx, lease)
		return
	}

	payload := eventbus.TaskFailedPayload{
		TaskID:       msg.TaskID,
		Attempt:      msg.Attempt,
		ErrorKind:    kind,
		ErrorMessage: message,
		Retryable:    retryable,
	}
	if err := r.bus.Publish(ctx, eventbus.EventTaskFailed, msg.JobID, nil, payload); err != nil {
		r.log.WithError(err).WithField("task_id", msg.TaskID).Error("enginerun: publish task.failed failed")
	}
	r.ackOrLog(ctx, lease)
}

func (r *Runner) cancelTask(ctx context.Context, msg eventbus.QueueMessage, lease *eventbus.Lease) {
	task := &statestore.Task{ID: msg.TaskID, LeaseHolder: &r.cfg.InstanceID}
	if _, err := r.store.CancelLeasedTask(ctx, task, r.cfg.InstanceID); err != nil {
		r.log.WithError(err).WithField("task_id", msg.TaskID).Error("enginerun: cancel leased task failed")
	}
	if err := r.bus.Publish(ctx, eventbus.EventTaskCancelled, msg.TaskID, nil, struct{ TaskID string }{TaskID: msg.TaskID}); err != nil {
		r.log.WithError(err).WithField("task_id", msg.TaskID).Error("enginerun: publish task.cancelled failed")
	}
	r.ackOrLog(ctx, lease)
}

func (r *Runner) ackOrLog(ctx context.Context, lease *eventbus.Lease) {
	if err := r.queues.Ack(ctx, r.cfg.DescriptorID, lease); err != nil {
		r.log.WithError(err).WithField("task_id", lease.Message.TaskID).Warn("enginerun: ack failed")
	}
}

// classifyStageError maps a StageFunc error to the engine result message's
// error_kind/error_message/retryable triple (spec §6.4). apierr-typed
// errors carry their own retryability; anything else is treated as a
// transient engine failure worth one more attempt.
func classifyStageError(err error) (kind, message string, retryable bool) {
	if apiErr, ok := apierr.As(err); ok {
		return string(apiErr.Code), apiErr.Message, apierr.IsRetryable(apiErr)
	}
	return string(apierr.CodeEngineTransient), err.Error(), true
}
