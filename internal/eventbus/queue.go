package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// QueueMessage is one engine queue entry (spec §6.3).
type QueueMessage struct {
	TaskID        string                 `json:"task_id"`
	JobID         string                 `json:"job_id"`
	Stage         string                 `json:"stage"`
	EngineID      string                 `json:"engine_id"`
	Attempt       int                    `json:"attempt"`
	LeaseSeconds  int                    `json:"lease_seconds"`
	Inputs        []QueueMessageInput    `json:"inputs"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
	CancelChannel string                 `json:"cancel_channel"`
	DeadlineAt    time.Time              `json:"deadline_at"`
}

// QueueMessageInput is one input artifact reference carried in a queue message.
type QueueMessageInput struct {
	Type     string  `json:"type"`
	URI      string  `json:"uri"`
	Checksum *string `json:"checksum,omitempty"`
}

// Lease is returned by Dequeue: the message plus the opaque token Ack/Nack
// must present to prove they still own it.
type Lease struct {
	Message QueueMessage
	Token   string
}

// EngineQueues manages one Redis-backed FIFO work queue per engine
// descriptor. Dequeue implements the classic reliable-queue pattern:
// BRPOPLPUSH atomically moves a message from the visible queue to a
// per-engine "processing" list, and RestoreExpired periodically scans a
// sorted set of lease deadlines to return timed-out messages to the head
// of the visible queue, giving at-least-once, per-queue FIFO, lease-based
// visibility exactly as spec.md's Engine queue semantics require.
type EngineQueues struct {
	rdb *redis.Client
}

// NewEngineQueues wraps an existing Redis client.
func NewEngineQueues(rdb *redis.Client) *EngineQueues {
	return &EngineQueues{rdb: rdb}
}

func queueKey(engineID string) string      { return fmt.Sprintf("dalston:queue:%s", engineID) }
func processingKey(engineID string) string { return fmt.Sprintf("dalston:queue:%s:processing", engineID) }
func leasesKey(engineID string) string     { return fmt.Sprintf("dalston:queue:%s:leases", engineID) }

// Enqueue pushes msg onto engineID's FIFO queue (tail), ready for the next
// Dequeue call to pop from the head.
func (q *EngineQueues) Enqueue(ctx context.Context, msg QueueMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("eventbus: marshal queue message: %w", err)
	}
	return q.rdb.LPush(ctx, queueKey(msg.EngineID), data).Err()
}

// Dequeue atomically moves one message from engineID's visible queue to
// its processing list and records a lease deadline, blocking up to
// blockFor if the queue is empty. Returns (nil, false, nil) on timeout.
func (q *EngineQueues) Dequeue(ctx context.Context, engineID string, leaseTTL, blockFor time.Duration) (*Lease, bool, error) {
	data, err := q.rdb.BRPopLPush(ctx, queueKey(engineID), processingKey(engineID), blockFor).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("eventbus: dequeue from %s: %w", engineID, err)
	}

	var msg QueueMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		// A poisoned message would otherwise wedge the processing list
		// forever; drop it and surface the error so the caller can log it.
		_ = q.rdb.LRem(ctx, processingKey(engineID), 1, data).Err()
		return nil, false, fmt.Errorf("eventbus: unmarshal queue message: %w", err)
	}

	token := fmt.Sprintf("%s:%d", msg.TaskID, time.Now().UnixNano())
	deadline := float64(time.Now().Add(leaseTTL).Unix())
	if err := q.rdb.ZAdd(ctx, leasesKey(engineID), &redis.Z{Score: deadline, Member: token}).Err(); err != nil {
		return nil, false, fmt.Errorf("eventbus: record lease: %w", err)
	}
	if err := q.rdb.HSet(ctx, leaseDataKey(engineID), token, data).Err(); err != nil {
		return nil, false, fmt.Errorf("eventbus: record lease payload: %w", err)
	}

	return &Lease{Message: msg, Token: token}, true, nil
}

func leaseDataKey(engineID string) string { return fmt.Sprintf("dalston:queue:%s:lease-data", engineID) }

// ExtendLease pushes a held lease's deadline further out (spec §4.5 step 7:
// the engine heartbeats while its work function runs). A token that has
// already expired and been reclaimed by RestoreExpired is not re-added, and
// ExtendLease returns an error for it.
func (q *EngineQueues) ExtendLease(ctx context.Context, engineID, token string, leaseTTL time.Duration) error {
	deadline := float64(time.Now().Add(leaseTTL).Unix())
	n, err := q.rdb.ZAddXX(ctx, leasesKey(engineID), &redis.Z{Score: deadline, Member: token}).Result()
	if err != nil {
		return fmt.Errorf("eventbus: extend lease: %w", err)
	}
	if n == 0 && q.rdb.ZScore(ctx, leasesKey(engineID), token).Err() == redis.Nil {
		return fmt.Errorf("eventbus: extend lease: token %s no longer held", token)
	}
	return nil
}

// Ack removes a completed lease: the message is gone for good.
func (q *EngineQueues) Ack(ctx context.Context, engineID string, lease *Lease) error {
	data, err := json.Marshal(lease.Message)
	if err != nil {
		return fmt.Errorf("eventbus: marshal queue message: %w", err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, processingKey(engineID), 1, data)
	pipe.ZRem(ctx, leasesKey(engineID), lease.Token)
	pipe.HDel(ctx, leaseDataKey(engineID), lease.Token)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("eventbus: ack: %w", err)
	}
	return nil
}

// Nack returns a message to the head of its visible queue immediately,
// for an engine that wants to give it up before the lease expires.
func (q *EngineQueues) Nack(ctx context.Context, engineID string, lease *Lease) error {
	data, err := json.Marshal(lease.Message)
	if err != nil {
		return fmt.Errorf("eventbus: marshal queue message: %w", err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, processingKey(engineID), 1, data)
	pipe.ZRem(ctx, leasesKey(engineID), lease.Token)
	pipe.HDel(ctx, leaseDataKey(engineID), lease.Token)
	pipe.RPush(ctx, queueKey(engineID), data)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("eventbus: nack: %w", err)
	}
	return nil
}

// CancelQueued removes a specific not-yet-dequeued task from engineID's
// visible queue (spec §5's non-cooperative cancellation of queued tasks).
// No-op if the message already left the visible queue.
func (q *EngineQueues) CancelQueued(ctx context.Context, engineID string, msg QueueMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("eventbus: marshal queue message: %w", err)
	}
	return q.rdb.LRem(ctx, queueKey(engineID), 0, data).Err()
}

// RestoreExpired scans engineID's lease set for entries past their
// deadline and pushes their messages back onto the visible queue's head,
// so the Scheduler's heartbeat sweep (spec §4.3 step 5) can drive
// `task.heartbeat_expired` handling without the engine itself cooperating.
// Returns the task IDs restored.
func (q *EngineQueues) RestoreExpired(ctx context.Context, engineID string) ([]string, error) {
	now := float64(time.Now().Unix())
	expired, err := q.rdb.ZRangeByScore(ctx, leasesKey(engineID), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("eventbus: scan expired leases: %w", err)
	}

	restored := make([]string, 0, len(expired))
	for _, token := range expired {
		data, err := q.rdb.HGet(ctx, leaseDataKey(engineID), token).Result()
		if err == redis.Nil {
			_ = q.rdb.ZRem(ctx, leasesKey(engineID), token).Err()
			continue
		}
		if err != nil {
			return restored, fmt.Errorf("eventbus: fetch expired lease payload: %w", err)
		}

		var msg QueueMessage
		if jsonErr := json.Unmarshal([]byte(data), &msg); jsonErr != nil {
			continue
		}

		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, processingKey(engineID), 1, data)
		pipe.ZRem(ctx, leasesKey(engineID), token)
		pipe.HDel(ctx, leaseDataKey(engineID), token)
		pipe.RPush(ctx, queueKey(engineID), data)
		if _, err := pipe.Exec(ctx); err != nil {
			return restored, fmt.Errorf("eventbus: restore expired lease: %w", err)
		}
		restored = append(restored, msg.TaskID)
	}
	return restored, nil
}

// Depth returns the number of messages currently visible (not leased) in
// engineID's queue, for capacity/backpressure metrics.
func (q *EngineQueues) Depth(ctx context.Context, engineID string) (int64, error) {
	n, err := q.rdb.LLen(ctx, queueKey(engineID)).Result()
	if err != nil {
		return 0, fmt.Errorf("eventbus: queue depth: %w", err)
	}
	return n, nil
}
