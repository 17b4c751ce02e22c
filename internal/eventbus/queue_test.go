package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newTestQueues(t *testing.T) *EngineQueues {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(server.Close)

	rdb := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewEngineQueues(rdb)
}

func testMessage(taskID string) QueueMessage {
	return QueueMessage{
		TaskID:       taskID,
		JobID:        "job-1",
		Stage:        "transcribe",
		EngineID:     "whisper-large-v3",
		Attempt:      1,
		LeaseSeconds: 300,
		Inputs:       []QueueMessageInput{{Type: "audio", URI: "s3://bucket/audio.wav"}},
	}
}

func TestEnqueueDequeueAck_FIFO(t *testing.T) {
	q := newTestQueues(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testMessage("task-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, testMessage("task-2")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	lease1, ok, err := q.Dequeue(ctx, "whisper-large-v3", time.Minute, time.Second)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	if lease1.Message.TaskID != "task-1" {
		t.Fatalf("expected FIFO order, got %s first", lease1.Message.TaskID)
	}

	if err := q.Ack(ctx, "whisper-large-v3", lease1); err != nil {
		t.Fatalf("ack: %v", err)
	}

	lease2, ok, err := q.Dequeue(ctx, "whisper-large-v3", time.Minute, time.Second)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	if lease2.Message.TaskID != "task-2" {
		t.Fatalf("expected task-2 next, got %s", lease2.Message.TaskID)
	}
}

func TestDequeue_EmptyQueueTimesOutWithoutError(t *testing.T) {
	q := newTestQueues(t)
	ctx := context.Background()

	_, ok, err := q.Dequeue(ctx, "whisper-large-v3", time.Minute, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if ok {
		t.Fatal("expected no message on an empty queue")
	}
}

func TestNack_ReturnsMessageToVisibleQueue(t *testing.T) {
	q := newTestQueues(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testMessage("task-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	lease, ok, err := q.Dequeue(ctx, "whisper-large-v3", time.Minute, time.Second)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	if err := q.Nack(ctx, "whisper-large-v3", lease); err != nil {
		t.Fatalf("nack: %v", err)
	}

	depth, err := q.Depth(ctx, "whisper-large-v3")
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected the nacked message to return to the visible queue, depth=%d", depth)
	}
}

func TestRestoreExpired_RequeuesTimedOutLease(t *testing.T) {
	q := newTestQueues(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testMessage("task-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// A lease TTL of 0 expires immediately.
	_, ok, err := q.Dequeue(ctx, "whisper-large-v3", 0, time.Second)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}

	restored, err := q.RestoreExpired(ctx, "whisper-large-v3")
	if err != nil {
		t.Fatalf("restore expired: %v", err)
	}
	if len(restored) != 1 || restored[0] != "task-1" {
		t.Fatalf("expected task-1 to be restored, got %v", restored)
	}

	depth, err := q.Depth(ctx, "whisper-large-v3")
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected the restored message back in the visible queue, depth=%d", depth)
	}
}

func TestCancelQueued_RemovesUndispatchedMessage(t *testing.T) {
	q := newTestQueues(t)
	ctx := context.Background()

	msg := testMessage("task-1")
	if err := q.Enqueue(ctx, msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.CancelQueued(ctx, "whisper-large-v3", msg); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}

	depth, err := q.Depth(ctx, "whisper-large-v3")
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("expected the cancelled message removed, depth=%d", depth)
	}
}
