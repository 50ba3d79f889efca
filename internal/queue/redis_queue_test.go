package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testQueue(t *testing.T, visibility time.Duration) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisQueueWithClient(client, visibility)
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, 30*time.Second)

	if err := q.Enqueue(ctx, "job-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "job-2"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	depth, err := q.Depth(ctx)
	if err != nil || depth != 2 {
		t.Fatalf("expected depth 2, got %d err=%v", depth, err)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if id != "job-1" {
		t.Fatalf("expected FIFO order, got %q", id)
	}

	depth, _ = q.Depth(ctx)
	if depth != 1 {
		t.Fatalf("expected depth 1 after dequeue, got %d", depth)
	}

	if err := q.Ack(ctx, id); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// An acked job must not be reclaimed later.
	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("acked job reclaimed: %v", reclaimed)
	}
}

func TestDequeueEmptyReturnsNothing(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, time.Second)

	id, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if id != "" {
		t.Fatalf("expected empty id, got %q", id)
	}
}

func TestRequeueExpiredReclaimsLease(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, time.Millisecond)

	if err := q.Enqueue(ctx, "job-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "job-1" {
		t.Fatalf("dequeue: id=%q err=%v", id, err)
	}

	// The lease deadline is in the past relative to this reclaim pass.
	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != "job-1" {
		t.Fatalf("expected job-1 reclaimed, got %v", reclaimed)
	}

	// The job is deliverable again: at-least-once.
	id, err = q.DequeueWithLease(ctx)
	if err != nil || id != "job-1" {
		t.Fatalf("redelivery failed: id=%q err=%v", id, err)
	}
}

func TestPing(t *testing.T) {
	q := testQueue(t, time.Second)
	if err := q.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
