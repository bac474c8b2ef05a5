package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return NewRedisQueue(Options{Addr: mr.Addr(), VisibilityTimeout: 30 * time.Second})
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Enqueue(ctx, "job-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "job-2"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 2 {
		t.Errorf("ready depth = %d, want 2", depth)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if id != "job-1" {
		t.Errorf("dequeued %q, want job-1 (FIFO)", id)
	}

	if err := q.Ack(ctx, id); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// Acked job must not come back after the lease window.
	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("acked job reclaimed: %v", ids)
	}
}

func TestDequeueEmpty(t *testing.T) {
	q := newTestQueue(t)
	id, err := q.DequeueWithLease(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if id != "" {
		t.Errorf("expected empty dequeue, got %q", id)
	}
}

func TestRequeueExpiredReclaimsLease(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	_ = q.Enqueue(ctx, "job-1")
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// Before the deadline nothing is reclaimable.
	ids, _ := q.RequeueExpired(ctx, time.Now(), 10)
	if len(ids) != 0 {
		t.Errorf("lease reclaimed early: %v", ids)
	}

	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job-1" {
		t.Fatalf("reclaimed %v, want [job-1]", ids)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "job-1" {
		t.Errorf("reclaimed job not dequeueable, got %q", id)
	}
}

func TestRemoveQueuedJob(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	_ = q.Enqueue(ctx, "job-1")

	removed, err := q.Remove(ctx, "job-1")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !removed {
		t.Errorf("expected removal of queued job")
	}
	if removed, _ := q.Remove(ctx, "job-1"); removed {
		t.Errorf("second remove should find nothing")
	}
	if id, _ := q.DequeueWithLease(ctx); id != "" {
		t.Errorf("removed job still dequeued: %q", id)
	}
}

func TestCancelMarkers(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if requested, _ := q.CancelRequested(ctx, "job-1"); requested {
		t.Errorf("cancel marker present before request")
	}
	if err := q.RequestCancel(ctx, "job-1"); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	if requested, _ := q.CancelRequested(ctx, "job-1"); !requested {
		t.Errorf("cancel marker missing after request")
	}

	// Ack clears the marker along with the lease.
	if err := q.Ack(ctx, "job-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if requested, _ := q.CancelRequested(ctx, "job-1"); requested {
		t.Errorf("cancel marker survived ack")
	}
}
