package queue

import (
	"context"
	"testing"
	"time"
)

func TestEnqueueClaimAck(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, Task{RunID: "run-1", AgentID: "agent-1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deliveries, err := q.Claim(ctx, "worker-1", 0, 5)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(deliveries) != 1 || deliveries[0].Task.RunID != "run-1" {
		t.Fatalf("expected one delivery for run-1, got %+v", deliveries)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Pending != 1 {
		t.Fatalf("expected 1 pending delivery, got %d", stats.Pending)
	}

	if err := q.Ack(ctx, "worker-1", deliveries[0].ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	stats, _ = q.Stats(ctx)
	if stats.Pending != 0 || stats.StreamLength != 0 {
		t.Fatalf("expected empty queue after ack, got %+v", stats)
	}
}

func TestNackReturnsTaskToReadyQueue(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, Task{RunID: "run-1", AgentID: "agent-1"})

	deliveries, _ := q.Claim(ctx, "worker-1", 0, 5)
	if err := q.Nack(ctx, "worker-1", deliveries, "handler panicked"); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	redelivered, err := q.Claim(ctx, "worker-2", 0, 5)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(redelivered) != 1 {
		t.Fatalf("expected nacked task to be reclaimable, got %d", len(redelivered))
	}
}

func TestDeadLetterMovesTaskOutOfMainQueue(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, Task{RunID: "run-1", AgentID: "agent-1"})
	deliveries, _ := q.Claim(ctx, "worker-1", 0, 5)

	if _, err := q.DeadLetter(ctx, deliveries[0], "max attempts exceeded"); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}

	stats, _ := q.Stats(ctx)
	if stats.DLQLength != 1 || stats.Pending != 0 {
		t.Fatalf("expected task moved to dlq, got %+v", stats)
	}

	dlq, err := q.ListDLQ(ctx, 10)
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(dlq) != 1 || dlq[0].Task.Metadata["dead_letter_reason"] != "max attempts exceeded" {
		t.Fatalf("expected dlq entry with reason recorded, got %+v", dlq)
	}
}

func TestRequeueHonorsNotBeforeDelay(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, Task{RunID: "run-1", AgentID: "agent-1"})
	deliveries, _ := q.Claim(ctx, "worker-1", 0, 5)

	if _, err := q.Requeue(ctx, deliveries[0].Task, "transient failure", 50*time.Millisecond); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	immediate, _ := q.Claim(ctx, "worker-2", 0, 5)
	if len(immediate) != 0 {
		t.Fatalf("expected requeued task to not be claimable before its delay elapses, got %d", len(immediate))
	}

	time.Sleep(60 * time.Millisecond)
	delayed, err := q.Claim(ctx, "worker-2", 0, 5)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(delayed) != 1 {
		t.Fatalf("expected requeued task to be claimable after its delay, got %d", len(delayed))
	}
}
