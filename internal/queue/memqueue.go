package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemQueue is an in-memory Queue used by tests and single-process
// deployments that want the distributed dispatch code path without Redis.
type MemQueue struct {
	mu      sync.Mutex
	seq     int64
	ready   []Delivery
	pending map[string]Delivery
	dlq     []Delivery
}

func NewMemQueue() *MemQueue {
	return &MemQueue{pending: make(map[string]Delivery)}
}

func (q *MemQueue) nextID() string {
	q.seq++
	return fmt.Sprintf("mem-%d", q.seq)
}

func (q *MemQueue) Enqueue(_ context.Context, task Task) (string, error) {
	if task.RunID == "" {
		return "", fmt.Errorf("memqueue: runID is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if task.Attempt <= 0 {
		task.Attempt = 1
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = 3
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	id := q.nextID()
	q.ready = append(q.ready, Delivery{ID: id, Stream: "mem", Task: task})
	return id, nil
}

func (q *MemQueue) Claim(_ context.Context, _ string, _ time.Duration, count int) ([]Delivery, error) {
	if count <= 0 {
		count = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now().UTC()
	out := make([]Delivery, 0, count)
	remaining := q.ready[:0]
	for _, d := range q.ready {
		if len(out) >= count {
			remaining = append(remaining, d)
			continue
		}
		if d.Task.NotBefore != nil && d.Task.NotBefore.After(now) {
			remaining = append(remaining, d)
			continue
		}
		d.Received = now
		q.pending[d.ID] = d
		out = append(out, d)
	}
	q.ready = remaining
	return out, nil
}

func (q *MemQueue) Ack(_ context.Context, _ string, messageIDs ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range messageIDs {
		delete(q.pending, id)
	}
	return nil
}

func (q *MemQueue) Nack(_ context.Context, _ string, deliveries []Delivery, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, d := range deliveries {
		delete(q.pending, d.ID)
		q.ready = append(q.ready, d)
	}
	return nil
}

func (q *MemQueue) Requeue(ctx context.Context, task Task, reason string, delay time.Duration) (string, error) {
	if delay > 0 {
		t := time.Now().UTC().Add(delay)
		task.NotBefore = &t
	}
	if task.Metadata == nil {
		task.Metadata = map[string]any{}
	}
	if reason != "" {
		task.Metadata["requeue_reason"] = reason
	}
	return q.Enqueue(ctx, task)
}

func (q *MemQueue) DeadLetter(_ context.Context, delivery Delivery, reason string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, delivery.ID)
	if delivery.Task.Metadata == nil {
		delivery.Task.Metadata = map[string]any{}
	}
	delivery.Task.Metadata["dead_letter_reason"] = reason
	id := q.nextID()
	delivery.ID = id
	q.dlq = append(q.dlq, delivery)
	return id, nil
}

func (q *MemQueue) ListDLQ(_ context.Context, limit int) ([]Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > len(q.dlq) {
		limit = len(q.dlq)
	}
	out := make([]Delivery, limit)
	for i := 0; i < limit; i++ {
		out[i] = q.dlq[len(q.dlq)-1-i]
	}
	return out, nil
}

func (q *MemQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		StreamLength: int64(len(q.ready) + len(q.pending)),
		DLQLength:    int64(len(q.dlq)),
		Pending:      int64(len(q.pending)),
	}, nil
}

func (q *MemQueue) Close() error { return nil }

var _ Queue = (*MemQueue)(nil)
