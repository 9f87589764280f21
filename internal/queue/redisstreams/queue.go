// Package redisstreams adapts the teacher's runtime/queue/redisstreams
// backend (a Redis Streams consumer group) to the Hub's queue.Queue
// contract, unchanged in mechanism: XADD to enqueue, XREADGROUP to claim,
// XACK+XDEL to acknowledge, a second stream as the dead letter queue.
package redisstreams

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/orchestrahub/hub/internal/queue"
)

const (
	defaultPrefix = "hub:queue"
	defaultGroup  = "executors"
)

type Queue struct {
	client    *goredis.Client
	addr      string
	password  string
	db        int
	prefix    string
	group     string
	runStream string
	dlqStream string
}

type Option func(*Queue)

func WithClient(client *goredis.Client) Option {
	return func(q *Queue) {
		if client != nil {
			q.client = client
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(q *Queue) {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" {
			q.prefix = prefix
		}
	}
}

func WithGroup(group string) Option {
	return func(q *Queue) {
		group = strings.TrimSpace(group)
		if group != "" {
			q.group = group
		}
	}
}

func WithPassword(password string) Option { return func(q *Queue) { q.password = password } }
func WithDB(db int) Option                 { return func(q *Queue) { q.db = db } }

// New dials Redis and ensures the consumer group exists.
func New(addr string, opts ...Option) (*Queue, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("redisstreams: addr is required")
	}
	q := &Queue{addr: addr, prefix: defaultPrefix, group: defaultGroup}
	for _, opt := range opts {
		opt(q)
	}
	if q.client == nil {
		q.client = goredis.NewClient(&goredis.Options{Addr: q.addr, Password: q.password, DB: q.db})
	}
	if err := q.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redisstreams: ping failed: %w", err)
	}
	q.runStream = q.prefix + ":runs"
	q.dlqStream = q.prefix + ":runs:dlq"
	if err := q.ensureGroup(context.Background()); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) ensureGroup(ctx context.Context) error {
	res := q.client.XGroupCreateMkStream(ctx, q.runStream, q.group, "0")
	if err := res.Err(); err != nil && !strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP") {
		return fmt.Errorf("redisstreams: failed to ensure stream group: %w", err)
	}
	return nil
}

func (q *Queue) Enqueue(ctx context.Context, task queue.Task) (string, error) {
	if task.RunID == "" {
		return "", fmt.Errorf("redisstreams: runID is required")
	}
	if task.Attempt <= 0 {
		task.Attempt = 1
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = 3
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	if task.Metadata == nil {
		task.Metadata = map[string]any{}
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("redisstreams: failed to marshal task: %w", err)
	}
	id, err := q.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.runStream,
		Values: map[string]any{"payload": string(payload)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("redisstreams: failed to enqueue task: %w", err)
	}
	return id, nil
}

func (q *Queue) Claim(ctx context.Context, consumer string, block time.Duration, count int) ([]queue.Delivery, error) {
	if strings.TrimSpace(consumer) == "" {
		return nil, fmt.Errorf("redisstreams: consumer is required")
	}
	if count <= 0 {
		count = 1
	}
	if block < 0 {
		block = 0
	}
	res, err := q.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.runStream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if err == goredis.Nil {
			return []queue.Delivery{}, nil
		}
		return nil, fmt.Errorf("redisstreams: failed to claim tasks: %w", err)
	}
	out := make([]queue.Delivery, 0, count)
	for _, stream := range res {
		for _, msg := range stream.Messages {
			payload, _ := msg.Values["payload"].(string)
			if payload == "" {
				continue
			}
			var task queue.Task
			if err := json.Unmarshal([]byte(payload), &task); err != nil {
				_ = q.client.XAck(ctx, q.runStream, q.group, msg.ID).Err()
				continue
			}
			out = append(out, queue.Delivery{ID: msg.ID, Stream: stream.Stream, Task: task, Received: time.Now().UTC()})
		}
	}
	return out, nil
}

func (q *Queue) Ack(ctx context.Context, _ string, messageIDs ...string) error {
	args := make([]string, 0, len(messageIDs))
	for _, id := range messageIDs {
		if id = strings.TrimSpace(id); id != "" {
			args = append(args, id)
		}
	}
	if len(args) == 0 {
		return nil
	}
	if err := q.client.XAck(ctx, q.runStream, q.group, args...).Err(); err != nil {
		return fmt.Errorf("redisstreams: failed to ack: %w", err)
	}
	_ = q.client.XDel(ctx, q.runStream, args...).Err()
	return nil
}

func (q *Queue) Nack(ctx context.Context, _ string, deliveries []queue.Delivery, _ string) error {
	ids := make([]string, 0, len(deliveries))
	for _, d := range deliveries {
		if d.ID != "" {
			ids = append(ids, d.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := q.client.XAck(ctx, q.runStream, q.group, ids...).Err(); err != nil {
		return fmt.Errorf("redisstreams: failed to nack: %w", err)
	}
	return nil
}

func (q *Queue) Requeue(ctx context.Context, task queue.Task, reason string, delay time.Duration) (string, error) {
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

func (q *Queue) DeadLetter(ctx context.Context, delivery queue.Delivery, reason string) (string, error) {
	if delivery.Task.Metadata == nil {
		delivery.Task.Metadata = map[string]any{}
	}
	delivery.Task.Metadata["dead_letter_reason"] = reason
	payload, err := json.Marshal(delivery.Task)
	if err != nil {
		return "", fmt.Errorf("redisstreams: failed to marshal dead letter task: %w", err)
	}
	id, err := q.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.dlqStream,
		Values: map[string]any{"payload": string(payload), "source_id": delivery.ID, "reason": reason},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("redisstreams: failed to move task to dlq: %w", err)
	}
	_ = q.Ack(ctx, "", delivery.ID)
	return id, nil
}

func (q *Queue) ListDLQ(ctx context.Context, limit int) ([]queue.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	entries, err := q.client.XRevRangeN(ctx, q.dlqStream, "+", "-", int64(limit)).Result()
	if err != nil {
		if err == goredis.Nil {
			return []queue.Delivery{}, nil
		}
		return nil, fmt.Errorf("redisstreams: failed to list dlq: %w", err)
	}
	out := make([]queue.Delivery, 0, len(entries))
	for _, entry := range entries {
		payload, _ := entry.Values["payload"].(string)
		if payload == "" {
			continue
		}
		var task queue.Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			continue
		}
		out = append(out, queue.Delivery{ID: entry.ID, Stream: q.dlqStream, Task: task, Received: time.Now().UTC()})
	}
	return out, nil
}

func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	runLen, err := q.client.XLen(ctx, q.runStream).Result()
	if err != nil && err != goredis.Nil {
		return queue.Stats{}, fmt.Errorf("redisstreams: failed to read queue length: %w", err)
	}
	dlqLen, err := q.client.XLen(ctx, q.dlqStream).Result()
	if err != nil && err != goredis.Nil {
		return queue.Stats{}, fmt.Errorf("redisstreams: failed to read dlq length: %w", err)
	}
	pending := int64(0)
	if pendingRes, err := q.client.XPending(ctx, q.runStream, q.group).Result(); err == nil {
		pending = pendingRes.Count
	}
	return queue.Stats{StreamLength: runLen, DLQLength: dlqLen, Pending: pending}, nil
}

func (q *Queue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

var _ queue.Queue = (*Queue)(nil)
