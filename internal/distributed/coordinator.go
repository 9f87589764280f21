package distributed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orchestrahub/hub/internal/bus"
	"github.com/orchestrahub/hub/internal/executor"
	"github.com/orchestrahub/hub/internal/huberr"
	"github.com/orchestrahub/hub/internal/queue"
	"github.com/orchestrahub/hub/internal/types"
)

// QueueConfig names the shared queue a distributed deployment dispatches
// through.
type QueueConfig struct {
	Name string
}

// WorkerConfig identifies one worker process and its claim capacity.
type WorkerConfig struct {
	WorkerID string
	Capacity int
}

// Coordinator is the distributed-mode counterpart of Executor.Submit: it
// performs the same eager validation (agent dispatchable, thread active)
// but hands the run off to a shared queue.Queue instead of a local
// channel, so any worker process in the fleet — not just this one — may
// claim and dispatch it.
type Coordinator interface {
	SubmitRun(ctx context.Context, req SubmitRequest) (SubmitResult, error)
	CancelRun(ctx context.Context, runID, reason string) error
	RequeueRun(ctx context.Context, runID string) error
	QueueStats(ctx context.Context) (queue.Stats, error)
	ListWorkers(ctx context.Context, limit int) ([]WorkerHeartbeat, error)
	ListRunAttempts(ctx context.Context, runID string, limit int) ([]AttemptRecord, error)
	ListQueueEvents(ctx context.Context, runID string, limit int) ([]QueueEvent, error)
	ListDLQ(ctx context.Context, limit int) ([]queue.Delivery, error)
}

type coordinator struct {
	store     executor.Store
	registry  executor.AgentRegistry
	threads   executor.ThreadStore
	router    executor.Router
	attempts  AttemptStore
	queue     queue.Queue
	observer  bus.Sink
	policy    RuntimePolicy
	queueName string

	mu        sync.Mutex
	cancelled map[string]time.Time
}

func NewCoordinator(store executor.Store, registry executor.AgentRegistry, threads executor.ThreadStore, rtr executor.Router, attempts AttemptStore, q queue.Queue, observer bus.Sink, cfg QueueConfig, policy RuntimePolicy) (Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("run store is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("agent registry is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt store is required")
	}
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}
	queueName := strings.TrimSpace(cfg.Name)
	if queueName == "" {
		queueName = "runs"
	}
	return &coordinator{
		store: store, registry: registry, threads: threads, router: rtr,
		attempts: attempts, queue: q, observer: observer,
		policy:    NormalizeRuntimePolicy(policy),
		queueName: queueName,
		cancelled: map[string]time.Time{},
	}, nil
}

func (c *coordinator) SubmitRun(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	agent, err := c.registry.Dispatchable(ctx, req.AgentID)
	if err != nil {
		return SubmitResult{}, err
	}

	input := types.RunInput{Operation: req.Operation}
	if req.ThreadID != "" && c.threads != nil {
		thread, err := c.threads.Get(ctx, req.ThreadID)
		if err != nil {
			return SubmitResult{}, err
		}
		if thread.Status != types.ThreadActive {
			return SubmitResult{}, huberr.New(huberr.CodeThreadClosed, fmt.Sprintf("thread %q is %s", req.ThreadID, thread.Status))
		}
	}
	if c.router != nil {
		if _, ok, err := c.router.Route(ctx, input, agent); err != nil {
			return SubmitResult{}, err
		} else if !ok {
			return SubmitResult{}, huberr.New(huberr.CodeRunExecutionFailed, "no handler matched the routed operation")
		}
	}

	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		runID = uuid.NewString()
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = c.policy.MaxAttempts
	}
	now := time.Now().UTC()
	run := types.Run{
		RunID:     runID,
		AgentID:   req.AgentID,
		ThreadID:  req.ThreadID,
		Status:    types.RunQueued,
		Input:     input,
		TimeoutMs: req.TimeoutMs,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.SaveRun(ctx, run); err != nil {
		return SubmitResult{}, fmt.Errorf("distributed: failed to persist queued run: %w", err)
	}

	task := queue.Task{
		RunID:       runID,
		AgentID:     req.AgentID,
		ThreadID:    req.ThreadID,
		Attempt:     1,
		MaxAttempts: maxAttempts,
		Metadata:    req.Metadata,
		EnqueuedAt:  now,
	}
	msgID, err := c.queue.Enqueue(ctx, task)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("distributed: failed to enqueue run: %w", err)
	}
	_ = c.attempts.SaveQueueEvent(ctx, QueueEvent{RunID: runID, Event: "queue.enqueued", At: now, Payload: map[string]any{"messageId": msgID, "maxAttempts": maxAttempts}})
	c.emit(ctx, types.EventRunStarted, runID, req.AgentID, req.ThreadID, map[string]any{"messageId": msgID, "attempt": 1, "queue": c.queueName})
	return SubmitResult{RunID: runID, MessageID: msgID, EnqueuedAt: now}, nil
}

func (c *coordinator) CancelRun(ctx context.Context, runID, reason string) error {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("runID is required")
	}
	run, err := c.store.LoadRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	run.Status = types.RunCancelled
	run.Error = &types.RunError{Code: string(huberr.CodeRunCancelled), Message: reason}
	run.CompletedAt = &now
	run.UpdatedAt = now
	if err := c.store.SaveRun(ctx, run); err != nil {
		return err
	}
	c.setCancelled(runID)
	_ = c.attempts.SaveQueueEvent(ctx, QueueEvent{RunID: runID, Event: "run.cancelled", At: now})
	c.emit(ctx, types.EventRunFailed, runID, run.AgentID, run.ThreadID, map[string]any{"code": huberr.CodeRunCancelled, "reason": reason})
	return nil
}

func (c *coordinator) setCancelled(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled[runID] = time.Now()
	if len(c.cancelled) > 1000 {
		cutoff := time.Now().Add(-1 * time.Hour)
		for id, ts := range c.cancelled {
			if ts.Before(cutoff) {
				delete(c.cancelled, id)
			}
		}
	}
}

func (c *coordinator) RequeueRun(ctx context.Context, runID string) error {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("runID is required")
	}
	run, err := c.store.LoadRun(ctx, runID)
	if err != nil {
		return err
	}
	attempts, _ := c.attempts.ListAttempts(ctx, runID, 1)
	nextAttempt := 1
	if len(attempts) > 0 {
		nextAttempt = attempts[0].Attempt + 1
	}
	task := queue.Task{
		RunID:       run.RunID,
		AgentID:     run.AgentID,
		ThreadID:    run.ThreadID,
		Attempt:     nextAttempt,
		MaxAttempts: c.policy.MaxAttempts,
		Metadata:    map[string]any{"requeued": true},
	}
	if _, err := c.queue.Enqueue(ctx, task); err != nil {
		return err
	}
	now := time.Now().UTC()
	run.Status = types.RunQueued
	run.Error = nil
	run.CompletedAt = nil
	run.UpdatedAt = now
	if err := c.store.SaveRun(ctx, run); err != nil {
		return err
	}
	_ = c.attempts.SaveQueueEvent(ctx, QueueEvent{RunID: runID, Event: "queue.requeued", At: now, Payload: map[string]any{"attempt": nextAttempt}})
	return nil
}

func (c *coordinator) QueueStats(ctx context.Context) (queue.Stats, error) { return c.queue.Stats(ctx) }

func (c *coordinator) ListWorkers(ctx context.Context, limit int) ([]WorkerHeartbeat, error) {
	return c.attempts.ListWorkerHeartbeats(ctx, limit)
}

func (c *coordinator) ListRunAttempts(ctx context.Context, runID string, limit int) ([]AttemptRecord, error) {
	return c.attempts.ListAttempts(ctx, runID, limit)
}

func (c *coordinator) ListQueueEvents(ctx context.Context, runID string, limit int) ([]QueueEvent, error) {
	return c.attempts.ListQueueEvents(ctx, runID, limit)
}

func (c *coordinator) ListDLQ(ctx context.Context, limit int) ([]queue.Delivery, error) {
	return c.queue.ListDLQ(ctx, limit)
}

func (c *coordinator) emit(ctx context.Context, name types.EventName, runID, agentID, threadID string, attrs map[string]any) {
	if c.observer == nil {
		return
	}
	_ = c.observer.Emit(ctx, types.Event{Name: name, RunID: runID, AgentID: agentID, ThreadID: threadID, Timestamp: time.Now().UTC(), Attributes: attrs})
}

var _ Coordinator = (*coordinator)(nil)
