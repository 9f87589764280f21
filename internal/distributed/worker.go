package distributed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orchestrahub/hub/internal/bus"
	"github.com/orchestrahub/hub/internal/queue"
	"github.com/orchestrahub/hub/internal/types"
)

// ProcessFunc drives one claimed run to completion. The composition root
// binds this to Executor.DispatchNow: the task only carries a run ID and
// routing hints because the run's full state already lives in the Store
// the Coordinator and Executor share.
type ProcessFunc func(ctx context.Context, task queue.Task) error

// RunLoader is the subset of executor.Store a Worker needs to skip
// deliveries for runs a different node already finished or cancelled.
type RunLoader interface {
	LoadRun(ctx context.Context, runID string) (types.Run, error)
}

// Worker claims run dispatch tasks from a shared queue.Queue and drives
// them through ProcessFunc, retrying with backoff up to the task's
// MaxAttempts before moving it to the dead letter queue. It is grounded
// on the teacher's runtime/distributed.worker claim-process-ack loop.
type Worker interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SetShardRouter(r *ShardRouter)
}

type worker struct {
	cfg       WorkerConfig
	runs      RunLoader
	attempts  AttemptStore
	queue     queue.Queue
	observer  bus.Sink
	policy    RuntimePolicy
	processor ProcessFunc
	shards    *ShardRouter

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewWorker(cfg WorkerConfig, runs RunLoader, attempts AttemptStore, q queue.Queue, observer bus.Sink, policy RuntimePolicy, processor ProcessFunc) (Worker, error) {
	if runs == nil {
		return nil, fmt.Errorf("run store is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt store is required")
	}
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if strings.TrimSpace(cfg.WorkerID) == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	return &worker{
		cfg: cfg, runs: runs, attempts: attempts, queue: q, observer: observer,
		policy: NormalizeRuntimePolicy(policy), processor: processor,
	}, nil
}

// SetShardRouter wires in an optional ShardRouter, letting this worker
// yield deliveries rendezvous-hashed to a different node back to the
// queue instead of processing them itself. Nil (the default) skips the
// check entirely and every delivery is processed where it's claimed, the
// same as before ShardRouter existed. Calling it after Start is not safe.
func (w *worker) SetShardRouter(r *ShardRouter) { w.shards = r }

func (w *worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return fmt.Errorf("worker already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.started = true
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	defer func() {
		cancel()
		w.mu.Lock()
		w.started = false
		w.cancel = nil
		if w.done == done {
			close(done)
			w.done = nil
		}
		w.mu.Unlock()
	}()

	heartbeat := time.NewTicker(w.policy.HeartbeatInterval)
	defer heartbeat.Stop()

	if err := w.attempts.SaveWorkerHeartbeat(runCtx, WorkerHeartbeat{WorkerID: w.cfg.WorkerID, Status: "online", LastSeenAt: time.Now().UTC(), Capacity: w.cfg.Capacity}); err != nil {
		return err
	}
	for {
		select {
		case <-runCtx.Done():
			_ = w.attempts.SaveWorkerHeartbeat(context.Background(), WorkerHeartbeat{WorkerID: w.cfg.WorkerID, Status: "offline", LastSeenAt: time.Now().UTC(), Capacity: w.cfg.Capacity})
			return runCtx.Err()
		case <-heartbeat.C:
			_ = w.attempts.SaveWorkerHeartbeat(runCtx, WorkerHeartbeat{WorkerID: w.cfg.WorkerID, Status: "online", LastSeenAt: time.Now().UTC(), Capacity: w.cfg.Capacity})
		default:
			deliveries, err := w.queue.Claim(runCtx, w.cfg.WorkerID, w.policy.ClaimBlock, w.cfg.Capacity)
			if err != nil {
				w.waitOrStop(runCtx)
				continue
			}
			if len(deliveries) == 0 {
				w.waitOrStop(runCtx)
				continue
			}
			for _, delivery := range deliveries {
				if err := w.handleDelivery(runCtx, delivery); err != nil {
					_ = w.attempts.SaveQueueEvent(runCtx, QueueEvent{RunID: delivery.Task.RunID, Event: "worker.delivery.error", At: time.Now().UTC(), Payload: map[string]any{"workerId": w.cfg.WorkerID, "error": err.Error()}})
				}
			}
		}
	}
}

func (w *worker) waitOrStop(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.policy.PollInterval):
	}
}

func (w *worker) Stop(ctx context.Context) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done == nil {
		return nil
	}
	if ctx == nil {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *worker) handleDelivery(ctx context.Context, delivery queue.Delivery) error {
	task := delivery.Task
	now := time.Now().UTC()
	if task.NotBefore != nil && now.Before(task.NotBefore.UTC()) {
		_, _ = w.queue.Requeue(ctx, task, "not_before", task.NotBefore.UTC().Sub(now))
		return w.queue.Ack(ctx, w.cfg.WorkerID, delivery.ID)
	}
	if task.RunID == "" {
		return w.queue.Ack(ctx, w.cfg.WorkerID, delivery.ID)
	}
	if preferred := w.preferredOwner(task.RunID); preferred != "" && preferred != w.cfg.WorkerID {
		_, _ = w.queue.Requeue(ctx, task, "shard_preference", 0)
		_ = w.attempts.SaveQueueEvent(ctx, QueueEvent{RunID: task.RunID, Event: "queue.yielded", At: now, Payload: map[string]any{"workerId": w.cfg.WorkerID, "preferredWorkerId": preferred}})
		return w.queue.Ack(ctx, w.cfg.WorkerID, delivery.ID)
	}
	if task.Attempt <= 0 {
		task.Attempt = 1
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = w.policy.MaxAttempts
	}

	if run, err := w.runs.LoadRun(ctx, task.RunID); err == nil && run.Status.Terminal() {
		return w.queue.Ack(ctx, w.cfg.WorkerID, delivery.ID)
	}

	_ = w.attempts.StartAttempt(ctx, AttemptRecord{RunID: task.RunID, Attempt: task.Attempt, WorkerID: w.cfg.WorkerID, Status: "running", StartedAt: now, Metadata: map[string]any{"messageId": delivery.ID}})
	_ = w.attempts.SaveQueueEvent(ctx, QueueEvent{RunID: task.RunID, Event: "queue.claimed", At: now, Payload: map[string]any{"workerId": w.cfg.WorkerID, "attempt": task.Attempt}})
	w.emit(ctx, types.EventRunStarted, task.RunID, task.AgentID, task.ThreadID, map[string]any{"workerId": w.cfg.WorkerID, "attempt": task.Attempt})

	runErr := w.processor(ctx, task)
	if runErr == nil {
		finished := time.Now().UTC()
		_ = w.attempts.FinishAttempt(ctx, task.RunID, task.Attempt, "completed", "")
		_ = w.attempts.SaveQueueEvent(ctx, QueueEvent{RunID: task.RunID, Event: "run.completed", At: finished, Payload: map[string]any{"workerId": w.cfg.WorkerID, "attempt": task.Attempt}})
		w.emit(ctx, types.EventRunCompleted, task.RunID, task.AgentID, task.ThreadID, map[string]any{"workerId": w.cfg.WorkerID})
		return w.queue.Ack(ctx, w.cfg.WorkerID, delivery.ID)
	}

	errText := runErr.Error()
	_ = w.attempts.FinishAttempt(ctx, task.RunID, task.Attempt, "failed", errText)
	if task.Attempt < task.MaxAttempts {
		next := task
		next.Attempt = task.Attempt + 1
		backoff := w.policy.Backoff(task.Attempt)
		_, _ = w.queue.Requeue(ctx, next, errText, backoff)
		_ = w.attempts.SaveQueueEvent(ctx, QueueEvent{RunID: task.RunID, Event: "queue.retried", At: time.Now().UTC(), Payload: map[string]any{"attempt": next.Attempt, "error": errText}})
		w.emit(ctx, types.EventRunFailed, task.RunID, task.AgentID, task.ThreadID, map[string]any{"attempt": next.Attempt, "retrying": true, "error": errText})
		return w.queue.Ack(ctx, w.cfg.WorkerID, delivery.ID)
	}

	_, _ = w.queue.DeadLetter(ctx, delivery, errText)
	_ = w.attempts.SaveQueueEvent(ctx, QueueEvent{RunID: task.RunID, Event: "queue.dead_lettered", At: time.Now().UTC(), Payload: map[string]any{"attempt": task.Attempt, "error": errText}})
	w.emit(ctx, types.EventRunFailed, task.RunID, task.AgentID, task.ThreadID, map[string]any{"attempt": task.Attempt, "deadLettered": true, "error": errText})
	return nil
}

// preferredOwner reports the ShardRouter's preferred worker for runID, or
// "" when no router is configured or it has no members — both of which
// fall back to pure claim-based balancing, unchanged from before
// ShardRouter existed.
func (w *worker) preferredOwner(runID string) string {
	if w.shards == nil {
		return ""
	}
	return w.shards.Preferred(runID)
}

func (w *worker) emit(ctx context.Context, name types.EventName, runID, agentID, threadID string, attrs map[string]any) {
	if w == nil || w.observer == nil {
		return
	}
	_ = w.observer.Emit(ctx, types.Event{Name: name, RunID: runID, AgentID: agentID, ThreadID: threadID, Timestamp: time.Now().UTC(), Attributes: attrs})
}

var _ Worker = (*worker)(nil)
