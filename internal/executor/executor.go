// Package executor implements the Run Executor (spec §4.4): the per-run
// state machine wrapped by a dispatcher that multiplexes many runs across
// a fixed-size worker pool. It is grounded on the teacher's
// runtime/distributed.Worker (claim-a-job, bind a deadline, drive to
// completion, release the slot) generalized from a single distributed
// queue consumer into the Hub's local-mode dispatch loop; distributed
// mode is layered on top by internal/distributed without changing this
// package's dispatch algorithm.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orchestrahub/hub/internal/bus"
	"github.com/orchestrahub/hub/internal/checkpoint"
	"github.com/orchestrahub/hub/internal/guardrail"
	"github.com/orchestrahub/hub/internal/huberr"
	"github.com/orchestrahub/hub/internal/router"
	"github.com/orchestrahub/hub/internal/types"
)

// Store is the durable backend for run records.
type Store interface {
	SaveRun(ctx context.Context, run types.Run) error
	LoadRun(ctx context.Context, runID string) (types.Run, error)
	ListRunsByStatus(ctx context.Context, statuses []types.RunStatus) ([]types.Run, error)
}

// AgentRegistry is the subset of agentregistry.Registry the Executor
// depends on.
type AgentRegistry interface {
	Dispatchable(ctx context.Context, agentID string) (types.Agent, error)
	IncrementActiveRuns(ctx context.Context, agentID string) error
	DecrementActiveRuns(ctx context.Context, agentID string) error
}

// ThreadStore is the subset of threadstore.Service the Executor depends on.
type ThreadStore interface {
	Get(ctx context.Context, threadID string) (types.Thread, error)
	GetContext(ctx context.Context, threadID string, budget types.ContextBudget) (types.ContextWindow, error)
}

// Router is the subset of router.Router the Executor depends on.
type Router interface {
	Route(ctx context.Context, input types.RunInput, agent types.Agent) (router.Decision, bool, error)
}

// InterruptCreator is the subset of interrupt.Service the Executor calls
// into from the CreateInterrupt callback. CancelByRun is used by Cancel.
type InterruptCreator interface {
	Create(ctx context.Context, spec types.InterruptSpec) (types.Interrupt, error)
	CancelByRun(ctx context.Context, runID string) error
}

// resumeSignal is delivered to a blocked CreateInterrupt callback when its
// interrupt resolves or expires.
type resumeSignal struct {
	response types.InterruptResponse
	err      error
}

// deadlineSignal tells dispatch's timer loop to pause or resume the run's
// deadline countdown (§4.4 Timeouts: "time spent interrupted does not
// count against the deadline"). extend is only meaningful on resume: how
// long the run spent suspended, which the deadline is pushed out by.
type deadlineSignal struct {
	pause  bool
	extend time.Duration
}

// runHandle tracks the live state of one in-flight run: its cancel func
// (the abort controller), the channel a suspended handler is waiting on,
// and the deadline-pause bookkeeping the Interrupt Subsystem's hooks drive.
type runHandle struct {
	cancel   context.CancelFunc
	resumeCh chan resumeSignal

	// suspendedAt, interruptedAccumMs and deadlinePause are guarded by
	// Executor.mu, the same lock guarding the handles map itself.
	suspendedAt        *time.Time
	interruptedAccumMs int64
	deadlinePause      chan deadlineSignal
}

// Config bounds the Executor's timing and concurrency behavior (spec §4.4,
// §5 Scheduling).
type Config struct {
	Workers              int
	QueueSize            int
	DefaultTimeoutMs     int
	MaxTimeoutMs         int
	CheckpointIntervalMs int
	GraceWindow          time.Duration
	CapabilityRouting    bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.DefaultTimeoutMs <= 0 {
		c.DefaultTimeoutMs = 30_000
	}
	if c.MaxTimeoutMs <= 0 {
		c.MaxTimeoutMs = 300_000
	}
	if c.CheckpointIntervalMs <= 0 {
		c.CheckpointIntervalMs = 10_000
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = 5 * time.Second
	}
	return c
}

// Executor is the Run Executor service.
type Executor struct {
	store       Store
	checkpoints checkpoint.Store
	registry    AgentRegistry
	threads     ThreadStore
	router      Router
	observer    bus.Sink
	interrupts  InterruptCreator
	guardrails  *guardrail.Pipeline

	cfg Config

	mu      sync.Mutex
	handles map[string]*runHandle

	queue  chan string
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs an Executor. Call SetInterrupts once the Interrupt
// Subsystem is constructed with this Executor as its RunHook — the two
// components have a necessary mutual dependency that the composition root
// resolves by wiring the Executor first, then the Interrupt Subsystem
// with the Executor as its hook, then calling SetInterrupts.
func New(store Store, checkpoints checkpoint.Store, registry AgentRegistry, threads ThreadStore, rtr Router, observer bus.Sink, cfg Config) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{
		store: store, checkpoints: checkpoints, registry: registry, threads: threads, router: rtr, observer: observer,
		cfg:     cfg,
		handles: map[string]*runHandle{},
		queue:   make(chan string, cfg.QueueSize),
		stopCh:  make(chan struct{}),
	}
}

// SetInterrupts completes the Executor<->Interrupt Subsystem wiring.
func (e *Executor) SetInterrupts(svc InterruptCreator) { e.interrupts = svc }

// SetGuardrails wires an optional policy pipeline into the dispatch path:
// once set, every step's input (before AddStep persists it) and output
// (before CompleteStep persists it) is run through the pipeline, and a
// Block verdict raises a policy_violation or high_risk_operation interrupt
// instead of silently rejecting the step. Nil (the default) skips checks
// entirely.
func (e *Executor) SetGuardrails(p *guardrail.Pipeline) { e.guardrails = p }

var _ Router = (*router.Router)(nil)

// Start launches the worker pool.
func (e *Executor) Start(ctx context.Context) {
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.workerLoop(ctx)
	}
}

// Stop signals workers to drain and wait for them to exit.
func (e *Executor) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Executor) workerLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case runID := <-e.queue:
			e.dispatch(ctx, runID)
		}
	}
}

// Submit validates and enqueues a new run (spec §4.4 Dispatch algorithm
// steps 1-3, up to routing, performed eagerly so submission fails fast;
// steps 4+ happen in dispatch once a worker claims the run).
func (e *Executor) Submit(ctx context.Context, agentID, threadID string, input types.RunInput, opts types.RunOptions) (types.Run, error) {
	agent, err := e.registry.Dispatchable(ctx, agentID)
	if err != nil {
		return types.Run{}, err
	}

	if threadID != "" {
		thread, err := e.threads.Get(ctx, threadID)
		if err != nil {
			return types.Run{}, err
		}
		if thread.Status != types.ThreadActive {
			return types.Run{}, huberr.New(huberr.CodeThreadClosed, fmt.Sprintf("thread %q is %s", threadID, thread.Status))
		}
		if len(input.Messages) == 0 {
			window, err := e.threads.GetContext(ctx, threadID, types.ContextBudget{Strategy: types.ContextStrategyRecent})
			if err != nil {
				return types.Run{}, err
			}
			input.Messages = window.Messages
		}
	}

	if _, ok, err := e.router.Route(ctx, input, agent); err != nil {
		return types.Run{}, err
	} else if !ok {
		return types.Run{}, huberr.New(huberr.CodeRunExecutionFailed, "no handler matched the routed operation")
	}

	now := time.Now().UTC()
	run := types.Run{
		RunID:            uuid.NewString(),
		AgentID:          agentID,
		ThreadID:         threadID,
		Status:           types.RunPending,
		Input:            input,
		TimeoutMs:        opts.TimeoutMs,
		StreamingEnabled: opts.StreamingEnabled,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.store.SaveRun(ctx, run); err != nil {
		return types.Run{}, fmt.Errorf("executor: failed to persist run: %w", err)
	}
	e.checkpoint(ctx, run)

	e.enqueue(run.RunID)
	return run, nil
}

// Get returns the current persisted state of a run, for read-only status
// lookups (spec §6 GET /api/cap/runs/{id}) that shouldn't go through the
// dispatch path.
func (e *Executor) Get(ctx context.Context, runID string) (types.Run, error) {
	return e.store.LoadRun(ctx, runID)
}

// CountQueuedRuns reports how many of agentID's runs are waiting for a
// worker (pending or queued, not yet running). It backs the Agent
// Registry's health Prober's QueuedRunsFunc (spec §4.1: "queued-run
// count"), wired in by the composition root via Prober.SetQueuedRunsSource
// once both services exist.
func (e *Executor) CountQueuedRuns(ctx context.Context, agentID string) (int, error) {
	runs, err := e.store.ListRunsByStatus(ctx, []types.RunStatus{types.RunPending, types.RunQueued})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, run := range runs {
		if run.AgentID == agentID {
			n++
		}
	}
	return n, nil
}

func (e *Executor) enqueue(runID string) {
	select {
	case e.queue <- runID:
	default:
		// queue full: wait until a worker frees a slot rather than drop a
		// submitted run.
		e.queue <- runID
	}
}

func (e *Executor) checkpoint(ctx context.Context, run types.Run) {
	if e.checkpoints == nil {
		return
	}
	state := map[string]any{"steps": run.Steps, "input": run.Input, "output": run.Output, "error": run.Error}
	snap := checkpoint.Snapshot{
		RunID:        run.RunID,
		Seq:          len(run.Steps),
		Status:       string(run.Status),
		ThreadCursor: int64(len(run.Steps)),
		State:        state,
		CreatedAt:    time.Now().UTC(),
	}
	_ = e.checkpoints.Save(ctx, snap)
}

func (e *Executor) publish(ctx context.Context, name types.EventName, run types.Run, attrs map[string]any) {
	if e.observer == nil {
		return
	}
	_ = e.observer.Emit(ctx, types.Event{
		Name: name, RunID: run.RunID, AgentID: run.AgentID, ThreadID: run.ThreadID,
		Timestamp: time.Now().UTC(), Attributes: attrs,
	})
}

func (e *Executor) transition(ctx context.Context, run *types.Run, to types.RunStatus) error {
	// Re-check against the persisted status: a concurrent Cancel (or the
	// Interrupt Subsystem's hook) may have already driven this run to a
	// terminal state while this goroutine was executing. Terminal status
	// is never overwritten (§8).
	if persisted, err := e.store.LoadRun(ctx, run.RunID); err == nil && persisted.Status.Terminal() {
		*run = persisted
		return huberr.New(huberr.CodeValidation, fmt.Sprintf("run %s is already terminal (%s)", run.RunID, persisted.Status))
	}
	if !types.CanTransitionRun(run.Status, to) {
		return huberr.New(huberr.CodeValidation, fmt.Sprintf("illegal run transition %s -> %s", run.Status, to))
	}
	run.Status = to
	run.UpdatedAt = time.Now().UTC()
	if to == types.RunRunning && run.StartedAt == nil {
		started := run.UpdatedAt
		run.StartedAt = &started
	}
	if to.Terminal() {
		completed := run.UpdatedAt
		run.CompletedAt = &completed
	}
	if err := e.store.SaveRun(ctx, *run); err != nil {
		return fmt.Errorf("executor: failed to persist transition: %w", err)
	}
	e.checkpoint(ctx, *run)
	return nil
}
