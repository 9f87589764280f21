package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orchestrahub/hub/internal/exectx"
	"github.com/orchestrahub/hub/internal/huberr"
	"github.com/orchestrahub/hub/internal/types"
)

// dispatch drives one claimed run through §4.4's Dispatch algorithm: load,
// re-validate, route, transition to running, invoke the handler under a
// deadline, and apply the terminal transition.
func (e *Executor) dispatch(ctx context.Context, runID string) {
	run, err := e.store.LoadRun(ctx, runID)
	if err != nil {
		return
	}
	if run.Status.Terminal() {
		return
	}

	agent, err := e.registry.Dispatchable(ctx, run.AgentID)
	if err != nil {
		e.fail(ctx, &run, huberr.New(huberr.CodeAgentNotReady, fmt.Sprintf("agent %q is no longer dispatchable: %v", run.AgentID, err)))
		return
	}

	decision, ok, err := e.router.Route(ctx, run.Input, agent)
	if err != nil || !ok {
		e.fail(ctx, &run, huberr.New(huberr.CodeRunExecutionFailed, "no handler matched the routed operation at dispatch time"))
		return
	}
	handler := decision.Handler

	if err := e.registry.IncrementActiveRuns(ctx, run.AgentID); err != nil {
		e.fail(ctx, &run, huberr.Wrap(huberr.CodeAgentNotReady, "agent at capacity", err))
		return
	}
	defer func() { _ = e.registry.DecrementActiveRuns(context.Background(), run.AgentID) }()

	// §4.4 Timeouts: deadline_ms = min(options.timeout_ms,
	// agent.default_timeout_ms, process max_timeout_ms). Any of the three
	// that is unset (0) drops out of the min; cfg.DefaultTimeoutMs only
	// applies when none of the other three bound the run.
	deadlineMs := 0
	for _, candidate := range []int{run.TimeoutMs, agent.Extensions.DefaultTimeoutMs, e.cfg.MaxTimeoutMs} {
		if candidate <= 0 {
			continue
		}
		if deadlineMs == 0 || candidate < deadlineMs {
			deadlineMs = candidate
		}
	}
	if deadlineMs == 0 {
		deadlineMs = e.cfg.DefaultTimeoutMs
	}
	deadline := time.Now().Add(time.Duration(deadlineMs) * time.Millisecond)
	deadlineAt := deadline
	run.DeadlineAt = &deadlineAt

	if err := e.transition(ctx, &run, types.RunRunning); err != nil {
		return
	}
	e.publish(ctx, types.EventRunStarted, run, nil)

	runCtx, cancel := context.WithCancel(ctx)
	handle := &runHandle{cancel: cancel, resumeCh: make(chan resumeSignal, 1), deadlinePause: make(chan deadlineSignal, 2)}
	e.mu.Lock()
	e.handles[run.RunID] = handle
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.handles, run.RunID)
		e.mu.Unlock()
		cancel()
	}()

	var threadWindow *types.ContextWindow
	if run.ThreadID != "" {
		window, err := e.threads.GetContext(ctx, run.ThreadID, types.ContextBudget{Strategy: types.ContextStrategyRecent})
		if err == nil {
			threadWindow = &window
		}
	}

	execCtx := &exectx.Context{Run: run, Agent: agent, ThreadContext: threadWindow}
	execCtx.AddStep = e.makeAddStep(execCtx)
	execCtx.CompleteStep = e.makeCompleteStep(execCtx)
	execCtx.UpdateTokenUsage = e.makeUpdateTokenUsage(execCtx)
	execCtx.CreateInterrupt = e.makeCreateInterrupt(execCtx)
	execCtx.RunParallel = e.makeRunParallel(execCtx)
	execCtx.StartStreaming = e.makeStartStreaming(execCtx)
	execCtx.EmitToken = e.makeEmitToken(execCtx)
	execCtx.EmitToolEvent = e.makeEmitToolEvent(execCtx)

	type result struct {
		out *types.RunOutput
		err *types.RunError
	}
	resultCh := make(chan result, 1)
	started := time.Now()
	go func() {
		out, runErr := handler.Handle(runCtx, execCtx)
		resultCh <- result{out: out, err: runErr}
	}()

	timer := time.NewTimer(time.Until(deadline) + e.cfg.GraceWindow)
	defer timer.Stop()

	// Besides the writes on every transition and step callback, the stored
	// run is checkpointed every CheckpointIntervalMs while it is live.
	checkpointTicker := time.NewTicker(time.Duration(e.cfg.CheckpointIntervalMs) * time.Millisecond)
	defer checkpointTicker.Stop()

	// The deadline timer is paused and resumed by handle.deadlinePause,
	// driven by OnInterruptCreated/OnInterruptResolved/OnInterruptExpired
	// (hook.go), so time spent interrupted never counts against it.
	for {
		select {
		case res := <-resultCh:
			run = snapshotRun(execCtx)
			run.InterruptedAccumMs = e.interruptedAccumMs(run.RunID)
			if res.err != nil {
				e.failWithRunError(ctx, &run, res.err)
				return
			}
			if res.out == nil {
				res.out = &types.RunOutput{}
			}
			res.out.DurationMs = time.Since(started).Milliseconds()
			run.Output = res.out
			if err := e.transition(ctx, &run, types.RunCompleted); err != nil {
				return
			}
			e.publish(ctx, types.EventRunCompleted, run, map[string]any{"durationMs": res.out.DurationMs})
			return
		case <-timer.C:
			cancel()
			run = snapshotRun(execCtx)
			run.InterruptedAccumMs = e.interruptedAccumMs(run.RunID)
			run.Error = &types.RunError{Code: string(huberr.CodeRunTimeout), Message: "run exceeded its deadline", Retryable: true}
			if err := e.transition(ctx, &run, types.RunTimeout); err != nil {
				return
			}
			e.publish(ctx, types.EventRunFailed, run, map[string]any{"code": huberr.CodeRunTimeout})
			if e.interrupts != nil {
				_ = e.interrupts.CancelByRun(context.Background(), run.RunID)
			}
			return
		case sig := <-handle.deadlinePause:
			if sig.pause {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				continue
			}
			deadline = deadline.Add(sig.extend)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(time.Until(deadline) + e.cfg.GraceWindow)
		case <-checkpointTicker.C:
			if current, err := e.store.LoadRun(ctx, run.RunID); err == nil && !current.Status.Terminal() {
				e.checkpoint(ctx, current)
			}
		case <-runCtx.Done():
			// cancelled externally; Cancel() already performed the transition.
			return
		}
	}
}

// interruptedAccumMs reads the total time run runID has spent suspended so
// far, tracked on its runHandle by the Interrupt Subsystem's hooks.
func (e *Executor) interruptedAccumMs(runID string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.handles[runID]; ok {
		return h.interruptedAccumMs
	}
	return 0
}

// DispatchNow drives one run synchronously to a terminal state and reports
// whether it ended in failure. It is the entry point distributed-mode
// workers call after claiming a queue.Task (internal/distributed): the
// dispatch algorithm is identical to the local worker pool's, since a
// claimed run is just a run ID that is already durably persisted in the
// shared Store.
func (e *Executor) DispatchNow(ctx context.Context, runID string) error {
	e.dispatch(ctx, runID)
	run, err := e.store.LoadRun(ctx, runID)
	if err != nil {
		return err
	}
	switch run.Status {
	case types.RunFailed, types.RunTimeout:
		if run.Error != nil {
			return huberr.New(huberr.Code(run.Error.Code), run.Error.Message)
		}
		return huberr.New(huberr.CodeRunExecutionFailed, "run did not complete")
	case types.RunCancelled:
		return huberr.New(huberr.CodeRunCancelled, "run was cancelled")
	default:
		return nil
	}
}

func (e *Executor) fail(ctx context.Context, run *types.Run, err *huberr.Error) {
	e.failWithRunError(ctx, run, &types.RunError{Code: string(err.Code), Message: err.Message, Retryable: err.Retryable})
}

func (e *Executor) failWithRunError(ctx context.Context, run *types.Run, runErr *types.RunError) {
	run.Error = runErr
	if err := e.transition(ctx, run, types.RunFailed); err != nil {
		return
	}
	e.publish(ctx, types.EventRunFailed, *run, map[string]any{"code": runErr.Code})
}

// Cancel implements the Interrupt Subsystem-facing and caller-facing
// cancellation path (§4.4 Cancellation): idempotent, and resolves any
// owning interrupt as cancelled.
func (e *Executor) Cancel(ctx context.Context, runID, reason string) error {
	run, err := e.store.LoadRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	e.mu.Lock()
	handle := e.handles[runID]
	e.mu.Unlock()

	run.Error = &types.RunError{Code: string(huberr.CodeRunCancelled), Message: reason, Retryable: false}
	if err := e.transition(ctx, &run, types.RunCancelled); err != nil {
		return err
	}
	e.publish(ctx, types.EventRunFailed, run, map[string]any{"code": huberr.CodeRunCancelled, "reason": reason})

	if handle != nil {
		select {
		case handle.resumeCh <- resumeSignal{err: huberr.New(huberr.CodeRunCancelled, reason)}:
		default:
		}
		handle.cancel()
	}
	if e.interrupts != nil {
		_ = e.interrupts.CancelByRun(ctx, runID)
	}
	return nil
}

// Recover re-enqueues, on process restart, every run the run store still
// holds as pending, queued, running or streaming. A running or streaming
// run has no legal edge back to running, so it is saved as queued first;
// dispatch then invokes its handler again with the stored run record,
// persisted steps included. The checkpoint store is not read.
func (e *Executor) Recover(ctx context.Context) error {
	runs, err := e.store.ListRunsByStatus(ctx, []types.RunStatus{types.RunPending, types.RunQueued, types.RunRunning, types.RunStreaming})
	if err != nil {
		return err
	}
	for _, run := range runs {
		if run.Status == types.RunRunning || run.Status == types.RunStreaming {
			run.Status = types.RunQueued
			run.UpdatedAt = time.Now().UTC()
			if err := e.store.SaveRun(ctx, run); err != nil {
				return err
			}
		}
		e.enqueue(run.RunID)
	}
	return nil
}

func newStepID() string { return uuid.NewString() }
