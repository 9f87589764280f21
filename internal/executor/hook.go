package executor

import (
	"context"
	"time"

	"github.com/orchestrahub/hub/internal/huberr"
	"github.com/orchestrahub/hub/internal/interrupt"
	"github.com/orchestrahub/hub/internal/types"
)

var _ interrupt.RunHook = (*Executor)(nil)

// OnInterruptCreated implements interrupt.RunHook: the Interrupt Subsystem
// has just created a pending interrupt for this run; transition the run to
// interrupted (§4.5 Create: "transitions the owning run to interrupted")
// and pause its deadline countdown (§4.4 Timeouts: "time spent interrupted
// does not count against the deadline").
func (e *Executor) OnInterruptCreated(ctx context.Context, runID string, interruptID string) error {
	run, err := e.store.LoadRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	if err := e.transition(ctx, &run, types.RunInterrupted); err != nil {
		return err
	}
	e.publish(ctx, types.EventInterrupt, run, map[string]any{"interruptId": interruptID})

	e.mu.Lock()
	handle := e.handles[runID]
	if handle != nil {
		now := time.Now().UTC()
		handle.suspendedAt = &now
	}
	e.mu.Unlock()
	if handle != nil {
		select {
		case handle.deadlinePause <- deadlineSignal{pause: true}:
		default:
		}
	}
	return nil
}

// pauseElapsed clears runID's suspendedAt marker and returns how long it
// was set, accumulating the total onto the handle for later persistence
// via dispatch()'s snapshot. Returns 0 if the run was not suspended.
func (e *Executor) pauseElapsed(runID string) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	handle := e.handles[runID]
	if handle == nil || handle.suspendedAt == nil {
		return 0
	}
	elapsed := time.Since(*handle.suspendedAt)
	handle.interruptedAccumMs += elapsed.Milliseconds()
	handle.suspendedAt = nil
	return elapsed
}

// OnInterruptResolved implements interrupt.RunHook: wake the handler
// goroutine blocked in CreateInterrupt with the resolver's response, and
// move the run back to running.
func (e *Executor) OnInterruptResolved(ctx context.Context, runID string, response types.InterruptResponse) error {
	elapsed := e.pauseElapsed(runID)

	run, err := e.store.LoadRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == types.RunInterrupted {
		run.InterruptedAccumMs += elapsed.Milliseconds()
		if err := e.transition(ctx, &run, types.RunRunning); err != nil {
			return err
		}
	}

	e.mu.Lock()
	handle := e.handles[runID]
	e.mu.Unlock()
	if handle == nil {
		return huberr.New(huberr.CodeRunExecutionFailed, "resolved interrupt has no waiting execution handle")
	}
	select {
	case handle.deadlinePause <- deadlineSignal{extend: elapsed}:
	default:
	}
	select {
	case handle.resumeCh <- resumeSignal{response: response}:
	default:
	}
	return nil
}

// OnInterruptExpired implements interrupt.RunHook: apply the interrupt's
// ExpiryPolicy (§4.5 Expiry) to the suspended run.
func (e *Executor) OnInterruptExpired(ctx context.Context, runID string, policy types.ExpiryPolicy) error {
	elapsed := e.pauseElapsed(runID)

	run, err := e.store.LoadRun(ctx, runID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	handle := e.handles[runID]
	e.mu.Unlock()

	switch policy {
	case types.ExpiryContinueWithout:
		if run.Status == types.RunInterrupted {
			run.InterruptedAccumMs += elapsed.Milliseconds()
			if err := e.transition(ctx, &run, types.RunRunning); err != nil {
				return err
			}
		}
		if handle != nil {
			select {
			case handle.deadlinePause <- deadlineSignal{extend: elapsed}:
			default:
			}
			select {
			case handle.resumeCh <- resumeSignal{response: types.InterruptResponse{}}:
			default:
			}
		}
	default: // ExpiryFailRun and unset default to failing the run.
		if !run.Status.Terminal() {
			run.Error = &types.RunError{Code: string(huberr.CodeInterruptExpired), Message: "interrupt expired unresolved", Retryable: false}
			if run.Status == types.RunInterrupted {
				run.InterruptedAccumMs += elapsed.Milliseconds()
				if err := e.transition(ctx, &run, types.RunFailed); err != nil {
					return err
				}
				e.publish(ctx, types.EventRunFailed, run, map[string]any{"code": huberr.CodeInterruptExpired})
			}
		}
		if handle != nil {
			select {
			case handle.resumeCh <- resumeSignal{err: huberr.New(huberr.CodeInterruptExpired, "interrupt expired unresolved")}:
			default:
			}
			handle.cancel()
		}
	}
	return nil
}
