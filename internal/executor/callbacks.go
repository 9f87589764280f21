package executor

import (
	"context"
	"sync"
	"time"

	"github.com/orchestrahub/hub/internal/exectx"
	"github.com/orchestrahub/hub/internal/graph"
	"github.com/orchestrahub/hub/internal/guardrail"
	"github.com/orchestrahub/hub/internal/huberr"
	"github.com/orchestrahub/hub/internal/types"
)

// execMu guards concurrent mutation of one run's execCtx.Run.Steps, needed
// because RunParallel fans child steps out across goroutines that each
// call AddStep/CompleteStep concurrently (§4.4 Parallel steps).
var execMu sync.Mutex

// snapshotRun returns a consistent copy of execCtx.Run for the dispatcher
// to persist once the handler has returned or been cancelled.
func snapshotRun(execCtx *exectx.Context) types.Run {
	execMu.Lock()
	defer execMu.Unlock()
	return execCtx.Run
}

// textFieldKeys are the well-known keys a step's Input/Output map uses for
// its checkable natural-language payload, checked in priority order.
var textFieldKeys = []string{"text", "response", "query", "prompt", "message", "output"}

// textField finds the first populated well-known text field in a step's
// Input or Output map, returning its key so a rewrite (from an
// ActionRedact check) can be written back in place.
func textField(m map[string]any) (key, text string) {
	for _, k := range textFieldKeys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return k, s
			}
		}
	}
	return "", ""
}

// enforceGuardrail runs the pipeline in the given direction against text.
// A non-blocking verdict returns the (possibly redacted) text unchanged
// otherwise. A blocking verdict raises a policy_violation or
// high_risk_operation interrupt via CreateInterrupt and blocks until it is
// resolved; an approved override lets the original text through, any other
// response fails with CodeGuardrailBlocked, and an error from
// CreateInterrupt (an expired or cancelled interrupt) is returned as is.
func (e *Executor) enforceGuardrail(ctx context.Context, execCtx *exectx.Context, direction, text string, detail map[string]any) (string, error) {
	if e.guardrails == nil || text == "" {
		return text, nil
	}

	var rewritten string
	var results []guardrail.Result
	var err error
	if direction == "input" {
		rewritten, results, err = e.guardrails.CheckInput(ctx, text)
	} else {
		rewritten, results, err = e.guardrails.CheckOutput(ctx, text)
	}
	if err != nil {
		return "", err
	}
	if !guardrail.HasBlock(results) {
		if rewritten != "" {
			return rewritten, nil
		}
		return text, nil
	}

	summary := guardrail.Summary(results)
	if e.interrupts == nil {
		return "", huberr.New(huberr.CodeGuardrailBlocked, summary)
	}

	interruptType := types.InterruptPolicyViolation
	if guardrail.HighRisk(results) {
		interruptType = types.InterruptHighRiskOperation
	}
	if detail == nil {
		detail = map[string]any{}
	}
	detail["direction"] = direction

	resp, err := execCtx.CreateInterrupt(ctx, types.InterruptSpec{
		Type:     interruptType,
		Priority: types.PriorityHigh,
		Payload: types.InterruptPayload{
			Message:        summary,
			ProposedAction: "approve to let the " + direction + " through despite the guardrail",
			Detail:         detail,
		},
	})
	if err != nil {
		return "", err
	}
	if !resp.Approved {
		return "", huberr.New(huberr.CodeGuardrailBlocked, summary)
	}
	return text, nil
}

// makeAddStep implements the AddStep callback (§4.4 step 5): each call is
// atomic and persisted before it returns.
func (e *Executor) makeAddStep(execCtx *exectx.Context) exectx.AddStepFunc {
	return func(ctx context.Context, step types.Step) (types.Step, error) {
		if key, text := textField(step.Input); text != "" {
			rewritten, err := e.enforceGuardrail(ctx, execCtx, "input", text, map[string]any{"stepName": step.Name})
			if err != nil {
				return types.Step{}, err
			}
			if rewritten != text {
				step.Input[key] = rewritten
			}
		}

		execMu.Lock()
		step.StepID = newStepID()
		step.Status = types.StepPending
		step.CreatedAt = time.Now().UTC()
		started := step.CreatedAt
		step.StartedAt = &started
		step.Status = types.StepRunning
		execCtx.Run.Steps = append(execCtx.Run.Steps, step)
		run := execCtx.Run
		execMu.Unlock()

		if err := e.store.SaveRun(ctx, run); err != nil {
			return types.Step{}, err
		}
		e.checkpoint(ctx, run)
		e.publish(ctx, types.EventStepStarted, run, map[string]any{"stepId": step.StepID, "type": step.Type})
		return step, nil
	}
}

// makeCompleteStep implements the CompleteStep callback.
func (e *Executor) makeCompleteStep(execCtx *exectx.Context) exectx.CompleteStepFunc {
	return func(ctx context.Context, stepID string, output map[string]any, stepErr *types.StepError) (types.Step, error) {
		if stepErr == nil {
			if key, text := textField(output); text != "" {
				rewritten, err := e.enforceGuardrail(ctx, execCtx, "output", text, map[string]any{"stepId": stepID})
				if err != nil {
					return types.Step{}, err
				}
				if rewritten != text {
					output[key] = rewritten
				}
			}
		}

		execMu.Lock()
		var found *types.Step
		for i := range execCtx.Run.Steps {
			if execCtx.Run.Steps[i].StepID == stepID {
				found = &execCtx.Run.Steps[i]
				break
			}
		}
		if found == nil {
			execMu.Unlock()
			return types.Step{}, huberr.New(huberr.CodeValidation, "unknown step id: "+stepID)
		}
		now := time.Now().UTC()
		found.CompletedAt = &now
		if stepErr != nil {
			found.Status = types.StepFailed
			found.Error = stepErr
		} else {
			found.Status = types.StepCompleted
			found.Output = output
		}
		step := *found
		run := execCtx.Run
		execMu.Unlock()

		if err := e.store.SaveRun(ctx, run); err != nil {
			return types.Step{}, err
		}
		e.checkpoint(ctx, run)
		e.publish(ctx, types.EventStepCompleted, run, map[string]any{"stepId": step.StepID, "status": step.Status})
		return step, nil
	}
}

// makeUpdateTokenUsage implements the UpdateTokenUsage callback.
func (e *Executor) makeUpdateTokenUsage(execCtx *exectx.Context) exectx.UpdateTokenUsageFunc {
	return func(ctx context.Context, usage types.TokenUsage) error {
		execMu.Lock()
		if execCtx.Run.Output == nil {
			execCtx.Run.Output = &types.RunOutput{}
		}
		execCtx.Run.Output.Usage.Add(usage)
		run := execCtx.Run
		execMu.Unlock()

		if err := e.store.SaveRun(ctx, run); err != nil {
			return err
		}
		e.checkpoint(ctx, run)
		return nil
	}
}

// makeCreateInterrupt implements the CreateInterrupt callback (§4.4 step 7,
// §4.5, §9 "coroutine control flow"): it registers a resume channel, asks
// the Interrupt Subsystem to create the interrupt (which synchronously
// transitions the run to interrupted via the RunHook), then blocks until
// OnInterruptResolved or OnInterruptExpired signals it, or the run's
// context is cancelled.
func (e *Executor) makeCreateInterrupt(execCtx *exectx.Context) exectx.CreateInterruptFunc {
	return func(ctx context.Context, spec types.InterruptSpec) (types.InterruptResponse, error) {
		if e.interrupts == nil {
			return types.InterruptResponse{}, huberr.New(huberr.CodeRunExecutionFailed, "interrupt subsystem is not wired into the executor")
		}
		spec.RunID = execCtx.Run.RunID
		spec.AgentID = execCtx.Run.AgentID
		if spec.ThreadID == "" {
			spec.ThreadID = execCtx.Run.ThreadID
		}

		e.mu.Lock()
		handle := e.handles[execCtx.Run.RunID]
		e.mu.Unlock()
		if handle == nil {
			return types.InterruptResponse{}, huberr.New(huberr.CodeRunExecutionFailed, "run has no active execution handle")
		}

		if _, err := e.interrupts.Create(ctx, spec); err != nil {
			return types.InterruptResponse{}, err
		}

		select {
		case sig := <-handle.resumeCh:
			if sig.err != nil {
				return types.InterruptResponse{}, sig.err
			}
			return sig.response, nil
		case <-ctx.Done():
			return types.InterruptResponse{}, ctx.Err()
		}
	}
}

// makeStartStreaming implements the StartStreaming callback (§4.4 step 6):
// transitions running -> streaming so the run's polled status and SSE
// stream reflect that tokens are about to follow. It only takes effect
// when the run was submitted with streaming enabled and the dispatched
// agent advertises support for it; otherwise it is a harmless no-op so a
// handler can call it unconditionally rather than branching on agent
// capabilities itself.
func (e *Executor) makeStartStreaming(execCtx *exectx.Context) exectx.StartStreamingFunc {
	return func(ctx context.Context) error {
		if !execCtx.Run.StreamingEnabled || !execCtx.Agent.Extensions.SupportsStreaming {
			return nil
		}
		run, err := e.store.LoadRun(ctx, execCtx.Run.RunID)
		if err != nil {
			return err
		}
		if run.Status != types.RunRunning {
			return nil
		}
		return e.transition(ctx, &run, types.RunStreaming)
	}
}

// makeEmitToken implements the EmitToken callback.
func (e *Executor) makeEmitToken(execCtx *exectx.Context) exectx.EmitTokenFunc {
	return func(ctx context.Context, token string) error {
		e.publish(ctx, types.EventToken, execCtx.Run, map[string]any{"token": token})
		return nil
	}
}

// makeEmitToolEvent implements the EmitToolEvent callback.
func (e *Executor) makeEmitToolEvent(execCtx *exectx.Context) exectx.EmitToolEventFunc {
	return func(ctx context.Context, name types.EventName, toolName string, attrs map[string]any) error {
		if attrs == nil {
			attrs = map[string]any{}
		}
		attrs["toolName"] = toolName
		e.publish(ctx, name, execCtx.Run, attrs)
		return nil
	}
}

// makeRunParallel implements the RunParallel callback, dispatching a
// parallel_execution step's children through internal/graph so dependency
// order and the strict/lenient failure policy are honored (§4.4 Parallel
// steps).
func (e *Executor) makeRunParallel(execCtx *exectx.Context) exectx.RunParallelFunc {
	return func(ctx context.Context, parentStepID string, children []types.Step, policy types.ParallelPolicy, runChild exectx.ChildRunFunc) ([]types.Step, error) {
		g := graph.New()
		for _, child := range children {
			child.ParentStepID = parentStepID
			g.AddNode(child.StepID, child)
		}
		if err := g.Compile(); err != nil {
			return nil, huberr.Wrap(huberr.CodeValidation, "parallel step graph is invalid", err)
		}

		gp := graph.Lenient
		if policy == types.ParallelStrict {
			gp = graph.Strict
		}

		outcomes := make(map[string]types.Step, len(children))
		var outMu sync.Mutex

		_, err := graph.Execute(ctx, g, gp, func(execCtx2 context.Context, node graph.Node) error {
			step := node.Step.(types.Step)
			output, stepErr := runChild(execCtx2, step)
			step.Status = types.StepCompleted
			if stepErr != nil {
				step.Status = types.StepFailed
				step.Error = stepErr
			} else {
				step.Output = output
			}
			outMu.Lock()
			outcomes[step.StepID] = step
			outMu.Unlock()
			if stepErr != nil {
				return stepErr
			}
			return nil
		})

		results := make([]types.Step, 0, len(children))
		for _, child := range children {
			if step, ok := outcomes[child.StepID]; ok {
				results = append(results, step)
			} else {
				child.Status = types.StepFailed
				child.Error = &types.StepError{Code: string(huberr.CodeRunExecutionFailed), Message: "sibling failure aborted this step under strict policy"}
				results = append(results, child)
			}
		}
		if policy == types.ParallelStrict && err != nil {
			return results, huberr.Wrap(huberr.CodeRunExecutionFailed, "parallel step failed under strict policy", err)
		}
		return results, nil
	}
}
