// Package exectx defines the execution context a Handler receives from
// the Run Executor (spec §4.4 step 5): the run snapshot, the resolved
// agent, optional thread context, and the atomic, persisted callbacks a
// handler uses to record steps, token usage, and suspension points. It is
// a narrow, behavior-only package so both internal/router (which defines
// Handler) and internal/executor (which implements these callbacks) can
// depend on it without a cycle.
package exectx

import (
	"context"

	"github.com/orchestrahub/hub/internal/types"
)

// AddStepFunc appends a new step to the run, already marked running with
// its StartedAt set, and returns it with its generated StepID.
type AddStepFunc func(ctx context.Context, step types.Step) (types.Step, error)

// CompleteStepFunc transitions a step to completed or failed and records
// its output, atomically (§4.4 step 5: "Each callback is atomic and
// persisted").
type CompleteStepFunc func(ctx context.Context, stepID string, output map[string]any, stepErr *types.StepError) (types.Step, error)

// UpdateTokenUsageFunc accumulates token usage into the run total.
type UpdateTokenUsageFunc func(ctx context.Context, usage types.TokenUsage) error

// CreateInterruptFunc suspends the run awaiting a human or external
// decision (§4.4 step 7, §4.5). It blocks the handler's goroutine until
// the interrupt resolves, expires, or the run is cancelled, returning the
// resolver's response or an error.
type CreateInterruptFunc func(ctx context.Context, spec types.InterruptSpec) (types.InterruptResponse, error)

// RunParallelFunc executes a parallel_execution step's children
// concurrently per the parent step's ParallelPolicy, sharing the parent's
// deadline (§4.4 Parallel steps).
type RunParallelFunc func(ctx context.Context, parentStepID string, children []types.Step, policy types.ParallelPolicy, run ChildRunFunc) ([]types.Step, error)

// ChildRunFunc executes one parallel child step and returns its output.
type ChildRunFunc func(ctx context.Context, child types.Step) (map[string]any, *types.StepError)

// StartStreamingFunc transitions the run from running to streaming (§4.4
// step 6), so events published afterwards via EmitToken/EmitToolEvent are
// meaningful to a poller or SSE subscriber. It is a no-op returning nil
// when the run wasn't submitted with streaming enabled or the dispatched
// agent doesn't advertise extensions.supports_streaming, so a handler can
// call it unconditionally.
type StartStreamingFunc func(ctx context.Context) error

// EmitTokenFunc publishes one streamed token as a `token` event (§4.4
// step 6, §6 SSE stream).
type EmitTokenFunc func(ctx context.Context, token string) error

// EmitToolEventFunc publishes a `tool:calling` or `tool:result` event
// (§4.4 step 6, §6 SSE stream).
type EmitToolEventFunc func(ctx context.Context, name types.EventName, toolName string, attrs map[string]any) error

// Context is what a Handler receives to drive one run.
type Context struct {
	Run           types.Run
	Agent         types.Agent
	ThreadContext *types.ContextWindow

	AddStep          AddStepFunc
	CompleteStep     CompleteStepFunc
	UpdateTokenUsage UpdateTokenUsageFunc
	CreateInterrupt  CreateInterruptFunc
	RunParallel      RunParallelFunc
	StartStreaming   StartStreamingFunc
	EmitToken        EmitTokenFunc
	EmitToolEvent    EmitToolEventFunc
}
