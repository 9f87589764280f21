package demohandler

import (
	"context"
	"testing"
	"time"

	"github.com/orchestrahub/hub/internal/exectx"
	"github.com/orchestrahub/hub/internal/types"
)

func newTestExecContext(input types.RunInput) *exectx.Context {
	return newTestExecContextWithRun(types.Run{RunID: "run-1", Input: input, CreatedAt: time.Now().Add(-5 * time.Millisecond)}, types.Agent{})
}

func newTestExecContextWithRun(run types.Run, agent types.Agent) *exectx.Context {
	steps := map[string]types.Step{}
	var usage types.TokenUsage
	execCtx := &exectx.Context{
		Run:   run,
		Agent: agent,
		AddStep: func(_ context.Context, step types.Step) (types.Step, error) {
			step.StepID = "step-1"
			steps[step.StepID] = step
			return step, nil
		},
		CompleteStep: func(_ context.Context, stepID string, output map[string]any, stepErr *types.StepError) (types.Step, error) {
			step := steps[stepID]
			step.Output = output
			step.Status = types.StepCompleted
			steps[stepID] = step
			return step, nil
		},
		UpdateTokenUsage: func(_ context.Context, u types.TokenUsage) error {
			usage.Add(u)
			return nil
		},
	}
	execCtx.StartStreaming = func(context.Context) error { return nil }
	execCtx.EmitToken = func(context.Context, string) error { return nil }
	return execCtx
}

func TestEchoHandlePrefersTextOverMessages(t *testing.T) {
	execCtx := newTestExecContext(types.RunInput{
		Text:     "direct text",
		Messages: []types.Message{{Content: "should be ignored"}},
	})

	out, runErr := Echo{}.Handle(context.Background(), execCtx)
	if runErr != nil {
		t.Fatalf("Handle: %+v", runErr)
	}
	if out.Response != "echo: direct text" {
		t.Fatalf("Response = %q, want %q", out.Response, "echo: direct text")
	}
}

func TestEchoHandleFallsBackToLastMessage(t *testing.T) {
	execCtx := newTestExecContext(types.RunInput{
		Messages: []types.Message{{Content: "first"}, {Content: "last"}},
	})

	out, runErr := Echo{}.Handle(context.Background(), execCtx)
	if runErr != nil {
		t.Fatalf("Handle: %+v", runErr)
	}
	if out.Response != "echo: last" {
		t.Fatalf("Response = %q, want %q", out.Response, "echo: last")
	}
}

func TestEchoHandleStreamsTokensWhenAgentSupportsIt(t *testing.T) {
	run := types.Run{RunID: "run-1", Input: types.RunInput{Text: "hello there"}, CreatedAt: time.Now(), StreamingEnabled: true}
	agent := types.Agent{Extensions: types.Extensions{SupportsStreaming: true}}
	execCtx := newTestExecContextWithRun(run, agent)

	var streamed bool
	var tokens []string
	execCtx.StartStreaming = func(context.Context) error { streamed = true; return nil }
	execCtx.EmitToken = func(_ context.Context, token string) error { tokens = append(tokens, token); return nil }

	out, runErr := Echo{}.Handle(context.Background(), execCtx)
	if runErr != nil {
		t.Fatalf("Handle: %+v", runErr)
	}
	if !streamed {
		t.Fatalf("expected StartStreaming to be called")
	}
	if len(tokens) == 0 {
		t.Fatalf("expected at least one streamed token")
	}
	if out.Response != "echo: hello there" {
		t.Fatalf("Response = %q, want %q", out.Response, "echo: hello there")
	}
}

func TestEchoHandleDoesNotStreamWhenAgentLacksSupport(t *testing.T) {
	run := types.Run{RunID: "run-1", Input: types.RunInput{Text: "hello"}, CreatedAt: time.Now(), StreamingEnabled: true}
	execCtx := newTestExecContextWithRun(run, types.Agent{})

	var streamed bool
	execCtx.StartStreaming = func(context.Context) error { streamed = true; return nil }

	if _, runErr := (Echo{}).Handle(context.Background(), execCtx); runErr != nil {
		t.Fatalf("Handle: %+v", runErr)
	}
	if streamed {
		t.Fatalf("expected StartStreaming not to be called when the agent lacks streaming support")
	}
}

func TestEchoMetadataAdvertisesGenericOperation(t *testing.T) {
	meta := Echo{}.Metadata()
	if meta.OperationType != types.OperationGeneric {
		t.Fatalf("OperationType = %q, want generic", meta.OperationType)
	}
	if meta.Name == "" {
		t.Fatalf("expected a non-empty handler name")
	}
}
