// Package demohandler provides the Hub's default router.Handler: a
// generic step handler that echoes a run's input text back as its
// response: the Text, Query or Question field if set, else the last
// message. It exists because the core ships no LLM or tool semantics of
// its own (spec §1 Non-goals: "the core does not define the semantics of
// any particular tool, LLM prompting strategy, or retrieval algorithm") —
// something still has to be registered so a freshly started process can
// dispatch a run end to end, and this is that something. Real deployments
// register their own operation-specific handlers alongside or instead of
// this one.
package demohandler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/orchestrahub/hub/internal/exectx"
	"github.com/orchestrahub/hub/internal/types"
)

// Echo is a single-step generic handler: it records one llm_call-shaped
// step, echoes the run's input back as the response text, and completes.
type Echo struct{}

func (Echo) Metadata() types.HandlerMetadata {
	return types.HandlerMetadata{
		Name:          "demo-echo",
		Version:       "1.0.0",
		OperationType: types.OperationGeneric,
		Description:   "echoes the run's input back as its output; the Hub's default handler",
		Priority:      0,
	}
}

func (Echo) Handle(ctx context.Context, execCtx *exectx.Context) (*types.RunOutput, *types.RunError) {
	text := inputText(execCtx.Run.Input)

	step, err := execCtx.AddStep(ctx, types.Step{
		Type:  types.StepLLMCall,
		Name:  "echo",
		Input: map[string]any{"text": text},
	})
	if err != nil {
		return nil, &types.RunError{Code: "CAP_RUN_EXECUTION_FAILED", Message: err.Error()}
	}

	response := fmt.Sprintf("echo: %s", text)

	if execCtx.Run.StreamingEnabled && execCtx.Agent.Extensions.SupportsStreaming && execCtx.StartStreaming != nil {
		_ = execCtx.StartStreaming(ctx)
		for _, word := range strings.Fields(response) {
			_ = execCtx.EmitToken(ctx, word+" ")
		}
	}

	if _, err := execCtx.CompleteStep(ctx, step.StepID, map[string]any{"response": response}, nil); err != nil {
		return nil, &types.RunError{Code: "CAP_RUN_EXECUTION_FAILED", Message: err.Error()}
	}

	in, out := estimateTokens(text), estimateTokens(response)
	_ = execCtx.UpdateTokenUsage(ctx, types.TokenUsage{
		InputTokens:  in,
		OutputTokens: out,
		TotalTokens:  in + out,
	})

	return &types.RunOutput{
		Response:   response,
		DurationMs: time.Since(execCtx.Run.CreatedAt).Milliseconds(),
	}, nil
}

func inputText(input types.RunInput) string {
	switch {
	case input.Text != "":
		return input.Text
	case input.Query != "":
		return input.Query
	case input.Question != "":
		return input.Question
	case len(input.Messages) > 0:
		return input.Messages[len(input.Messages)-1].Content
	default:
		return ""
	}
}

// estimateTokens counts whitespace-separated words as a rough token
// estimate, not a real tokenizer —
// the Hub core has no model integration to call for an exact count.
func estimateTokens(s string) int {
	n := 0
	inWord := false
	for _, r := range s {
		if r == ' ' || r == '\n' || r == '\t' {
			inWord = false
			continue
		}
		if !inWord {
			n++
			inWord = true
		}
	}
	return n
}
