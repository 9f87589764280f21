// Package guardrail adapts the teacher's input/output check pipeline
// (guardrail.Pipeline) into the Hub's policy layer: checks run against a
// step's input and output, and a Block verdict is translated into a
// policy_violation (or high_risk_operation) interrupt rather than
// silently rejecting the call, so a human can approve an override.
package guardrail

import (
	"context"
	"fmt"
	"strings"
)

// Action defines what happens when a guardrail triggers.
type Action string

const (
	ActionBlock  Action = "block"
	ActionWarn   Action = "warn"
	ActionRedact Action = "redact"
)

// Result is returned by a single guardrail check.
type Result struct {
	Triggered    bool   `json:"triggered"`
	Action       Action `json:"action,omitempty"`
	Name         string `json:"name"`
	Message      string `json:"message,omitempty"`
	RedactedText string `json:"redactedText,omitempty"`
	HighRisk     bool   `json:"highRisk,omitempty"`
}

// InputCheck validates a step's input before it is dispatched to a
// handler.
type InputCheck interface {
	Name() string
	CheckInput(ctx context.Context, input string) (Result, error)
}

// OutputCheck validates a step's output before it is recorded.
type OutputCheck interface {
	Name() string
	CheckOutput(ctx context.Context, output string) (Result, error)
}

// Check validates both directions.
type Check interface {
	InputCheck
	OutputCheck
}

// Pipeline runs registered checks in sequence, mirroring the teacher's
// guardrail.Pipeline.
type Pipeline struct {
	inputChecks  []InputCheck
	outputChecks []OutputCheck
}

func NewPipeline() *Pipeline { return &Pipeline{} }

func (p *Pipeline) AddInput(c InputCheck) *Pipeline {
	p.inputChecks = append(p.inputChecks, c)
	return p
}

func (p *Pipeline) AddOutput(c OutputCheck) *Pipeline {
	p.outputChecks = append(p.outputChecks, c)
	return p
}

func (p *Pipeline) Add(c Check) *Pipeline {
	p.inputChecks = append(p.inputChecks, c)
	p.outputChecks = append(p.outputChecks, c)
	return p
}

// CheckInput runs every input check. It stops and returns at the first
// ActionBlock; ActionWarn accumulates; ActionRedact rewrites the text in
// place for downstream checks and accumulates as a warning too.
func (p *Pipeline) CheckInput(ctx context.Context, input string) (string, []Result, error) {
	return runChecks(input, p.inputChecks, func(c InputCheck, text string) (Result, error) {
		return c.CheckInput(ctx, text)
	})
}

// CheckOutput runs every output check with the same semantics as CheckInput.
func (p *Pipeline) CheckOutput(ctx context.Context, output string) (string, []Result, error) {
	return runChecks(output, p.outputChecks, func(c OutputCheck, text string) (Result, error) {
		return c.CheckOutput(ctx, text)
	})
}

func runChecks[C any](text string, checks []C, run func(C, string) (Result, error)) (string, []Result, error) {
	out := text
	var flagged []Result
	for _, c := range checks {
		res, err := run(c, out)
		if err != nil {
			return "", nil, fmt.Errorf("guardrail check failed: %w", err)
		}
		if !res.Triggered {
			continue
		}
		switch res.Action {
		case ActionBlock:
			return "", []Result{res}, nil
		case ActionWarn:
			flagged = append(flagged, res)
		case ActionRedact:
			if res.RedactedText != "" {
				out = res.RedactedText
			}
			flagged = append(flagged, res)
		}
	}
	return out, flagged, nil
}

// HasBlock reports whether any result is a blocking verdict.
func HasBlock(results []Result) bool {
	for _, r := range results {
		if r.Triggered && r.Action == ActionBlock {
			return true
		}
	}
	return false
}

// HighRisk reports whether any blocking result was flagged high-risk
// rather than a plain policy violation — this decides which interrupt
// type the caller should raise.
func HighRisk(results []Result) bool {
	for _, r := range results {
		if r.Triggered && r.HighRisk {
			return true
		}
	}
	return false
}

// Summary renders a human-readable digest of triggered results; the
// executor uses it as the guardrail interrupt payload's Message.
func Summary(results []Result) string {
	if len(results) == 0 {
		return "no guardrails triggered"
	}
	parts := make([]string, 0, len(results))
	for _, r := range results {
		if r.Triggered {
			parts = append(parts, fmt.Sprintf("[%s] %s: %s", r.Action, r.Name, r.Message))
		}
	}
	return strings.Join(parts, "; ")
}

func BlockResult(name, message string) Result {
	return Result{Triggered: true, Action: ActionBlock, Name: name, Message: message}
}

func HighRiskBlockResult(name, message string) Result {
	return Result{Triggered: true, Action: ActionBlock, Name: name, Message: message, HighRisk: true}
}

func WarnResult(name, message string) Result {
	return Result{Triggered: true, Action: ActionWarn, Name: name, Message: message}
}

func RedactResult(name, message, redactedText string) Result {
	return Result{Triggered: true, Action: ActionRedact, Name: name, Message: message, RedactedText: redactedText}
}

func PassResult(name string) Result { return Result{Triggered: false, Name: name} }
