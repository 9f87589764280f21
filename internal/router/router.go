// Package router implements the Step Handler Registry & Router (spec §4.3):
// a mutex-guarded catalog of handlers plus the four-phase selection
// algorithm that picks which one services a step. The registry half is
// grounded on the teacher's tools.RegisterTool (package-level maps guarded
// by a single sync.RWMutex, sorted listings) adapted — per the §9 design
// note on global registries — into an explicitly-constructed service.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/orchestrahub/hub/internal/exectx"
	"github.com/orchestrahub/hub/internal/huberr"
	"github.com/orchestrahub/hub/internal/types"
)

// Handler drives one run's execution from start to finish, using the
// exectx.Context's callbacks to record steps, suspend for interrupts, and
// update token usage as it goes. It returns a *types.RunError on failure
// rather than a raw error — failure is data, never an exception that
// crosses the component boundary (§9 design note).
type Handler interface {
	Metadata() types.HandlerMetadata
	Handle(ctx context.Context, execCtx *exectx.Context) (*types.RunOutput, *types.RunError)
}

type registration struct {
	meta    types.HandlerMetadata
	handler Handler
}

func key(name, version string) string { return name + "@" + version }

// DefaultMinConfidence is the default gate applied to the router's
// inferred-operation confidence (§4.3 Selection).
const DefaultMinConfidence = 0.5

// Router is the Step Handler Registry & Router service.
type Router struct {
	mu                sync.RWMutex
	byKey             map[string]registration
	capabilityRouting bool
	minConfidence     float64
}

// Option configures a Router at construction time.
type Option func(*Router)

// WithCapabilityRouting toggles phase 2 (required_capabilities filtering).
func WithCapabilityRouting(enabled bool) Option {
	return func(r *Router) { r.capabilityRouting = enabled }
}

// WithMinConfidence overrides the default 0.5 confidence gate.
func WithMinConfidence(min float64) Option {
	return func(r *Router) {
		if min >= 0 && min <= 1 {
			r.minConfidence = min
		}
	}
}

// New constructs an empty Router.
func New(opts ...Option) *Router {
	r := &Router{byKey: map[string]registration{}, capabilityRouting: true, minConfidence: DefaultMinConfidence}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a handler, rejecting a duplicate name+version (§4.3
// Registration).
func (r *Router) Register(meta types.HandlerMetadata, handler Handler) error {
	if strings.TrimSpace(meta.Name) == "" {
		return huberr.New(huberr.CodeValidation, "handler name is required")
	}
	if strings.TrimSpace(meta.Version) == "" {
		meta.Version = "0.0.0"
	}
	if handler == nil {
		return huberr.New(huberr.CodeValidation, "handler implementation is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(meta.Name, meta.Version)
	if _, exists := r.byKey[k]; exists {
		return huberr.New(huberr.CodeValidation,
			fmt.Sprintf("handler %q version %q already registered", meta.Name, meta.Version))
	}
	r.byKey[k] = registration{meta: meta, handler: handler}
	return nil
}

// MustRegister panics on a registration error; used for handlers wired at
// process startup, mirroring the teacher's MustRegisterTool.
func (r *Router) MustRegister(meta types.HandlerMetadata, handler Handler) {
	if err := r.Register(meta, handler); err != nil {
		panic(err)
	}
}

// Unregister removes a handler by name+version.
func (r *Router) Unregister(name, version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byKey, key(name, version))
}

// Names returns every registered handler name, sorted, deduplicated across
// versions — mirrors the teacher's ToolNames.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	names := make([]string, 0, len(r.byKey))
	for _, reg := range r.byKey {
		if !seen[reg.meta.Name] {
			seen[reg.meta.Name] = true
			names = append(names, reg.meta.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Catalog returns a sorted snapshot of every registered handler's metadata.
func (r *Router) Catalog() []types.HandlerMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.HandlerMetadata, 0, len(r.byKey))
	for _, reg := range r.byKey {
		out = append(out, reg.meta)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// Decision is the outcome of Route: the winning handler, its confidence,
// and a human-readable reason recording which phase selected it. Reason is
// for observability only, never for control flow (§4.3).
type Decision struct {
	Handler    Handler
	Metadata   types.HandlerMetadata
	Confidence float64
	Reason     string
}

// candidate is an intermediate (handler, confidence) pair produced by one
// routing phase, before priority/version/name tiebreak selection.
type candidate struct {
	reg        registration
	confidence float64
	phase      string
}

// Route selects a handler for the given step input on behalf of agent,
// following the four phases of §4.3. It returns (Decision{}, false, nil)
// — "none" — if nothing clears min_confidence.
func (r *Router) Route(_ context.Context, input types.RunInput, agent types.Agent) (Decision, bool, error) {
	r.mu.RLock()
	regs := make([]registration, 0, len(r.byKey))
	for _, reg := range r.byKey {
		regs = append(regs, reg)
	}
	r.mu.RUnlock()

	candidates := r.explicitCandidates(regs, input)
	phase := "explicit"
	if len(candidates) == 0 {
		inferred, confidence := detectOperation(input)
		if inferred == "" {
			return Decision{}, false, nil
		}
		for _, reg := range regs {
			if reg.meta.OperationType == inferred {
				candidates = append(candidates, candidate{reg: reg, confidence: confidence, phase: "pattern_detection"})
			}
		}
		phase = "pattern_detection"
	}

	if r.capabilityRouting {
		candidates = filterByCapabilities(candidates, agent)
	}

	if len(candidates) == 0 {
		return Decision{}, false, nil
	}

	winner := selectWinner(candidates)
	if winner.confidence < r.minConfidence {
		return Decision{}, false, nil
	}

	return Decision{
		Handler:    winner.reg.handler,
		Metadata:   winner.reg.meta,
		Confidence: winner.confidence,
		Reason:     fmt.Sprintf("%s: operation=%s priority=%d version=%s", phase, winner.reg.meta.OperationType, winner.reg.meta.Priority, winner.reg.meta.Version),
	}, true, nil
}

// explicitCandidates implements §4.3 phase 1: if input.Operation names one
// of the seven operation types, every handler advertising it is a
// confidence-1.0 candidate.
func (r *Router) explicitCandidates(regs []registration, input types.RunInput) []candidate {
	op := types.OperationType(strings.TrimSpace(input.Operation))
	if op == "" {
		return nil
	}
	switch op {
	case types.OperationRAG, types.OperationReasoning, types.OperationClassification,
		types.OperationExtraction, types.OperationGeneric, types.OperationToolCall, types.OperationAgentInvocation:
	default:
		return nil
	}
	out := make([]candidate, 0, len(regs))
	for _, reg := range regs {
		if reg.meta.OperationType == op {
			out = append(out, candidate{reg: reg, confidence: 1.0, phase: "explicit"})
		}
	}
	return out
}

// filterByCapabilities implements §4.3 phase 2: drop candidates whose
// required_capabilities are not a subset of the agent's tools ∪ actions.
func filterByCapabilities(candidates []candidate, agent types.Agent) []candidate {
	available := map[string]bool{}
	for _, t := range agent.Capabilities.Tools {
		available[t] = true
	}
	for _, a := range agent.Capabilities.SkillActions {
		available[a] = true
	}
	out := candidates[:0:0]
	for _, c := range candidates {
		ok := true
		for _, req := range c.reg.meta.RequiredCapabilities {
			if !available[req] {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, c)
		}
	}
	return out
}

// detectOperation implements §4.3 phase 3: infer an operation from the
// input's shape when no explicit operation was given.
func detectOperation(input types.RunInput) (types.OperationType, float64) {
	switch {
	case input.Text != "" && len(input.Categories) > 0:
		return types.OperationClassification, 0.95
	case input.Text != "" && input.Schema != nil:
		return types.OperationExtraction, 0.95
	case (input.Query != "" || input.Question != "") && len(input.ContextIDs) > 0:
		return types.OperationRAG, 0.90
	case input.Question != "":
		return types.OperationReasoning, 0.70
	case input.Query != "":
		return types.OperationRAG, 0.60
	case len(input.Messages) > 0:
		return types.OperationGeneric, 0.50
	default:
		return "", 0
	}
}

// selectWinner implements §4.3 phase 4: maximum priority, ties broken by
// higher handler version (lexicographic on the raw string, matching how
// versions are registered), then lexicographic name.
func selectWinner(candidates []candidate) candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.reg.meta.Priority > best.reg.meta.Priority {
			best = c
			continue
		}
		if c.reg.meta.Priority < best.reg.meta.Priority {
			continue
		}
		if c.reg.meta.Version > best.reg.meta.Version {
			best = c
			continue
		}
		if c.reg.meta.Version < best.reg.meta.Version {
			continue
		}
		if c.reg.meta.Name < best.reg.meta.Name {
			best = c
		}
	}
	return best
}
