// Package agentregistry implements the Agent Registry (spec §4.1): the
// authoritative catalog of agents, their capabilities, lifecycle state, and
// health. Per the design notes (§9 "Global registries"), this is an
// explicitly-constructed service — not a package-level singleton like the
// teacher's tools.RegisterTool — wired together by the composition root.
// Its locking and write-through persistence style follows the teacher's
// runtime/distributed.coordinator: a mutex-guarded struct backed by a
// durable Store, constructed with New(ctx, store, opts...).
package agentregistry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orchestrahub/hub/internal/bus"
	"github.com/orchestrahub/hub/internal/huberr"
	"github.com/orchestrahub/hub/internal/types"
)

// Store is the durable backend the registry writes through to (§4.1
// Persistence: "a registration is durable before the operation returns").
type Store interface {
	SaveAgent(ctx context.Context, agent types.Agent) error
	LoadAgent(ctx context.Context, agentID string) (types.Agent, error)
	ListAgents(ctx context.Context) ([]types.Agent, error)
	DeleteAgent(ctx context.Context, agentID string) error
}

// Registry is the Agent Registry service.
type Registry struct {
	store    Store
	observer bus.Sink

	mu     sync.RWMutex
	byID   map[string]types.Agent
}

// Option configures a Registry at construction time.
type Option func(*Registry)

func WithObserver(sink bus.Sink) Option {
	return func(r *Registry) { r.observer = sink }
}

// New constructs a Registry and warms its cache from the store.
func New(ctx context.Context, store Store, opts ...Option) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("agentregistry: store is required")
	}
	r := &Registry{store: store, byID: map[string]types.Agent{}}
	for _, opt := range opts {
		opt(r)
	}
	agents, err := store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("agentregistry: failed to warm cache: %w", err)
	}
	for _, a := range agents {
		r.byID[a.AgentID] = a
	}
	return r, nil
}

// AgentSpec is the caller-supplied payload for Register.
type AgentSpec struct {
	AgentID      string
	Version      types.Version
	System       string
	Type         string
	DisplayName  string
	Capabilities types.Capabilities
	Extensions   types.Extensions
}

// versionKey disambiguates conflicting registrations (§4.1: "conflict if an
// agent with the same agent_id + version already exists in a non-terminal
// state").
func versionKey(agentID string, v types.Version) string {
	return agentID + "@" + v.String()
}

func nonTerminalAgent(a types.Agent) bool {
	return a.LifecycleState != types.LifecycleStopped && a.Status != types.AgentStatusDeprecated
}

// Register adds a new agent record. It fails with CodeAgentConflict if an
// agent with the same agent_id+version already exists in a non-terminal
// state (§4.1).
func (r *Registry) Register(ctx context.Context, spec AgentSpec) (types.Agent, error) {
	if strings.TrimSpace(spec.AgentID) == "" {
		return types.Agent{}, huberr.New(huberr.CodeValidation, "agent_id is required")
	}

	r.mu.Lock()
	for _, existing := range r.byID {
		if versionKey(existing.AgentID, existing.Version) == versionKey(spec.AgentID, spec.Version) && nonTerminalAgent(existing) {
			r.mu.Unlock()
			return types.Agent{}, huberr.New(huberr.CodeAgentConflict,
				fmt.Sprintf("agent %q version %s already registered in a non-terminal state", spec.AgentID, spec.Version))
		}
	}
	r.mu.Unlock()

	now := time.Now().UTC()
	agent := types.Agent{
		AgentID:        spec.AgentID,
		Version:        spec.Version,
		System:         spec.System,
		Type:           spec.Type,
		DisplayName:    spec.DisplayName,
		Status:         types.AgentStatusActive,
		LifecycleState: types.LifecycleRegistered,
		Capabilities:   spec.Capabilities,
		Extensions:     spec.Extensions,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := r.store.SaveAgent(ctx, agent); err != nil {
		return types.Agent{}, fmt.Errorf("agentregistry: failed to persist agent: %w", err)
	}

	r.mu.Lock()
	r.byID[agent.AgentID] = agent
	r.mu.Unlock()

	r.emit(ctx, types.EventAgentHealthChanged, agent.AgentID, map[string]any{"event": "registered"})
	return agent, nil
}

// Get returns the agent record, or CodeAgentNotFound.
func (r *Registry) Get(_ context.Context, agentID string) (types.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[agentID]
	if !ok {
		return types.Agent{}, huberr.New(huberr.CodeAgentNotFound, fmt.Sprintf("agent %q not found", agentID))
	}
	return a, nil
}

// Update applies a partial patch and persists the resulting record,
// enforcing that lifecycle_state only advances monotonically (§3 Invariant).
func (r *Registry) Update(ctx context.Context, agentID string, patch types.AgentPatch) (types.Agent, error) {
	r.mu.Lock()
	agent, ok := r.byID[agentID]
	if !ok {
		r.mu.Unlock()
		return types.Agent{}, huberr.New(huberr.CodeAgentNotFound, fmt.Sprintf("agent %q not found", agentID))
	}
	prevLifecycle := agent.LifecycleState
	if patch.Status != nil {
		agent.Status = *patch.Status
	}
	if patch.LifecycleState != nil {
		if !types.CanTransitionLifecycle(prevLifecycle, *patch.LifecycleState) {
			r.mu.Unlock()
			return types.Agent{}, huberr.New(huberr.CodeValidation,
				fmt.Sprintf("illegal lifecycle transition %s -> %s", prevLifecycle, *patch.LifecycleState))
		}
		agent.LifecycleState = *patch.LifecycleState
	}
	if patch.Capabilities != nil {
		agent.Capabilities = *patch.Capabilities
	}
	if patch.Extensions != nil {
		agent.Extensions = *patch.Extensions
	}
	if patch.RoutingWeight != nil {
		agent.RoutingWeight = *patch.RoutingWeight
	}
	if patch.DisplayName != nil {
		agent.DisplayName = *patch.DisplayName
	}
	agent.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()

	if err := r.store.SaveAgent(ctx, agent); err != nil {
		return types.Agent{}, fmt.Errorf("agentregistry: failed to persist update: %w", err)
	}

	r.mu.Lock()
	r.byID[agentID] = agent
	r.mu.Unlock()

	if patch.LifecycleState != nil && *patch.LifecycleState != prevLifecycle {
		r.emit(ctx, types.EventAgentHealthChanged, agentID, map[string]any{
			"lifecycleState": string(*patch.LifecycleState),
		})
	}
	return agent, nil
}

// Delete removes an agent from the registry.
func (r *Registry) Delete(ctx context.Context, agentID string) error {
	r.mu.Lock()
	_, ok := r.byID[agentID]
	if !ok {
		r.mu.Unlock()
		return huberr.New(huberr.CodeAgentNotFound, fmt.Sprintf("agent %q not found", agentID))
	}
	delete(r.byID, agentID)
	r.mu.Unlock()

	if err := r.store.DeleteAgent(ctx, agentID); err != nil {
		return fmt.Errorf("agentregistry: failed to delete agent: %w", err)
	}
	return nil
}

// Deprecate marks an agent deprecated without removing its record.
func (r *Registry) Deprecate(ctx context.Context, agentID string) (types.Agent, error) {
	status := types.AgentStatusDeprecated
	return r.Update(ctx, agentID, types.AgentPatch{Status: &status})
}

// SetRoutingWeight updates an agent's discovery sort weight.
func (r *Registry) SetRoutingWeight(ctx context.Context, agentID string, weight int) (types.Agent, error) {
	return r.Update(ctx, agentID, types.AgentPatch{RoutingWeight: &weight})
}

// Discover returns agents matching criteria, sorted by health (healthy
// first), then by routing weight descending, then lexicographic agent_id
// (§4.1 Contract).
func (r *Registry) Discover(_ context.Context, criteria types.DiscoverCriteria) ([]types.Agent, error) {
	r.mu.RLock()
	matches := make([]types.Agent, 0, len(r.byID))
	for _, a := range r.byID {
		if matchesCriteria(a, criteria) {
			matches = append(matches, a)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		hi, hj := healthRank(matches[i]), healthRank(matches[j])
		if hi != hj {
			return hi < hj
		}
		if matches[i].RoutingWeight != matches[j].RoutingWeight {
			return matches[i].RoutingWeight > matches[j].RoutingWeight
		}
		return matches[i].AgentID < matches[j].AgentID
	})

	if criteria.Offset > 0 && criteria.Offset < len(matches) {
		matches = matches[criteria.Offset:]
	} else if criteria.Offset >= len(matches) {
		matches = nil
	}
	if criteria.Limit > 0 && len(matches) > criteria.Limit {
		matches = matches[:criteria.Limit]
	}
	return matches, nil
}

func healthRank(a types.Agent) int {
	if a.Health == nil {
		return 1 // unknown ranks after healthy, before degraded/unhealthy
	}
	switch a.Health.Level {
	case types.HealthHealthy:
		return 0
	case types.HealthDegraded:
		return 2
	case types.HealthUnhealthy:
		return 3
	default:
		return 1
	}
}

func matchesCriteria(a types.Agent, c types.DiscoverCriteria) bool {
	if c.System != "" && a.System != c.System {
		return false
	}
	if c.Type != "" && a.Type != c.Type {
		return false
	}
	if c.Status != "" && a.Status != c.Status {
		return false
	}
	if c.Domain != "" {
		found := false
		for _, d := range a.Capabilities.Domains {
			if d == c.Domain {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if c.RequiredTool != "" && !a.Capabilities.HasTool(c.RequiredTool) {
		return false
	}
	if c.RequiresThreads && !a.Extensions.SupportsThreads {
		return false
	}
	if c.RequiresInterrupts && !a.Extensions.SupportsInterrupts {
		return false
	}
	if c.RequiresStreaming && !a.Extensions.SupportsStreaming {
		return false
	}
	return true
}

// Dispatchable checks the §4.1 gating rule and returns a typed error
// explaining why dispatch was refused.
func (r *Registry) Dispatchable(_ context.Context, agentID string) (types.Agent, error) {
	r.mu.RLock()
	a, ok := r.byID[agentID]
	r.mu.RUnlock()
	if !ok {
		return types.Agent{}, huberr.New(huberr.CodeAgentNotFound, fmt.Sprintf("agent %q not found", agentID))
	}
	if a.Health != nil && a.Health.Level == types.HealthUnhealthy {
		return types.Agent{}, huberr.New(huberr.CodeAgentUnhealthy, fmt.Sprintf("agent %q is unhealthy", agentID))
	}
	if !a.Dispatchable() {
		return types.Agent{}, huberr.New(huberr.CodeAgentNotReady, fmt.Sprintf("agent %q is not ready for dispatch", agentID))
	}
	return a, nil
}

// IncrementActiveRuns is called by the executor when a run is dispatched;
// DecrementActiveRuns when it terminates. Both are atomic with respect to
// the registry's own lock so the active-run count invariant (§8: "never
// exceeds max_concurrent_runs") holds under concurrent dispatch.
func (r *Registry) IncrementActiveRuns(ctx context.Context, agentID string) error {
	r.mu.Lock()
	a, ok := r.byID[agentID]
	if !ok {
		r.mu.Unlock()
		return huberr.New(huberr.CodeAgentNotFound, fmt.Sprintf("agent %q not found", agentID))
	}
	if a.Extensions.MaxConcurrentRuns > 0 && a.ActiveRuns >= a.Extensions.MaxConcurrentRuns {
		r.mu.Unlock()
		return huberr.New(huberr.CodeAgentNotReady, fmt.Sprintf("agent %q at max concurrency", agentID))
	}
	a.ActiveRuns++
	a.UpdatedAt = time.Now().UTC()
	r.byID[agentID] = a
	r.mu.Unlock()
	return r.store.SaveAgent(ctx, a)
}

func (r *Registry) DecrementActiveRuns(ctx context.Context, agentID string) error {
	r.mu.Lock()
	a, ok := r.byID[agentID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if a.ActiveRuns > 0 {
		a.ActiveRuns--
	}
	a.UpdatedAt = time.Now().UTC()
	r.byID[agentID] = a
	r.mu.Unlock()
	return r.store.SaveAgent(ctx, a)
}

// ApplyHealth records a new health snapshot and publishes
// agent:health_changed if the composite level changed.
func (r *Registry) ApplyHealth(ctx context.Context, agentID string, health types.HealthStatus) error {
	r.mu.Lock()
	a, ok := r.byID[agentID]
	if !ok {
		r.mu.Unlock()
		return huberr.New(huberr.CodeAgentNotFound, fmt.Sprintf("agent %q not found", agentID))
	}
	prevLevel := types.HealthUnknown
	if a.Health != nil {
		prevLevel = a.Health.Level
	}
	a.Health = &health
	a.UpdatedAt = time.Now().UTC()
	r.byID[agentID] = a
	r.mu.Unlock()

	if err := r.store.SaveAgent(ctx, a); err != nil {
		return fmt.Errorf("agentregistry: failed to persist health: %w", err)
	}
	if prevLevel != health.Level {
		r.emit(ctx, types.EventAgentHealthChanged, agentID, map[string]any{
			"previous": string(prevLevel),
			"current":  string(health.Level),
		})
	}
	return nil
}

func (r *Registry) emit(ctx context.Context, name types.EventName, agentID string, attrs map[string]any) {
	if r.observer == nil {
		return
	}
	_ = r.observer.Emit(ctx, types.Event{
		Name:       name,
		AgentID:    agentID,
		Timestamp:  time.Now().UTC(),
		Attributes: attrs,
	})
}

// NewAgentID generates a fresh UUID-backed identifier for callers that
// don't supply their own.
func NewAgentID() string { return uuid.NewString() }
