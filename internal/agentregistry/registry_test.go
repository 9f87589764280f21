package agentregistry

import (
	"context"
	"sync"
	"testing"

	"github.com/orchestrahub/hub/internal/types"
)

// fakeStore is a hand-rolled in-memory Store, mirroring the teacher's
// fakes used in runtime/distributed's worker tests.
type fakeStore struct {
	mu   sync.Mutex
	data map[string]types.Agent
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string]types.Agent{}}
}

func (f *fakeStore) SaveAgent(_ context.Context, agent types.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[agent.AgentID] = agent
	return nil
}

func (f *fakeStore) LoadAgent(_ context.Context, agentID string) (types.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.data[agentID]
	if !ok {
		return types.Agent{}, huberrNotFound(agentID)
	}
	return a, nil
}

func (f *fakeStore) ListAgents(_ context.Context) ([]types.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Agent, 0, len(f.data))
	for _, a := range f.data {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeStore) DeleteAgent(_ context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, agentID)
	return nil
}

func huberrNotFound(id string) error {
	return &notFoundErr{id: id}
}

type notFoundErr struct{ id string }

func (e *notFoundErr) Error() string { return "agent not found: " + e.id }

func TestRegisterAndGet(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	reg, err := New(ctx, store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	agent, err := reg.Register(ctx, AgentSpec{AgentID: "agent-1", Version: types.Version{Major: 1}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if agent.LifecycleState != types.LifecycleRegistered {
		t.Fatalf("expected lifecycle registered, got %s", agent.LifecycleState)
	}

	got, err := reg.Get(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AgentID != "agent-1" {
		t.Fatalf("expected agent-1, got %s", got.AgentID)
	}
}

func TestRegisterDuplicateConflict(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	reg, _ := New(ctx, store)

	spec := AgentSpec{AgentID: "agent-1", Version: types.Version{Major: 1}}
	if _, err := reg.Register(ctx, spec); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, err := reg.Register(ctx, spec); err == nil {
		t.Fatal("expected conflict on duplicate agent_id+version, got nil")
	}
}

func TestDiscoverSortsByHealthThenWeightThenID(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	reg, _ := New(ctx, store)

	mustRegister(t, reg, ctx, "zeta", 5, types.HealthHealthy)
	mustRegister(t, reg, ctx, "alpha", 5, types.HealthHealthy)
	mustRegister(t, reg, ctx, "beta", 10, types.HealthHealthy)
	mustRegister(t, reg, ctx, "gamma", 100, types.HealthUnhealthy)

	agents, err := reg.Discover(ctx, types.DiscoverCriteria{})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(agents) != 4 {
		t.Fatalf("expected 4 agents, got %d", len(agents))
	}
	want := []string{"beta", "alpha", "zeta", "gamma"}
	for i, id := range want {
		if agents[i].AgentID != id {
			t.Fatalf("position %d: want %s, got %s", i, id, agents[i].AgentID)
		}
	}
}

func mustRegister(t *testing.T, reg *Registry, ctx context.Context, id string, weight int, health types.HealthLevel) {
	t.Helper()
	if _, err := reg.Register(ctx, AgentSpec{AgentID: id}); err != nil {
		t.Fatalf("Register(%s): %v", id, err)
	}
	if _, err := reg.SetRoutingWeight(ctx, id, weight); err != nil {
		t.Fatalf("SetRoutingWeight(%s): %v", id, err)
	}
	if err := reg.ApplyHealth(ctx, id, types.HealthStatus{Level: health}); err != nil {
		t.Fatalf("ApplyHealth(%s): %v", id, err)
	}
}

func TestDispatchableRejectsUnhealthyAndAtCapacity(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	reg, _ := New(ctx, store)

	ext := types.Extensions{MaxConcurrentRuns: 1}
	if _, err := reg.Register(ctx, AgentSpec{AgentID: "agent-1", Capabilities: types.Capabilities{}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ready := types.LifecycleReady
	active := types.AgentStatusActive
	if _, err := reg.Update(ctx, "agent-1", types.AgentPatch{LifecycleState: &ready, Status: &active, Extensions: &ext}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if _, err := reg.Dispatchable(ctx, "agent-1"); err != nil {
		t.Fatalf("expected dispatchable, got %v", err)
	}

	if err := reg.IncrementActiveRuns(ctx, "agent-1"); err != nil {
		t.Fatalf("IncrementActiveRuns: %v", err)
	}
	if _, err := reg.Dispatchable(ctx, "agent-1"); err == nil {
		t.Fatal("expected not-ready error at max concurrency, got nil")
	}

	if err := reg.DecrementActiveRuns(ctx, "agent-1"); err != nil {
		t.Fatalf("DecrementActiveRuns: %v", err)
	}
	if _, err := reg.Dispatchable(ctx, "agent-1"); err != nil {
		t.Fatalf("expected dispatchable after decrement, got %v", err)
	}

	unhealthy := types.HealthUnhealthy
	if err := reg.ApplyHealth(ctx, "agent-1", types.HealthStatus{Level: unhealthy}); err != nil {
		t.Fatalf("ApplyHealth: %v", err)
	}
	if _, err := reg.Dispatchable(ctx, "agent-1"); err == nil {
		t.Fatal("expected unhealthy error, got nil")
	}
}

func TestUpdateRejectsIllegalLifecycleTransition(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	reg, _ := New(ctx, store)

	if _, err := reg.Register(ctx, AgentSpec{AgentID: "agent-1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	stopped := types.LifecycleStopped
	if _, err := reg.Update(ctx, "agent-1", types.AgentPatch{LifecycleState: &stopped}); err != nil {
		t.Fatalf("Update to stopped: %v", err)
	}
	registered := types.LifecycleRegistered
	if _, err := reg.Update(ctx, "agent-1", types.AgentPatch{LifecycleState: &registered}); err == nil {
		t.Fatal("expected rejection of stopped -> registered, got nil")
	}
}
