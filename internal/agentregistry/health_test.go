package agentregistry

import (
	"context"
	"testing"
	"time"

	"github.com/orchestrahub/hub/internal/types"
)

func newHealthTestRegistry(t *testing.T) (*Registry, types.Agent) {
	t.Helper()
	ctx := context.Background()
	registry, err := New(ctx, NewMemStore())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	agent, err := registry.Register(ctx, AgentSpec{AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return registry, agent
}

func TestProberAppliesHealthyWhenAllChecksPass(t *testing.T) {
	registry, agent := newHealthTestRegistry(t)
	prober := NewProber(registry, ProberConfig{UnhealthyThreshold: 3})
	prober.RegisterCheck("reachable", func(context.Context, types.Agent) types.ComponentCheck {
		return types.ComponentCheck{Status: types.HealthHealthy, Critical: true}
	})

	prober.probeOne(context.Background(), agent)

	updated, err := registry.Get(context.Background(), agent.AgentID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if updated.Health == nil || updated.Health.Level != types.HealthHealthy {
		t.Fatalf("expected healthy status, got %+v", updated.Health)
	}
}

func TestProberDowngradesToUnhealthyOnlyAfterStreakThreshold(t *testing.T) {
	registry, agent := newHealthTestRegistry(t)
	prober := NewProber(registry, ProberConfig{UnhealthyThreshold: 2})
	prober.RegisterCheck("reachable", func(context.Context, types.Agent) types.ComponentCheck {
		return types.ComponentCheck{Status: types.HealthDegraded, Critical: true}
	})

	prober.probeOne(context.Background(), agent)
	updated, _ := registry.Get(context.Background(), agent.AgentID)
	if updated.Health.Level != types.HealthDegraded {
		t.Fatalf("expected degraded before streak threshold, got %s", updated.Health.Level)
	}

	prober.probeOne(context.Background(), agent)
	updated, _ = registry.Get(context.Background(), agent.AgentID)
	if updated.Health.Level != types.HealthUnhealthy {
		t.Fatalf("expected unhealthy once streak reaches threshold, got %s", updated.Health.Level)
	}
	if updated.Health.UnhealthyStreak != 2 {
		t.Fatalf("expected streak of 2, got %d", updated.Health.UnhealthyStreak)
	}
}

func TestProberRunsChecksInRegistrationOrder(t *testing.T) {
	registry, agent := newHealthTestRegistry(t)
	prober := NewProber(registry, ProberConfig{})

	var order []string
	prober.RegisterCheck("first", func(context.Context, types.Agent) types.ComponentCheck {
		order = append(order, "first")
		return types.ComponentCheck{Status: types.HealthHealthy}
	})
	prober.RegisterCheck("second", func(context.Context, types.Agent) types.ComponentCheck {
		order = append(order, "second")
		return types.ComponentCheck{Status: types.HealthHealthy}
	})

	prober.probeOne(context.Background(), agent)

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("expected checks to run in registration order, got %v", order)
	}
}

func TestProberDegradesOnNonCriticalFailureWithoutGoingUnhealthy(t *testing.T) {
	registry, agent := newHealthTestRegistry(t)
	prober := NewProber(registry, ProberConfig{UnhealthyThreshold: 3})
	prober.RegisterCheck("reachable", func(context.Context, types.Agent) types.ComponentCheck {
		return types.ComponentCheck{Status: types.HealthHealthy, Critical: true}
	})
	prober.RegisterCheck("cache", func(context.Context, types.Agent) types.ComponentCheck {
		return types.ComponentCheck{Status: types.HealthUnhealthy, Critical: false}
	})

	prober.probeOne(context.Background(), agent)

	updated, err := registry.Get(context.Background(), agent.AgentID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if updated.Health.Level != types.HealthDegraded {
		t.Fatalf("expected a failing non-critical check to degrade, not fail outright, got %s", updated.Health.Level)
	}
}

func TestProberGatesHealthyOnSuccessRateFloor(t *testing.T) {
	registry, agent := newHealthTestRegistry(t)
	prober := NewProber(registry, ProberConfig{UnhealthyThreshold: 10, SuccessRateFloor: 0.95, SuccessRateWindow: 4})
	pass := true
	prober.RegisterCheck("reachable", func(context.Context, types.Agent) types.ComponentCheck {
		if pass {
			return types.ComponentCheck{Status: types.HealthHealthy, Critical: true}
		}
		return types.ComponentCheck{Status: types.HealthUnhealthy, Critical: true}
	})

	pass = false
	prober.probeOne(context.Background(), agent)
	pass = true
	prober.probeOne(context.Background(), agent)
	prober.probeOne(context.Background(), agent)

	updated, _ := registry.Get(context.Background(), agent.AgentID)
	if updated.Health.Level != types.HealthDegraded {
		t.Fatalf("expected a recent-history success rate below the floor to hold the status at degraded, got %s (rate=%v)", updated.Health.Level, updated.Health.SuccessRate)
	}
	if updated.Health.SuccessRate >= 0.95 {
		t.Fatalf("expected success rate to reflect the earlier failure within the window, got %v", updated.Health.SuccessRate)
	}
}

func TestProberPopulatesQueuedRunsFromSource(t *testing.T) {
	registry, agent := newHealthTestRegistry(t)
	prober := NewProber(registry, ProberConfig{})
	prober.RegisterCheck("reachable", func(context.Context, types.Agent) types.ComponentCheck {
		return types.ComponentCheck{Status: types.HealthHealthy, Critical: true}
	})
	prober.SetQueuedRunsSource(func(_ context.Context, agentID string) (int, error) {
		if agentID == agent.AgentID {
			return 7, nil
		}
		return 0, nil
	})

	prober.probeOne(context.Background(), agent)

	updated, _ := registry.Get(context.Background(), agent.AgentID)
	if updated.Health.QueuedRuns != 7 {
		t.Fatalf("expected queued runs from the configured source, got %d", updated.Health.QueuedRuns)
	}
}

func TestDescribeLatencyFormatsSubSecondDurations(t *testing.T) {
	if got := DescribeLatency(342 * time.Millisecond); got != "342ms" {
		t.Fatalf("expected 342ms, got %q", got)
	}
	if got := DescribeLatency(0); got != "0ms" {
		t.Fatalf("expected 0ms for zero duration, got %q", got)
	}
}
