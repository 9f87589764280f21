package distributed

import (
	"fmt"
	"testing"
)

func TestShardRouterPreferredIsStableAcrossCalls(t *testing.T) {
	s := NewShardRouter([]string{"worker-a", "worker-b", "worker-c"})
	first := s.Preferred("run-123")
	for i := 0; i < 10; i++ {
		if got := s.Preferred("run-123"); got != first {
			t.Fatalf("Preferred is not stable: got %q, want %q", got, first)
		}
	}
}

func TestShardRouterPreferredEmptyWithNoWorkers(t *testing.T) {
	s := NewShardRouter(nil)
	if got := s.Preferred("run-123"); got != "" {
		t.Fatalf("expected empty preferred worker with no members, got %q", got)
	}
}

func TestShardRouterMinimizesReshuffleOnMembershipChange(t *testing.T) {
	before := NewShardRouter([]string{"worker-a", "worker-b", "worker-c"})
	runs := make([]string, 200)
	for i := range runs {
		runs[i] = fmt.Sprintf("run-%d", i)
	}
	assignments := make(map[string]string, len(runs))
	for _, r := range runs {
		assignments[r] = before.Preferred(r)
	}

	after := NewShardRouter([]string{"worker-a", "worker-b", "worker-c", "worker-d"})
	changed := 0
	for _, r := range runs {
		if after.Preferred(r) != assignments[r] {
			changed++
		}
	}

	// Rendezvous hashing should only reassign roughly 1/n of keys when
	// adding the nth worker; a naive mod-N hash would reassign most of them.
	if changed > len(runs)/2 {
		t.Fatalf("expected less than half of runs to reshuffle when adding a worker, got %d/%d", changed, len(runs))
	}
}

func TestShardRouterWorkersReturnsSortedSnapshot(t *testing.T) {
	s := NewShardRouter([]string{"worker-c", "worker-a", "worker-b"})
	got := s.Workers()
	want := []string{"worker-a", "worker-b", "worker-c"}
	if len(got) != len(want) {
		t.Fatalf("expected %d workers, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected sorted workers %v, got %v", want, got)
		}
	}
}
