package graph

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
)

func TestCompileRejectsCycle(t *testing.T) {
	g := New()
	g.AddNode("a", nil)
	g.AddNode("b", nil)
	g.AddEdge("a", "b")
	g.AddEdge("b", "a")
	if err := g.Compile(); err == nil {
		t.Fatal("expected cycle rejection, got nil")
	}
}

func TestCompileRejectsUnreachable(t *testing.T) {
	g := New()
	g.AddNode("a", nil)
	g.AddNode("b", nil)
	g.AddNode("x", nil)
	g.AddNode("y", nil)
	g.AddNode("orphan", nil)
	g.AddEdge("a", "b")
	// x and y only feed each other, so no root (a node with no incoming
	// edges) reaches them or orphan. A node with no edges at all is a root
	// of its own and is not unreachable.
	g.AddEdge("x", "y")
	g.AddEdge("y", "x")
	g.AddEdge("y", "orphan")
	if err := g.Compile(); err == nil || !strings.Contains(err.Error(), "unreachable") {
		t.Fatalf("expected unreachable node rejection, got %v", err)
	}
}

func TestExecuteRunsInDependencyOrder(t *testing.T) {
	g := New()
	g.AddNode("a", nil)
	g.AddNode("b", nil)
	g.AddNode("c", nil)
	g.AddEdge("a", "b")
	g.AddEdge("a", "c")

	var mu sync.Mutex
	var order []string
	run := func(_ context.Context, n Node) error {
		mu.Lock()
		order = append(order, n.ID)
		mu.Unlock()
		return nil
	}

	results, err := Execute(context.Background(), g, Lenient, run)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if order[0] != "a" {
		t.Fatalf("expected 'a' to run first, got %s", order[0])
	}
}

func TestExecuteStrictStopsOnFailure(t *testing.T) {
	g := New()
	g.AddNode("a", nil)
	g.AddNode("b", nil)
	g.AddEdge("a", "b")

	run := func(_ context.Context, n Node) error {
		if n.ID == "a" {
			return errors.New("boom")
		}
		return nil
	}

	results, err := Execute(context.Background(), g, Strict, run)
	if err == nil {
		t.Fatal("expected strict execution to return the failure")
	}
	ranB := false
	for _, r := range results {
		if r.NodeID == "b" && r.Err == nil {
			ranB = true
		}
	}
	if ranB {
		t.Fatal("expected strict policy to skip 'b' after 'a' failed")
	}
}

func TestExecuteLenientRunsAllDespiteFailure(t *testing.T) {
	g := New()
	g.AddNode("a", nil)
	g.AddNode("b", nil)
	g.AddEdge("a", "b")

	run := func(_ context.Context, n Node) error {
		if n.ID == "a" {
			return errors.New("boom")
		}
		return nil
	}

	results, err := Execute(context.Background(), g, Lenient, run)
	if err != nil {
		t.Fatalf("expected lenient execution to not surface the error, got %v", err)
	}
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.NodeID)
	}
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("expected both nodes to run under lenient policy, got %v", ids)
	}
}
