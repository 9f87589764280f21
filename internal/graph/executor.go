package graph

import (
	"context"
	"sync"
)

// RunFunc executes one node's step and reports success/failure.
type RunFunc func(ctx context.Context, node Node) error

// Policy governs how the executor reacts to a child failure, mirroring
// types.ParallelPolicy without importing the types package (this package
// stays dependency-free so it can be reused outside the step domain).
type Policy int

const (
	// Strict aborts remaining work on the first child failure.
	Strict Policy = iota
	// Lenient runs every node to completion regardless of sibling failures.
	Lenient
)

// Result is the per-node outcome of an Execute call.
type Result struct {
	NodeID string
	Err    error
}

// Execute runs every node in dependency order, fanning out nodes whose
// dependencies have all completed. Under Strict, a failure cancels the
// context and skips any node not yet started (a skipped node's Result
// carries the context's cancellation error); under Lenient, every node
// still runs and all errors are collected.
func Execute(ctx context.Context, g *Graph, policy Policy, run RunFunc) ([]Result, error) {
	if err := g.Compile(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu        sync.Mutex
		results   []Result
		remaining = map[string]int{}
		done      = map[string]bool{}
		wg        sync.WaitGroup
		failed    bool
	)
	for _, n := range g.Nodes() {
		remaining[n.ID] = g.IncomingCount(n.ID)
	}

	var schedule func(id string)
	var maybeScheduleDependents func(id string)

	runNode := func(n Node) {
		defer wg.Done()
		var err error
		mu.Lock()
		skip := policy == Strict && failed
		mu.Unlock()
		if !skip {
			err = run(runCtx, n)
		} else {
			err = runCtx.Err()
		}
		mu.Lock()
		results = append(results, Result{NodeID: n.ID, Err: err})
		done[n.ID] = true
		if err != nil {
			failed = true
			if policy == Strict {
				cancel()
			}
		}
		mu.Unlock()
		maybeScheduleDependents(n.ID)
	}

	schedule = func(id string) {
		n := findNode(g, id)
		wg.Add(1)
		go runNode(n)
	}

	maybeScheduleDependents = func(id string) {
		for _, dep := range g.Dependents(id) {
			mu.Lock()
			remaining[dep]--
			ready := remaining[dep] == 0 && !done[dep]
			skip := policy == Strict && failed
			mu.Unlock()
			if ready && !skip {
				schedule(dep)
			} else if ready && skip {
				mu.Lock()
				done[dep] = true
				results = append(results, Result{NodeID: dep, Err: runCtx.Err()})
				mu.Unlock()
			}
		}
	}

	for _, root := range g.roots() {
		schedule(root)
	}
	wg.Wait()

	var firstErr error
	for _, r := range results {
		if r.Err != nil {
			firstErr = r.Err
			break
		}
	}
	if policy == Strict && firstErr != nil {
		return results, firstErr
	}
	return results, nil
}

func findNode(g *Graph, id string) Node {
	return g.nodes[id]
}
