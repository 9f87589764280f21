package distributed

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	rendezvous "github.com/dgryski/go-rendezvous"
)

// ShardRouter assigns a run to a preferred worker via rendezvous
// (highest-random-weight) hashing, so that repeated dispatch of the same
// run (retries, requeues after a crash) tends to land on the same worker
// node without any worker holding a partition table, and so that adding
// or removing a worker only reshuffles the runs hashed to that one
// worker rather than the whole fleet. This is additive to the queue's
// own claim-based load balancing (queue.Queue.Claim): a Worker claims a
// delivery first, then consults ShardRouter; when another worker is the
// preferred owner it requeues the task with no delay and acks its own
// claim, leaving the next claim to whichever worker gets there.
type ShardRouter struct {
	mu      sync.RWMutex
	workers []string
	rv      *rendezvous.Rendezvous
}

// NewShardRouter builds a router over the given worker IDs. An empty set
// is valid — Preferred then always returns "" and every worker claims
// every delivery, degrading to the queue's default behavior.
func NewShardRouter(workerIDs []string) *ShardRouter {
	s := &ShardRouter{}
	s.SetWorkers(workerIDs)
	return s
}

// SetWorkers replaces the member set, e.g. in response to WorkerHeartbeat
// churn observed by the Coordinator. Rebuilds the underlying rendezvous
// table, which is cheap (O(n) in worker count, not in key count).
func (s *ShardRouter) SetWorkers(workerIDs []string) {
	sorted := append([]string(nil), workerIDs...)
	sort.Strings(sorted)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers = sorted
	if len(sorted) == 0 {
		s.rv = nil
		return
	}
	s.rv = rendezvous.New(sorted, xxhash.Sum64String)
}

// Preferred returns the worker ID that owns runID under the current
// member set, or "" if no workers are registered.
func (s *ShardRouter) Preferred(runID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rv == nil {
		return ""
	}
	return s.rv.Lookup(runID)
}

// Workers returns a snapshot of the current member set.
func (s *ShardRouter) Workers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.workers...)
}
