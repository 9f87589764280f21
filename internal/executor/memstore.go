package executor

import (
	"context"
	"sync"

	"github.com/orchestrahub/hub/internal/huberr"
	"github.com/orchestrahub/hub/internal/types"
)

// MemStore is an in-memory Store, used by tests and by the single-process
// default configuration before a durable backend is wired in.
type MemStore struct {
	mu   sync.RWMutex
	runs map[string]types.Run
}

func NewMemStore() *MemStore {
	return &MemStore{runs: map[string]types.Run{}}
}

func (m *MemStore) SaveRun(_ context.Context, run types.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runs == nil {
		m.runs = map[string]types.Run{}
	}
	m.runs[run.RunID] = run
	return nil
}

func (m *MemStore) LoadRun(_ context.Context, runID string) (types.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return types.Run{}, huberr.New(huberr.CodeRunNotFound, "run "+runID+" not found")
	}
	return run, nil
}

func (m *MemStore) ListRunsByStatus(_ context.Context, statuses []types.RunStatus) ([]types.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := map[types.RunStatus]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	out := make([]types.Run, 0)
	for _, run := range m.runs {
		if want[run.Status] {
			out = append(out, run)
		}
	}
	return out, nil
}

var _ Store = (*MemStore)(nil)
