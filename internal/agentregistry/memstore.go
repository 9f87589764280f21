package agentregistry

import (
	"context"
	"sync"

	"github.com/orchestrahub/hub/internal/huberr"
	"github.com/orchestrahub/hub/internal/types"
)

// MemStore is an in-memory Store, useful for tests and single-process
// local-mode deployments that don't need cross-restart durability —
// mirrors checkpoint.MemStore and threadstore.MemStore.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]types.Agent
}

func NewMemStore() *MemStore {
	return &MemStore{data: map[string]types.Agent{}}
}

func (m *MemStore) SaveAgent(_ context.Context, agent types.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[agent.AgentID] = agent
	return nil
}

func (m *MemStore) LoadAgent(_ context.Context, agentID string) (types.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.data[agentID]
	if !ok {
		return types.Agent{}, huberr.New(huberr.CodeAgentNotFound, "agent not found: "+agentID)
	}
	return a, nil
}

func (m *MemStore) ListAgents(_ context.Context) ([]types.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Agent, 0, len(m.data))
	for _, a := range m.data {
		out = append(out, a)
	}
	return out, nil
}

func (m *MemStore) DeleteAgent(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, agentID)
	return nil
}

var _ Store = (*MemStore)(nil)
