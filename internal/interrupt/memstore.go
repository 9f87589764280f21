package interrupt

import (
	"context"
	"sync"

	"github.com/orchestrahub/hub/internal/huberr"
	"github.com/orchestrahub/hub/internal/types"
)

// MemStore is an in-memory Store for tests and single-process local mode.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]types.Interrupt
}

func NewMemStore() *MemStore {
	return &MemStore{data: map[string]types.Interrupt{}}
}

func (m *MemStore) SaveInterrupt(_ context.Context, in types.Interrupt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[in.InterruptID] = in
	return nil
}

func (m *MemStore) LoadInterrupt(_ context.Context, id string) (types.Interrupt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.data[id]
	if !ok {
		return types.Interrupt{}, huberr.New(huberr.CodeInterruptNotFound, "interrupt not found")
	}
	return in, nil
}

func (m *MemStore) ListInterrupts(_ context.Context) ([]types.Interrupt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Interrupt, 0, len(m.data))
	for _, in := range m.data {
		out = append(out, in)
	}
	return out, nil
}

var _ Store = (*MemStore)(nil)
