package threadstore

import (
	"context"
	"sync"

	"github.com/orchestrahub/hub/internal/huberr"
	"github.com/orchestrahub/hub/internal/types"
)

// MemStore is an in-memory Store for tests and single-process local mode.
type MemStore struct {
	mu       sync.RWMutex
	threads  map[string]types.Thread
	messages map[string][]types.Message
}

func NewMemStore() *MemStore {
	return &MemStore{threads: map[string]types.Thread{}, messages: map[string][]types.Message{}}
}

func (m *MemStore) SaveThread(_ context.Context, thread types.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[thread.ThreadID] = thread
	return nil
}

func (m *MemStore) LoadThread(_ context.Context, threadID string) (types.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.threads[threadID]
	if !ok {
		return types.Thread{}, huberr.New(huberr.CodeThreadNotFound, "thread not found")
	}
	return t, nil
}

func (m *MemStore) AppendMessage(_ context.Context, message types.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[message.ThreadID] = append(m.messages[message.ThreadID], message)
	return nil
}

func (m *MemStore) ListMessages(_ context.Context, threadID string) ([]types.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.Message(nil), m.messages[threadID]...), nil
}

var _ Store = (*MemStore)(nil)
