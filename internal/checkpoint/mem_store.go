package checkpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/ocx/agentkernel/internal/kerr"
)

// MemStore is an in-memory Store, behaviorally identical to FileStore,
// intended for tests and for deployments without a persistent volume.
type MemStore struct {
	mu      sync.Mutex
	records map[string][]Checkpoint
}

// NewMemStore constructs an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string][]Checkpoint)}
}

// Save implements Store.
func (m *MemStore) Save(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[cp.AgentID] = append(m.records[cp.AgentID], cp)
	return nil
}

// Latest implements Store.
func (m *MemStore) Latest(_ context.Context, agentID string) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := m.records[agentID]
	if len(records) == 0 {
		return Checkpoint{}, kerr.New(kerr.NotFound, fmt.Sprintf("no checkpoint for agent %s", agentID))
	}
	return records[len(records)-1], nil
}

// History implements Store.
func (m *MemStore) History(_ context.Context, agentID string) ([]Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Checkpoint, len(m.records[agentID]))
	copy(out, m.records[agentID])
	return out, nil
}

// Delete implements Store.
func (m *MemStore) Delete(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, agentID)
	return nil
}

// ListAgentIDs implements Store.
func (m *MemStore) ListAgentIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.records))
	for id := range m.records {
		out = append(out, id)
	}
	return out, nil
}
