// package store provides the Application persistence implementations
// behind the workflow engine's load/save contract.
package store

import (
	"context"
	"sync"

	"github.com/gacp-platform/certification-core/internal/workflow"
)

// MemoryStore keeps applications in process memory. Dev/test only.
type MemoryStore struct {
	mu   sync.RWMutex
	apps map[string]*workflow.Application
}

// NewMemoryStore returns an empty in-memory application store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{apps: map[string]*workflow.Application{}}
}

func (m *MemoryStore) Create(ctx context.Context, app *workflow.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apps[app.ID] = app.Clone()
	return nil
}

// ListByState returns the ids of applications currently in state.
func (m *MemoryStore) ListByState(ctx context.Context, state workflow.State) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, app := range m.apps {
		if app.State == state {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemoryStore) Load(ctx context.Context, id string) (*workflow.Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	app, ok := m.apps[id]
	if !ok {
		return nil, workflow.ErrApplicationNotFound
	}
	return app.Clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, app *workflow.Application, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.apps[app.ID]
	if !ok {
		return workflow.ErrApplicationNotFound
	}
	if current.Version != expectedVersion {
		return workflow.ErrVersionConflict
	}
	m.apps[app.ID] = app.Clone()
	return nil
}
