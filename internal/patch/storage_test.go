package patch

import (
	"sync"

	"github.com/andryyy/thatcat-sub000/internal/table"
)

// memStorage is a small in-memory Storage used by the patch engine's own
// tests and usable as a stand-in for a peer's local table store in tests of
// other packages.
type memStorage struct {
	mu      sync.Mutex
	live    map[string]table.Snapshot
	staged  map[string]map[string]table.Snapshot // lockID -> table -> snapshot
}

func newMemStorage() *memStorage {
	return &memStorage{
		live:   map[string]table.Snapshot{},
		staged: map[string]map[string]table.Snapshot{},
	}
}

func (m *memStorage) Read(tableName string) table.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[tableName].Clone()
}

func (m *memStorage) Stage(lockID, tableName string, snapshot table.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.staged[lockID]; !ok {
		m.staged[lockID] = map[string]table.Snapshot{}
	}
	m.staged[lockID][tableName] = snapshot
	return nil
}

func (m *memStorage) Commit(lockID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	staged, ok := m.staged[lockID]
	if !ok || len(staged) == 0 {
		return nil, nil
	}
	committed := make([]string, 0, len(staged))
	for t, snap := range staged {
		m.live[t] = snap
		committed = append(committed, t)
	}
	delete(m.staged, lockID)
	return committed, nil
}

func (m *memStorage) Rollback(lockID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.staged, lockID)
}

func (m *memStorage) seed(tableName string, docs map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := table.Snapshot{}
	for id, body := range docs {
		snap[id] = table.Document(body)
	}
	m.live[tableName] = snap
}

func (m *memStorage) hash(tableName string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return table.Hash(m.live[tableName])
}

