package cluster

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used by tests and single-silo dev
// runs. It honors the same version protocol as the Postgres store.
type MemoryStore struct {
	mu     sync.Mutex
	tables map[string]*memTable
}

type memTable struct {
	version int64
	rows    map[string]Silo
	maxGen  map[string]int64 // endpoint -> highest generation ever
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]*memTable)}
}

func (m *MemoryStore) table(deployment string) *memTable {
	t, ok := m.tables[deployment]
	if !ok {
		t = &memTable{rows: make(map[string]Silo), maxGen: make(map[string]int64)}
		m.tables[deployment] = t
	}
	return t
}

func (m *MemoryStore) ReadAll(ctx context.Context, deployment string) (Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(deployment)
	rows := make(map[string]Silo, len(t.rows))
	for k, v := range t.rows {
		votes := make([]SuspectVote, len(v.SuspectTimes))
		copy(votes, v.SuspectTimes)
		v.SuspectTimes = votes
		rows[k] = v
	}
	return Table{Version: t.version, Rows: rows}, nil
}

func (m *MemoryStore) InsertRow(ctx context.Context, deployment string, row Silo, expectedVersion int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(deployment)
	if t.version != expectedVersion {
		return false, nil
	}
	if _, exists := t.rows[row.ID]; exists {
		return false, nil
	}
	t.rows[row.ID] = row
	if row.Generation > t.maxGen[row.Endpoint] {
		t.maxGen[row.Endpoint] = row.Generation
	}
	t.version++
	return true, nil
}

func (m *MemoryStore) UpdateRow(ctx context.Context, deployment string, row Silo, expectedVersion int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(deployment)
	if t.version != expectedVersion {
		return false, nil
	}
	if _, exists := t.rows[row.ID]; !exists {
		return false, nil
	}
	t.rows[row.ID] = row
	t.version++
	return true, nil
}

func (m *MemoryStore) UpdateIAmAlive(ctx context.Context, deployment, siloID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(deployment)
	if row, ok := t.rows[siloID]; ok {
		row.IAmAliveTime = at
		t.rows[siloID] = row
	}
	return nil
}

func (m *MemoryStore) MaxGeneration(ctx context.Context, deployment, endpoint string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table(deployment).maxGen[endpoint], nil
}
