package storage

import (
	"context"
	"sync"
	"time"

	"github.com/titan/backend/internal/grain"
)

// MemoryProvider is the in-memory Provider used by tests and single-node
// dev runs; the app falls back to it when Postgres is not configured.
type MemoryProvider struct {
	mu   sync.Mutex
	rows map[string]*memRow

	reminders map[string]Reminder
}

type memRow struct {
	payload []byte
	version int64
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		rows:      make(map[string]*memRow),
		reminders: make(map[string]Reminder),
	}
}

func stateKey(id grain.Identity, serviceID string) string {
	return serviceID + "|" + id.String()
}

func (m *MemoryProvider) Read(ctx context.Context, id grain.Identity, serviceID string) ([]byte, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[stateKey(id, serviceID)]
	if !ok || row.payload == nil {
		return nil, 0, ErrNotFound
	}
	cp := make([]byte, len(row.payload))
	copy(cp, row.payload)
	return cp, row.version, nil
}

func (m *MemoryProvider) Write(ctx context.Context, id grain.Identity, serviceID string, payload []byte, expected *int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stateKey(id, serviceID)
	row, ok := m.rows[key]
	switch {
	case !ok:
		if expected != nil {
			return 0, ErrVersionConflict
		}
		cp := make([]byte, len(payload))
		copy(cp, payload)
		m.rows[key] = &memRow{payload: cp, version: 1}
		return 1, nil
	case row.payload == nil:
		// Tombstoned row: a first-write recreates the grain. The version
		// continues past the tombstone's so a writer fenced on the old
		// live version still conflicts.
		if expected != nil {
			return 0, ErrVersionConflict
		}
		cp := make([]byte, len(payload))
		copy(cp, payload)
		row.payload = cp
		row.version++
		return row.version, nil
	default:
		if expected == nil || *expected != row.version {
			return 0, ErrVersionConflict
		}
		cp := make([]byte, len(payload))
		copy(cp, payload)
		row.payload = cp
		row.version++
		return row.version, nil
	}
}

func (m *MemoryProvider) Clear(ctx context.Context, id grain.Identity, serviceID string, expected *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stateKey(id, serviceID)
	row, ok := m.rows[key]
	if !ok {
		if expected != nil {
			return ErrVersionConflict
		}
		return nil
	}
	if expected == nil || *expected != row.version {
		return ErrVersionConflict
	}
	// Tombstone: payload nil, version advances so a late writer still fails.
	row.payload = nil
	row.version++
	return nil
}

func reminderKey(serviceID string, id grain.Identity, name string) string {
	return serviceID + "|" + id.String() + "|" + name
}

func (m *MemoryProvider) UpsertReminder(ctx context.Context, r Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := reminderKey(r.ServiceID, r.Grain, r.Name)
	if prev, ok := m.reminders[key]; ok {
		r.Version = prev.Version + 1
	} else {
		r.Version = 1
	}
	if r.StartAt.IsZero() {
		r.StartAt = time.Now()
	}
	m.reminders[key] = r
	return nil
}

func (m *MemoryProvider) DeleteReminder(ctx context.Context, serviceID string, id grain.Identity, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reminders, reminderKey(serviceID, id, name))
	return nil
}

func (m *MemoryProvider) RemindersInRange(ctx context.Context, serviceID string, begin, end uint32) ([]Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Reminder
	for _, r := range m.reminders {
		if r.ServiceID != serviceID {
			continue
		}
		if hashInRange(r.GrainHash, begin, end) {
			out = append(out, r)
		}
	}
	return out, nil
}

// hashInRange reports whether h lies in the half-open ring segment
// (begin, end], wrapping around zero.
func hashInRange(h, begin, end uint32) bool {
	if begin == end {
		return true // single-silo ring owns everything
	}
	if begin < end {
		return h > begin && h <= end
	}
	return h > begin || h <= end
}
