package credstore

import (
	"context"
	"sort"
	"sync"
)

// MemoryRows is an in-memory Rows implementation for tests and lab use.
type MemoryRows struct {
	mu   sync.RWMutex
	rows map[string]Row
}

func NewMemoryRows() *MemoryRows {
	return &MemoryRows{rows: make(map[string]Row)}
}

func rowKey(owner, name string) string {
	return owner + "\x00" + name
}

func (m *MemoryRows) GetCredential(_ context.Context, owner, name string) (*Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[rowKey(owner, name)]
	if !ok {
		return nil, ErrCredentialRowNotFound
	}
	return &row, nil
}

func (m *MemoryRows) UpsertCredential(_ context.Context, row *Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[rowKey(row.Owner, row.Name)] = *row
	return nil
}

func (m *MemoryRows) DeleteCredential(_ context.Context, owner, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, rowKey(owner, name))
	return nil
}

func (m *MemoryRows) ListCredentials(_ context.Context, owner string) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rows []Row
	for _, row := range m.rows {
		if row.Owner == owner {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	return rows, nil
}
