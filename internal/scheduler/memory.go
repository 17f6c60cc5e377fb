package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spinelabs/spine/internal/broker"
)

// MemoryStore is an in-memory Store for tests and lab use.
type MemoryStore struct {
	mu     sync.RWMutex
	tasks  map[string]ScheduledTask
	owners map[string]Ownership
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:  make(map[string]ScheduledTask),
		owners: make(map[string]Ownership),
	}
}

func copyTask(t *ScheduledTask) ScheduledTask {
	c := *t
	if t.Kwargs != nil {
		c.Kwargs = make(broker.Kwargs, len(t.Kwargs))
		for k, v := range t.Kwargs {
			c.Kwargs[k] = v
		}
	}
	return c
}

func (m *MemoryStore) CreateTask(_ context.Context, t *ScheduledTask) error {
	if t.ID == "" {
		return fmt.Errorf("scheduled task id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return fmt.Errorf("scheduled task %s already exists", t.ID)
	}
	m.tasks[t.ID] = copyTask(t)
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (*ScheduledTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	c := copyTask(&t)
	return &c, nil
}

func (m *MemoryStore) ListTasks(_ context.Context) ([]ScheduledTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tasks := make([]ScheduledTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, copyTask(&t))
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Name != tasks[j].Name {
			return tasks[i].Name < tasks[j].Name
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

func (m *MemoryStore) UpdateTask(_ context.Context, t *ScheduledTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, t.ID)
	}
	m.tasks[t.ID] = copyTask(t)
	return nil
}

func (m *MemoryStore) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	delete(m.tasks, id)
	delete(m.owners, id)
	return nil
}

func (m *MemoryStore) MarkRun(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	t.LastRunAt = at
	t.TotalRunCount++
	if t.OneOff {
		t.Enabled = false
	}
	t.UpdatedAt = at
	m.tasks[id] = t
	return nil
}

func (m *MemoryStore) PutOwnership(_ context.Context, o *Ownership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[o.ScheduledTaskID]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, o.ScheduledTaskID)
	}
	m.owners[o.ScheduledTaskID] = *o
	return nil
}

func (m *MemoryStore) Owner(_ context.Context, scheduledTaskID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.owners[scheduledTaskID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrOwnershipNotFound, scheduledTaskID)
	}
	return o.Username, nil
}
